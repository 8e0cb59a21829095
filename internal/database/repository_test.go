package database

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/npezzotti/go-bookclub/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	codeSeq   atomic.Int64
	testEpoch = time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
)

func nextCode() string {
	return fmt.Sprintf("T%05d", codeSeq.Add(1))
}

func testRoom(code string) types.Room {
	return types.Room{
		Code:          code,
		BookRef:       "alice-in-wonderland",
		CreatedBy:     "alice",
		CreatedByName: "Alice",
		CreatedAt:     testEpoch,
		Book: types.Book{
			Id:     "alice-in-wonderland",
			Title:  "Alice's Adventures in Wonderland",
			Author: "Lewis Carroll",
			Chapters: []types.Chapter{
				{Id: "1", Title: "Down the Rabbit-Hole", Content: "Alice was beginning to get very tired."},
			},
		},
		Participants: map[string]types.ParticipantInfo{
			"alice": {UserId: "alice", DisplayName: "Alice", JoinedAt: testEpoch},
		},
	}
}

func testHighlight(code, id string, at time.Time) types.Highlight {
	return types.Highlight{
		Id:          id,
		RoomCode:    code,
		AuthorId:    "alice",
		AuthorName:  "Alice",
		Text:        "Down the Rabbit-Hole",
		Color:       "#FFB8D1",
		StartOffset: 0,
		EndOffset:   20,
		CreatedAt:   at,
	}
}

func testComment(code, highlightId, id string, at time.Time) types.Comment {
	return types.Comment{
		Id:          id,
		RoomCode:    code,
		HighlightId: highlightId,
		AuthorId:    "bob",
		AuthorName:  "Bob",
		Text:        "love this chapter!",
		CreatedAt:   at,
	}
}

// runRepositoryTests exercises the behaviour every Repository must share.
func runRepositoryTests(t *testing.T, repo Repository) {
	ctx := context.Background()

	t.Run("create and get room", func(t *testing.T) {
		code := nextCode()
		created, err := repo.CreateRoom(ctx, testRoom(code))
		require.NoError(t, err)
		assert.Equal(t, code, created.Code)

		got, err := repo.GetRoom(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, "alice-in-wonderland", got.BookRef)
		assert.Equal(t, "Down the Rabbit-Hole", got.Book.Chapters[0].Title)
		assert.True(t, testEpoch.Equal(got.CreatedAt))
		require.Contains(t, got.Participants, "alice")
		assert.Empty(t, got.Colors)

		exists, err := repo.RoomExists(ctx, code)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("create room is create-if-absent", func(t *testing.T) {
		code := nextCode()
		_, err := repo.CreateRoom(ctx, testRoom(code))
		require.NoError(t, err)

		other := testRoom(code)
		other.CreatedBy = "mallory"
		_, err = repo.CreateRoom(ctx, other)
		assert.ErrorIs(t, err, types.ErrAlreadyExists)

		got, err := repo.GetRoom(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, "alice", got.CreatedBy, "first creator must win")
	})

	t.Run("create room validates", func(t *testing.T) {
		room := testRoom(nextCode())
		room.CreatedBy = ""
		_, err := repo.CreateRoom(ctx, room)
		assert.ErrorIs(t, err, types.ErrValidation)
	})

	t.Run("unknown room", func(t *testing.T) {
		_, err := repo.GetRoom(ctx, "NOPE00")
		assert.ErrorIs(t, err, types.ErrNotFound)

		exists, err := repo.RoomExists(ctx, "NOPE00")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("add participant keeps first join time", func(t *testing.T) {
		code := nextCode()
		_, err := repo.CreateRoom(ctx, testRoom(code))
		require.NoError(t, err)

		first := types.ParticipantInfo{UserId: "bob", DisplayName: "Bob", JoinedAt: testEpoch.Add(time.Minute)}
		p, created, err := repo.AddParticipant(ctx, code, first)
		require.NoError(t, err)
		assert.True(t, created)
		assert.True(t, first.JoinedAt.Equal(p.JoinedAt))

		again := types.ParticipantInfo{UserId: "bob", DisplayName: "Bobby", JoinedAt: testEpoch.Add(time.Hour)}
		p, created, err = repo.AddParticipant(ctx, code, again)
		require.NoError(t, err)
		assert.False(t, created)
		assert.True(t, first.JoinedAt.Equal(p.JoinedAt))
		assert.Equal(t, "Bobby", p.DisplayName)

		room, err := repo.GetRoom(ctx, code)
		require.NoError(t, err)
		assert.Len(t, room.Participants, 2)
		assert.True(t, first.JoinedAt.Equal(room.Participants["bob"].JoinedAt))
	})

	t.Run("add participant to unknown room", func(t *testing.T) {
		_, _, err := repo.AddParticipant(ctx, "NOPE00", types.ParticipantInfo{UserId: "bob", JoinedAt: testEpoch})
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("assign color in first-seen order", func(t *testing.T) {
		code := nextCode()
		_, err := repo.CreateRoom(ctx, testRoom(code))
		require.NoError(t, err)
		palette := []string{"red", "green"}

		c, err := repo.AssignColor(ctx, code, "alice", palette)
		require.NoError(t, err)
		assert.Equal(t, "red", c)

		c, err = repo.AssignColor(ctx, code, "bob", palette)
		require.NoError(t, err)
		assert.Equal(t, "green", c)

		c, err = repo.AssignColor(ctx, code, "alice", palette)
		require.NoError(t, err)
		assert.Equal(t, "red", c, "assignment is stable")

		c, err = repo.AssignColor(ctx, code, "carol", palette)
		require.NoError(t, err)
		assert.Equal(t, "red", c, "palette wraps")

		room, err := repo.GetRoom(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"alice": "red", "bob": "green", "carol": "red"}, room.Colors)
	})

	t.Run("concurrent color assignment", func(t *testing.T) {
		code := nextCode()
		_, err := repo.CreateRoom(ctx, testRoom(code))
		require.NoError(t, err)
		palette := []string{"a", "b", "c", "d", "e", "f"}

		var wg sync.WaitGroup
		results := make([]string, 10)
		errs := make([]error, 10)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = repo.AssignColor(ctx, code, "same-user", palette)
			}(i)
		}
		wg.Wait()

		for i := range results {
			require.NoError(t, errs[i])
			assert.Equal(t, "a", results[i])
		}
	})

	t.Run("highlights", func(t *testing.T) {
		code := nextCode()
		_, err := repo.CreateRoom(ctx, testRoom(code))
		require.NoError(t, err)

		h2 := testHighlight(code, nextCode()+"b", testEpoch.Add(2*time.Second))
		h1 := testHighlight(code, nextCode()+"a", testEpoch.Add(time.Second))
		require.NoError(t, repo.CreateHighlight(ctx, h2))
		require.NoError(t, repo.CreateHighlight(ctx, h1))
		assert.ErrorIs(t, repo.CreateHighlight(ctx, h1), types.ErrAlreadyExists)

		got, err := repo.GetHighlight(ctx, code, h1.Id)
		require.NoError(t, err)
		assert.Equal(t, h1.Text, got.Text)
		assert.Equal(t, h1.EndOffset, got.EndOffset)

		list, err := repo.ListHighlights(ctx, code)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, h1.Id, list[0].Id)

		_, err = repo.GetHighlight(ctx, code, "missing")
		assert.ErrorIs(t, err, types.ErrNotFound)

		bad := testHighlight(code, nextCode(), testEpoch)
		bad.EndOffset = 3
		assert.ErrorIs(t, repo.CreateHighlight(ctx, bad), types.ErrValidation)

		assert.ErrorIs(t, repo.CreateHighlight(ctx, testHighlight("NOPE00", nextCode(), testEpoch)), types.ErrNotFound)
	})

	t.Run("comments", func(t *testing.T) {
		code := nextCode()
		_, err := repo.CreateRoom(ctx, testRoom(code))
		require.NoError(t, err)
		hid := nextCode() + "h"
		require.NoError(t, repo.CreateHighlight(ctx, testHighlight(code, hid, testEpoch)))

		c2 := testComment(code, hid, "c2-"+code, testEpoch.Add(time.Second))
		c1 := testComment(code, hid, "c1-"+code, testEpoch.Add(time.Second))
		c0 := testComment(code, hid, "c0-"+code, testEpoch)
		for _, c := range []types.Comment{c2, c1, c0} {
			require.NoError(t, repo.CreateComment(ctx, c))
		}

		list, err := repo.ListComments(ctx, code, hid)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{c0.Id, c1.Id, c2.Id}, []string{list[0].Id, list[1].Id, list[2].Id})

		all, err := repo.ListComments(ctx, code, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)

		err = repo.CreateComment(ctx, testComment(code, "missing", nextCode(), testEpoch))
		assert.ErrorIs(t, err, types.ErrNotFound)

		other := nextCode()
		_, err = repo.CreateRoom(ctx, testRoom(other))
		require.NoError(t, err)
		err = repo.CreateComment(ctx, testComment(other, hid, nextCode(), testEpoch))
		assert.ErrorIs(t, err, types.ErrNotFound, "highlight must belong to the same room")

		blank := testComment(code, hid, nextCode(), testEpoch)
		blank.Text = ""
		assert.ErrorIs(t, repo.CreateComment(ctx, blank), types.ErrValidation)
	})

	t.Run("presence is last-write-wins", func(t *testing.T) {
		code := nextCode()
		_, err := repo.CreateRoom(ctx, testRoom(code))
		require.NoError(t, err)

		online := types.Presence{UserId: "alice", DisplayName: "Alice", Online: true, LastActive: testEpoch.Add(2 * time.Second)}
		require.NoError(t, repo.PutPresence(ctx, code, online))

		stale := types.Presence{UserId: "alice", Online: false, LastActive: testEpoch.Add(time.Second)}
		require.NoError(t, repo.PutPresence(ctx, code, stale))

		list, err := repo.ListPresence(ctx, code)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.True(t, list[0].Online, "older write must not win")

		offline := types.Presence{UserId: "alice", Online: false, LastActive: testEpoch.Add(3 * time.Second)}
		require.NoError(t, repo.PutPresence(ctx, code, offline))

		list, err = repo.ListPresence(ctx, code)
		require.NoError(t, err)
		assert.False(t, list[0].Online)
		assert.Equal(t, "Alice", list[0].DisplayName)
		assert.True(t, offline.LastActive.Equal(list[0].LastActive))
	})

	t.Run("recent rooms", func(t *testing.T) {
		uid := "reader-" + nextCode()
		var codes []string
		for i := 0; i < 7; i++ {
			code := nextCode()
			codes = append(codes, code)
			_, err := repo.CreateRoom(ctx, testRoom(code))
			require.NoError(t, err)
			require.NoError(t, repo.TouchRoomHistory(ctx, types.RoomHistoryEntry{
				UserId:       uid,
				RoomCode:     code,
				BookTitle:    "Alice",
				LastAccessed: testEpoch.Add(time.Duration(i) * time.Minute),
			}))
		}

		require.NoError(t, repo.TouchRoomHistory(ctx, types.RoomHistoryEntry{
			UserId:       uid,
			RoomCode:     codes[0],
			BookTitle:    "Alice",
			LastAccessed: testEpoch.Add(time.Hour),
		}))

		recent, err := repo.ListRecentRooms(ctx, uid, 0)
		require.NoError(t, err)
		require.Len(t, recent, DefaultRecentRooms)
		assert.Equal(t, codes[0], recent[0].RoomCode)
		assert.Equal(t, codes[6], recent[1].RoomCode)

		none, err := repo.ListRecentRooms(ctx, "nobody", 5)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("snapshot", func(t *testing.T) {
		code := nextCode()
		_, err := repo.CreateRoom(ctx, testRoom(code))
		require.NoError(t, err)
		hid := nextCode() + "s"
		require.NoError(t, repo.CreateHighlight(ctx, testHighlight(code, hid, testEpoch)))
		require.NoError(t, repo.CreateComment(ctx, testComment(code, hid, nextCode()+"s", testEpoch)))
		require.NoError(t, repo.PutPresence(ctx, code, types.Presence{UserId: "alice", Online: true, LastActive: testEpoch}))

		snap, err := LoadSnapshot(ctx, repo, code)
		require.NoError(t, err)
		assert.Equal(t, code, snap.Room.Code)
		assert.Len(t, snap.Highlights, 1)
		assert.Len(t, snap.Comments, 1)
		assert.Len(t, snap.Presence, 1)

		_, err = LoadSnapshot(ctx, repo, "NOPE00")
		assert.ErrorIs(t, err, types.ErrNotFound)
	})
}
