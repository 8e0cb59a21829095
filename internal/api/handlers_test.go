package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-bookclub/internal/books"
	"github.com/npezzotti/go-bookclub/internal/config"
	"github.com/npezzotti/go-bookclub/internal/database"
	"github.com/npezzotti/go-bookclub/internal/document"
	"github.com/npezzotti/go-bookclub/internal/eventbus"
	"github.com/npezzotti/go-bookclub/internal/roomcode"
	"github.com/npezzotti/go-bookclub/internal/server"
	"github.com/npezzotti/go-bookclub/internal/stats"
	"github.com/npezzotti/go-bookclub/internal/testutil"
	"github.com/npezzotti/go-bookclub/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	bob = types.Identity{UserId: "bob", DisplayName: "Bob"}

	testSigningKey = []byte("test-signing-key")
	testOrigin     = "http://localhost:3000"

	titleSelection = document.Selection{
		Start: document.Position{Chapter: 0, Part: document.PartTitle, Offset: 0},
		End:   document.Position{Chapter: 0, Part: document.PartTitle, Offset: 20},
		Text:  "Down the Rabbit-Hole",
	}
)

func newTestApp(t *testing.T, repo database.Repository, cs *server.ChatServer) *BookClubApp {
	catalog, err := books.NewCatalog()
	require.NoError(t, err)

	return NewBookClubApp(http.NewServeMux(), testutil.TestLogger(t), cs, repo, catalog, &config.Config{
		ServerAddr:     "localhost:0",
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{testOrigin},
	})
}

// newRunningApp wires an app to a running chat server over an in-memory store.
func newRunningApp(t *testing.T) (*BookClubApp, *database.MemoryRepository) {
	logger := testutil.TestLogger(t)
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return()
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	repo := database.NewMemoryRepository()
	cs, err := server.NewChatServer(logger, repo, eventbus.NewBus(0, logger), su, server.Options{IdleRoomTimeout: time.Minute})
	require.NoError(t, err)

	go cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, cs.Shutdown(ctx))
	})

	return newTestApp(t, repo, cs), repo
}

func bearer(t *testing.T, app *BookClubApp, ident types.Identity) string {
	token, err := app.createJwtForIdentity(ident, time.Minute)
	require.NoError(t, err)
	return "Bearer " + token
}

// doRequest sends a request through the full handler chain. A nil ident sends
// no credentials.
func doRequest(t *testing.T, app *BookClubApp, ident *types.Identity, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if ident != nil {
		req.Header.Set("Authorization", bearer(t, app, *ident))
	}

	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), "body: %s", rr.Body.String())
	return v
}

func createRoom(t *testing.T, app *BookClubApp, ident types.Identity) types.Room {
	rr := doRequest(t, app, &ident, http.MethodPost, "/api/rooms", CreateRoomRequest{BookId: "alice-in-wonderland"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeBody[types.Room](t, rr)
}

func Test_healthCheck(t *testing.T) {
	mockRepo := &database.MockRepository{}
	defer mockRepo.AssertExpectations(t)

	tcases := []struct {
		name    string
		mockErr error
	}{
		{
			name:    "successful health check",
			mockErr: nil,
		},
		{
			name:    "failed health check",
			mockErr: errors.New("db error"),
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo.On("Ping", mock.Anything).Return(tc.mockErr).Once()
			app := newTestApp(t, mockRepo, nil)

			rr := doRequest(t, app, nil, http.MethodGet, "/healthz", nil)

			if tc.mockErr != nil {
				assert.Equal(t, http.StatusServiceUnavailable, rr.Code, "expected status code to be 503")
			} else {
				assert.Equal(t, http.StatusOK, rr.Code, "expected status code to be 200")
				assert.Equal(t, "OK", rr.Body.String(), "expected response body to be 'OK'")
			}
		})
	}
}

func Test_books(t *testing.T) {
	app := newTestApp(t, database.NewMemoryRepository(), nil)

	t.Run("requires identity", func(t *testing.T) {
		rr := doRequest(t, app, nil, http.MethodGet, "/api/books", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("lists the catalog", func(t *testing.T) {
		rr := doRequest(t, app, &alice, http.MethodGet, "/api/books", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		list := decodeBody[[]types.BookSummary](t, rr)
		require.Len(t, list, 3)
		assert.Equal(t, "alice-in-wonderland", list[0].Id)
	})

	t.Run("gets one book", func(t *testing.T) {
		rr := doRequest(t, app, &alice, http.MethodGet, "/api/books/alice-in-wonderland", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		book := decodeBody[types.Book](t, rr)
		assert.Equal(t, "Lewis Carroll", book.Author)
		assert.NotEmpty(t, book.Chapters)
	})

	t.Run("unknown book", func(t *testing.T) {
		rr := doRequest(t, app, &alice, http.MethodGet, "/api/books/moby-dick", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func Test_createRoom(t *testing.T) {
	tcases := []struct {
		name           string
		body           any
		code           int
		expectedBook   string
		expectedAuthor string
	}{
		{
			name:           "catalog book",
			body:           CreateRoomRequest{BookId: "alice-in-wonderland"},
			code:           http.StatusCreated,
			expectedBook:   "alice-in-wonderland",
			expectedAuthor: "Lewis Carroll",
		},
		{
			name:           "custom book defaults author to creator",
			body:           CreateRoomRequest{Custom: &CustomBook{Title: "Notes", Content: "Some text to read."}},
			code:           http.StatusCreated,
			expectedBook:   books.CustomBookId,
			expectedAuthor: "Alice",
		},
		{
			name:           "custom book with author",
			body:           CreateRoomRequest{Custom: &CustomBook{Title: "Notes", Author: "Ada", Content: "Some text to read."}},
			code:           http.StatusCreated,
			expectedBook:   books.CustomBookId,
			expectedAuthor: "Ada",
		},
		{
			name: "blank custom content",
			body: CreateRoomRequest{Custom: &CustomBook{Title: "Notes", Content: "  "}},
			code: http.StatusBadRequest,
		},
		{
			name: "unknown book",
			body: CreateRoomRequest{BookId: "moby-dick"},
			code: http.StatusNotFound,
		},
		{
			name: "no book",
			body: CreateRoomRequest{},
			code: http.StatusBadRequest,
		},
		{
			name: "malformed body",
			body: "{",
			code: http.StatusBadRequest,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			repo := database.NewMemoryRepository()
			app := newTestApp(t, repo, nil)

			rr := doRequest(t, app, &alice, http.MethodPost, "/api/rooms", tc.body)
			require.Equal(t, tc.code, rr.Code, rr.Body.String())
			if tc.code != http.StatusCreated {
				return
			}

			room := decodeBody[types.Room](t, rr)
			assert.True(t, roomcode.Valid(room.Code), "unexpected code %q", room.Code)
			assert.Equal(t, tc.expectedBook, room.BookRef)
			assert.Equal(t, tc.expectedAuthor, room.Book.Author)
			assert.Equal(t, alice.UserId, room.CreatedBy)
			assert.Contains(t, room.Participants, alice.UserId)

			stored, err := repo.GetRoom(context.Background(), room.Code)
			require.NoError(t, err)
			assert.Equal(t, room.Code, stored.Code)

			recent, err := repo.ListRecentRooms(context.Background(), alice.UserId, database.DefaultRecentRooms)
			require.NoError(t, err)
			require.Len(t, recent, 1)
			assert.Equal(t, room.Code, recent[0].RoomCode)
		})
	}
}

func Test_createRoom_CodeConflict(t *testing.T) {
	t.Run("retries when the code is taken concurrently", func(t *testing.T) {
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)

		repo.On("RoomExists", mock.Anything, mock.Anything).Return(false, nil)
		repo.On("CreateRoom", mock.Anything, mock.Anything).Return(types.Room{}, types.ErrAlreadyExists).Once()
		repo.On("CreateRoom", mock.Anything, mock.Anything).Return(types.Room{Code: "XYZ789"}, nil).Once()
		repo.On("TouchRoomHistory", mock.Anything, mock.MatchedBy(func(e types.RoomHistoryEntry) bool {
			return e.RoomCode == "XYZ789" && e.UserId == alice.UserId
		})).Return(nil).Once()

		app := newTestApp(t, repo, nil)
		rr := doRequest(t, app, &alice, http.MethodPost, "/api/rooms", CreateRoomRequest{BookId: "alice-in-wonderland"})
		require.Equal(t, http.StatusCreated, rr.Code)
		assert.Equal(t, "XYZ789", decodeBody[types.Room](t, rr).Code)
	})

	t.Run("gives up after repeated conflicts", func(t *testing.T) {
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)

		repo.On("RoomExists", mock.Anything, mock.Anything).Return(false, nil)
		repo.On("CreateRoom", mock.Anything, mock.Anything).Return(types.Room{}, types.ErrAlreadyExists).Times(maxCreateAttempts)

		app := newTestApp(t, repo, nil)
		rr := doRequest(t, app, &alice, http.MethodPost, "/api/rooms", CreateRoomRequest{BookId: "alice-in-wonderland"})
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("store unavailable", func(t *testing.T) {
		repo := &database.MockRepository{}
		defer repo.AssertExpectations(t)

		repo.On("RoomExists", mock.Anything, mock.Anything).Return(false, types.ErrTransientIO).Once()

		app := newTestApp(t, repo, nil)
		rr := doRequest(t, app, &alice, http.MethodPost, "/api/rooms", CreateRoomRequest{BookId: "alice-in-wonderland"})
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}

func Test_roomEndpoints(t *testing.T) {
	app, _ := newRunningApp(t)
	room := createRoom(t, app, alice)
	base := "/api/rooms/" + room.Code

	t.Run("get room", func(t *testing.T) {
		rr := doRequest(t, app, &bob, http.MethodGet, base, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "alice-in-wonderland", decodeBody[types.Room](t, rr).BookRef)
	})

	t.Run("get unknown room", func(t *testing.T) {
		rr := doRequest(t, app, &bob, http.MethodGet, "/api/rooms/ZZZZZZ", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("highlight before joining", func(t *testing.T) {
		rr := doRequest(t, app, &bob, http.MethodPost, base+"/highlights", CreateHighlightRequest{Selection: titleSelection})
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("join", func(t *testing.T) {
		rr := doRequest(t, app, &bob, http.MethodPost, base+"/join", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		snapshot := decodeBody[types.RoomSnapshot](t, rr)
		assert.Contains(t, snapshot.Room.Participants, bob.UserId)
		assert.Contains(t, snapshot.Room.Participants, alice.UserId)

		rr = doRequest(t, app, &bob, http.MethodGet, "/api/rooms/recent", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		recent := decodeBody[[]types.RoomHistoryEntry](t, rr)
		require.Len(t, recent, 1)
		assert.Equal(t, room.Code, recent[0].RoomCode)
	})

	t.Run("join unknown room", func(t *testing.T) {
		rr := doRequest(t, app, &bob, http.MethodPost, "/api/rooms/ZZZZZZ/join", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	var highlight types.Highlight
	t.Run("highlight with comment", func(t *testing.T) {
		rr := doRequest(t, app, &alice, http.MethodPost, base+"/highlights", CreateHighlightRequest{
			Selection: titleSelection,
			Comment:   "first!",
		})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

		res := decodeBody[server.HighlightResult](t, rr)
		highlight = res.Highlight
		assert.Equal(t, "Down the Rabbit-Hole", highlight.Text)
		assert.Equal(t, document.Palette[0], highlight.Color)
		require.NotNil(t, res.Comment)
		assert.Equal(t, "first!", res.Comment.Text)
		assert.Empty(t, res.CommentError)
	})

	t.Run("highlight with mismatched text", func(t *testing.T) {
		sel := titleSelection
		sel.Text = "Down the Rabbit"
		rr := doRequest(t, app, &alice, http.MethodPost, base+"/highlights", CreateHighlightRequest{Selection: sel})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("comment", func(t *testing.T) {
		rr := doRequest(t, app, &bob, http.MethodPost, base+"/highlights/"+highlight.Id+"/comments", CreateCommentRequest{Text: "  love this chapter!  "})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

		comment := decodeBody[types.Comment](t, rr)
		assert.Equal(t, "love this chapter!", comment.Text)
		assert.Equal(t, bob.UserId, comment.AuthorId)
		assert.Equal(t, highlight.Id, comment.HighlightId)
	})

	t.Run("blank comment", func(t *testing.T) {
		rr := doRequest(t, app, &bob, http.MethodPost, base+"/highlights/"+highlight.Id+"/comments", CreateCommentRequest{Text: "   "})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("comment on unknown highlight", func(t *testing.T) {
		rr := doRequest(t, app, &bob, http.MethodPost, base+"/highlights/missing/comments", CreateCommentRequest{Text: "hello"})
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("list highlights", func(t *testing.T) {
		rr := doRequest(t, app, &bob, http.MethodGet, base+"/highlights", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		highlights := decodeBody[[]types.Highlight](t, rr)
		require.Len(t, highlights, 1)
		assert.Equal(t, highlight.Id, highlights[0].Id)
	})

	t.Run("list comments for a highlight", func(t *testing.T) {
		rr := doRequest(t, app, &alice, http.MethodGet, base+"/comments?highlight_id="+highlight.Id, nil)
		require.Equal(t, http.StatusOK, rr.Code)

		comments := decodeBody[[]types.Comment](t, rr)
		texts := make([]string, 0, len(comments))
		for _, c := range comments {
			texts = append(texts, c.Text)
		}
		assert.ElementsMatch(t, []string{"first!", "love this chapter!"}, texts)
	})

	t.Run("list comments of unknown room", func(t *testing.T) {
		rr := doRequest(t, app, &alice, http.MethodGet, "/api/rooms/ZZZZZZ/comments", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

type wsMessage struct {
	Id       int `json:"id"`
	Response *struct {
		ResponseCode int    `json:"response_code"`
		Error        string `json:"error"`
	} `json:"response"`
	Event *eventbus.Event `json:"event"`
}

func Test_serveWs(t *testing.T) {
	app, _ := newRunningApp(t)
	room := createRoom(t, app, alice)

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	t.Run("joins a room and receives the snapshot", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", bearer(t, app, alice))
		header.Set("Origin", testOrigin)

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(map[string]any{
			"id":   1,
			"join": map[string]string{"room_id": room.Code},
		}))

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		require.NotNil(t, msg.Response)
		assert.Equal(t, 1, msg.Id)
		assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)

		for {
			msg = wsMessage{}
			require.NoError(t, conn.ReadJSON(&msg))
			if msg.Event != nil && msg.Event.Type == eventbus.TypeSnapshot {
				break
			}
		}
		assert.Equal(t, room.Code, msg.Event.Room)
	})

	t.Run("rejects unauthenticated connections", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("rejects foreign origins", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", bearer(t, app, alice))
		header.Set("Origin", "http://evil.example.com")

		_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}
