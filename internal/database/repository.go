package database

import (
	"context"
	"fmt"

	"github.com/npezzotti/go-bookclub/internal/types"
)

const DefaultRecentRooms = 5

// Repository is the persistent store behind rooms. Every write is atomic on
// its own key: rooms and records are create-if-absent, participants and
// presence are upserts.
type Repository interface {
	Ping(ctx context.Context) error
	Close() error

	CreateRoom(ctx context.Context, room types.Room) (types.Room, error)
	GetRoom(ctx context.Context, code string) (types.Room, error)
	RoomExists(ctx context.Context, code string) (bool, error)
	// AddParticipant upserts membership, keeping the first JoinedAt. It
	// reports whether the participant is new to the room.
	AddParticipant(ctx context.Context, code string, p types.ParticipantInfo) (types.ParticipantInfo, bool, error)
	// AssignColor returns the color bound to uid in the room, binding the next
	// palette entry on first use.
	AssignColor(ctx context.Context, code, uid string, palette []string) (string, error)

	CreateHighlight(ctx context.Context, h types.Highlight) error
	GetHighlight(ctx context.Context, code, id string) (types.Highlight, error)
	ListHighlights(ctx context.Context, code string) ([]types.Highlight, error)

	CreateComment(ctx context.Context, c types.Comment) error
	// ListComments returns the comments of a room, or of one highlight when
	// highlightId is set, ordered by CreatedAt then Id.
	ListComments(ctx context.Context, code, highlightId string) ([]types.Comment, error)

	// PutPresence writes p unless the stored entry has a later LastActive.
	PutPresence(ctx context.Context, code string, p types.Presence) error
	ListPresence(ctx context.Context, code string) ([]types.Presence, error)

	TouchRoomHistory(ctx context.Context, e types.RoomHistoryEntry) error
	ListRecentRooms(ctx context.Context, uid string, limit int) ([]types.RoomHistoryEntry, error)
}

// LoadSnapshot reads the full state of a room.
func LoadSnapshot(ctx context.Context, repo Repository, code string) (types.RoomSnapshot, error) {
	room, err := repo.GetRoom(ctx, code)
	if err != nil {
		return types.RoomSnapshot{}, err
	}

	highlights, err := repo.ListHighlights(ctx, code)
	if err != nil {
		return types.RoomSnapshot{}, fmt.Errorf("list highlights: %w", err)
	}

	comments, err := repo.ListComments(ctx, code, "")
	if err != nil {
		return types.RoomSnapshot{}, fmt.Errorf("list comments: %w", err)
	}

	presence, err := repo.ListPresence(ctx, code)
	if err != nil {
		return types.RoomSnapshot{}, fmt.Errorf("list presence: %w", err)
	}

	return types.RoomSnapshot{
		Room:       room,
		Highlights: highlights,
		Comments:   comments,
		Presence:   presence,
	}, nil
}
