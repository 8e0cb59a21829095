package database

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/npezzotti/go-bookclub/internal/document"
	"github.com/npezzotti/go-bookclub/internal/thread"
	"github.com/npezzotti/go-bookclub/internal/types"
)

type memRoom struct {
	room       types.Room
	colorOrder []string
	highlights map[string]types.Highlight
	comments   []types.Comment
	commentIds map[string]struct{}
	presence   map[string]types.Presence
}

// MemoryRepository keeps everything in process memory. Returned values are
// copies and never alias internal state.
type MemoryRepository struct {
	mu      sync.RWMutex
	rooms   map[string]*memRoom
	history map[string]map[string]types.RoomHistoryEntry
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rooms:   make(map[string]*memRoom),
		history: make(map[string]map[string]types.RoomHistoryEntry),
	}
}

func (m *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryRepository) Close() error {
	return nil
}

func (m *MemoryRepository) CreateRoom(ctx context.Context, room types.Room) (types.Room, error) {
	if err := room.Validate(); err != nil {
		return types.Room{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[room.Code]; ok {
		return types.Room{}, fmt.Errorf("room %q: %w", room.Code, types.ErrAlreadyExists)
	}

	stored := copyRoom(room)
	stored.Colors = make(map[string]string)
	m.rooms[room.Code] = &memRoom{
		room:       stored,
		highlights: make(map[string]types.Highlight),
		commentIds: make(map[string]struct{}),
		presence:   make(map[string]types.Presence),
	}
	return copyRoom(stored), nil
}

func (m *MemoryRepository) GetRoom(ctx context.Context, code string) (types.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[code]
	if !ok {
		return types.Room{}, fmt.Errorf("room %q: %w", code, types.ErrNotFound)
	}
	return copyRoom(r.room), nil
}

func (m *MemoryRepository) RoomExists(ctx context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.rooms[code]
	return ok, nil
}

func (m *MemoryRepository) AddParticipant(ctx context.Context, code string, p types.ParticipantInfo) (types.ParticipantInfo, bool, error) {
	if err := p.Validate(); err != nil {
		return types.ParticipantInfo{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[code]
	if !ok {
		return types.ParticipantInfo{}, false, fmt.Errorf("room %q: %w", code, types.ErrNotFound)
	}

	existing, found := r.room.Participants[p.UserId]
	if found {
		p.JoinedAt = existing.JoinedAt
	}
	r.room.Participants[p.UserId] = p
	return p, !found, nil
}

func (m *MemoryRepository) AssignColor(ctx context.Context, code, uid string, palette []string) (string, error) {
	if len(palette) == 0 {
		return "", types.NewValidationError("color", "palette is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[code]
	if !ok {
		return "", fmt.Errorf("room %q: %w", code, types.ErrNotFound)
	}

	if color, ok := r.room.Colors[uid]; ok {
		return color, nil
	}
	color := document.ColorFor(palette, len(r.colorOrder))
	r.colorOrder = append(r.colorOrder, uid)
	r.room.Colors[uid] = color
	return color, nil
}

func (m *MemoryRepository) CreateHighlight(ctx context.Context, h types.Highlight) error {
	if err := h.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[h.RoomCode]
	if !ok {
		return fmt.Errorf("room %q: %w", h.RoomCode, types.ErrNotFound)
	}
	if _, ok := r.highlights[h.Id]; ok {
		return fmt.Errorf("highlight %q: %w", h.Id, types.ErrAlreadyExists)
	}
	r.highlights[h.Id] = h
	return nil
}

func (m *MemoryRepository) GetHighlight(ctx context.Context, code, id string) (types.Highlight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[code]
	if !ok {
		return types.Highlight{}, fmt.Errorf("room %q: %w", code, types.ErrNotFound)
	}
	h, ok := r.highlights[id]
	if !ok {
		return types.Highlight{}, fmt.Errorf("highlight %q: %w", id, types.ErrNotFound)
	}
	return h, nil
}

func (m *MemoryRepository) ListHighlights(ctx context.Context, code string) ([]types.Highlight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[code]
	if !ok {
		return nil, fmt.Errorf("room %q: %w", code, types.ErrNotFound)
	}

	out := make([]types.Highlight, 0, len(r.highlights))
	for _, h := range r.highlights {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Id < out[j].Id
	})
	return out, nil
}

func (m *MemoryRepository) CreateComment(ctx context.Context, c types.Comment) error {
	if err := c.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[c.RoomCode]
	if !ok {
		return fmt.Errorf("room %q: %w", c.RoomCode, types.ErrNotFound)
	}
	if _, ok := r.highlights[c.HighlightId]; !ok {
		return fmt.Errorf("highlight %q in room %q: %w", c.HighlightId, c.RoomCode, types.ErrNotFound)
	}
	if _, ok := r.commentIds[c.Id]; ok {
		return fmt.Errorf("comment %q: %w", c.Id, types.ErrAlreadyExists)
	}
	r.commentIds[c.Id] = struct{}{}
	r.comments = append(r.comments, c)
	return nil
}

func (m *MemoryRepository) ListComments(ctx context.Context, code, highlightId string) ([]types.Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[code]
	if !ok {
		return nil, fmt.Errorf("room %q: %w", code, types.ErrNotFound)
	}

	if highlightId != "" {
		return thread.For(r.comments, highlightId), nil
	}
	out := make([]types.Comment, len(r.comments))
	copy(out, r.comments)
	thread.Sort(out)
	return out, nil
}

func (m *MemoryRepository) PutPresence(ctx context.Context, code string, p types.Presence) error {
	if err := p.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[code]
	if !ok {
		return fmt.Errorf("room %q: %w", code, types.ErrNotFound)
	}

	cur, ok := r.presence[p.UserId]
	if ok {
		if p.LastActive.Before(cur.LastActive) {
			return nil
		}
		if p.DisplayName == "" {
			p.DisplayName = cur.DisplayName
		}
		if p.AvatarURL == "" {
			p.AvatarURL = cur.AvatarURL
		}
	}
	r.presence[p.UserId] = p
	return nil
}

func (m *MemoryRepository) ListPresence(ctx context.Context, code string) ([]types.Presence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[code]
	if !ok {
		return nil, fmt.Errorf("room %q: %w", code, types.ErrNotFound)
	}

	out := make([]types.Presence, 0, len(r.presence))
	for _, p := range r.presence {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserId < out[j].UserId })
	return out, nil
}

func (m *MemoryRepository) TouchRoomHistory(ctx context.Context, e types.RoomHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[e.RoomCode]; !ok {
		return fmt.Errorf("room %q: %w", e.RoomCode, types.ErrNotFound)
	}

	entries, ok := m.history[e.UserId]
	if !ok {
		entries = make(map[string]types.RoomHistoryEntry)
		m.history[e.UserId] = entries
	}
	if cur, ok := entries[e.RoomCode]; ok && cur.LastAccessed.After(e.LastAccessed) {
		e.LastAccessed = cur.LastAccessed
	}
	entries[e.RoomCode] = e
	return nil
}

func (m *MemoryRepository) ListRecentRooms(ctx context.Context, uid string, limit int) ([]types.RoomHistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultRecentRooms
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.RoomHistoryEntry, 0, len(m.history[uid]))
	for _, e := range m.history[uid] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAccessed.Equal(out[j].LastAccessed) {
			return out[i].LastAccessed.After(out[j].LastAccessed)
		}
		return out[i].RoomCode < out[j].RoomCode
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyRoom(r types.Room) types.Room {
	out := r
	out.Participants = make(map[string]types.ParticipantInfo, len(r.Participants))
	for k, v := range r.Participants {
		out.Participants[k] = v
	}
	out.Colors = make(map[string]string, len(r.Colors))
	for k, v := range r.Colors {
		out.Colors[k] = v
	}
	out.Book.Chapters = append([]types.Chapter(nil), r.Book.Chapters...)
	return out
}
