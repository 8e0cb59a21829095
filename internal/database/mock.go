package database

import (
	"context"

	"github.com/npezzotti/go-bookclub/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

var _ Repository = (*MockRepository)(nil)

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) CreateRoom(ctx context.Context, room types.Room) (types.Room, error) {
	args := m.Called(ctx, room)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockRepository) GetRoom(ctx context.Context, code string) (types.Room, error) {
	args := m.Called(ctx, code)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockRepository) RoomExists(ctx context.Context, code string) (bool, error) {
	args := m.Called(ctx, code)
	return args.Bool(0), args.Error(1)
}
func (m *MockRepository) AddParticipant(ctx context.Context, code string, p types.ParticipantInfo) (types.ParticipantInfo, bool, error) {
	args := m.Called(ctx, code, p)
	return args.Get(0).(types.ParticipantInfo), args.Bool(1), args.Error(2)
}
func (m *MockRepository) AssignColor(ctx context.Context, code, uid string, palette []string) (string, error) {
	args := m.Called(ctx, code, uid, palette)
	return args.String(0), args.Error(1)
}
func (m *MockRepository) CreateHighlight(ctx context.Context, h types.Highlight) error {
	args := m.Called(ctx, h)
	return args.Error(0)
}
func (m *MockRepository) GetHighlight(ctx context.Context, code, id string) (types.Highlight, error) {
	args := m.Called(ctx, code, id)
	return args.Get(0).(types.Highlight), args.Error(1)
}
func (m *MockRepository) ListHighlights(ctx context.Context, code string) ([]types.Highlight, error) {
	args := m.Called(ctx, code)
	if h, ok := args.Get(0).([]types.Highlight); ok {
		return h, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) CreateComment(ctx context.Context, c types.Comment) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}
func (m *MockRepository) ListComments(ctx context.Context, code, highlightId string) ([]types.Comment, error) {
	args := m.Called(ctx, code, highlightId)
	if c, ok := args.Get(0).([]types.Comment); ok {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) PutPresence(ctx context.Context, code string, p types.Presence) error {
	args := m.Called(ctx, code, p)
	return args.Error(0)
}
func (m *MockRepository) ListPresence(ctx context.Context, code string) ([]types.Presence, error) {
	args := m.Called(ctx, code)
	if p, ok := args.Get(0).([]types.Presence); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) TouchRoomHistory(ctx context.Context, e types.RoomHistoryEntry) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}
func (m *MockRepository) ListRecentRooms(ctx context.Context, uid string, limit int) ([]types.RoomHistoryEntry, error) {
	args := m.Called(ctx, uid, limit)
	if e, ok := args.Get(0).([]types.RoomHistoryEntry); ok {
		return e, args.Error(1)
	}
	return nil, args.Error(1)
}
