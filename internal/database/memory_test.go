package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository(t *testing.T) {
	runRepositoryTests(t, NewMemoryRepository())
}

func TestMemoryRepositoryReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	code := nextCode()
	_, err := repo.CreateRoom(ctx, testRoom(code))
	require.NoError(t, err)

	room, err := repo.GetRoom(ctx, code)
	require.NoError(t, err)
	delete(room.Participants, "alice")
	room.Colors["mallory"] = "black"

	again, err := repo.GetRoom(ctx, code)
	require.NoError(t, err)
	assert.Contains(t, again.Participants, "alice")
	assert.NotContains(t, again.Colors, "mallory")
}
