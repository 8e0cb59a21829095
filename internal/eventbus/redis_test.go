package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/npezzotti/go-bookclub/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRelay(t *testing.T, addr string) (*Bus, *RedisRelay) {
	t.Helper()
	logger := testutil.TestLogger(t)

	client, err := NewRedisClient(context.Background(), "redis://"+addr)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	bus := NewBus(16, logger)
	relay, err := NewRedisRelay(context.Background(), client, bus, logger)
	require.NoError(t, err)
	t.Cleanup(func() { relay.Close() })
	bus.SetRelay(relay)

	return bus, relay
}

func TestRedisRelay(t *testing.T) {
	mr := miniredis.RunT(t)

	busA, relayA := newTestRelay(t, mr.Addr())
	busB, relayB := newTestRelay(t, mr.Addr())
	assert.NotEqual(t, relayA.InstanceId(), relayB.InstanceId())

	subA := busA.Subscribe("ABC123")
	subB := busB.Subscribe("ABC123")
	require.NoError(t, subA.Start(Event{Type: TypeSnapshot}))
	require.NoError(t, subB.Start(Event{Type: TypeSnapshot}))
	receive(t, subA)
	receive(t, subB)

	published := busA.Publish(context.Background(), mustEvent(t, "ABC123", TypeHighlight, HighlightPath("ABC123", "h1"), map[string]string{"id": "h1"}))

	local := receive(t, subA)
	assert.Equal(t, published.Seq, local.Seq)

	remote := receive(t, subB)
	assert.Equal(t, TypeHighlight, remote.Type)
	assert.Equal(t, "ABC123", remote.Room)
	assert.Empty(t, remote.Origin)
	var payload map[string]string
	require.NoError(t, remote.Decode(&payload))
	assert.Equal(t, "h1", payload["id"])

	select {
	case e := <-subA.Events():
		t.Fatalf("publisher must not receive its own echo: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisRelayIgnoresMalformed(t *testing.T) {
	mr := miniredis.RunT(t)
	bus, _ := newTestRelay(t, mr.Addr())
	sub := bus.Subscribe("ABC123")
	require.NoError(t, sub.Start(Event{Type: TypeSnapshot}))
	receive(t, sub)

	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer raw.Close()
	require.NoError(t, raw.Publish(context.Background(), Channel("ABC123"), "not json").Err())
	require.NoError(t, raw.Publish(context.Background(), Channel("ABC123"), `{"type":"room","seq":7}`).Err())

	e := receive(t, sub)
	assert.Equal(t, TypeRoom, e.Type)
	assert.Equal(t, "ABC123", e.Room, "room is taken from the channel name when missing")
}

func TestNewRedisClientUnreachable(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "redis://127.0.0.1:1")
	assert.Error(t, err)

	_, err = NewRedisClient(context.Background(), "not a url")
	assert.Error(t, err)
}
