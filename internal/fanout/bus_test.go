package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

func event(room, content string) models.MessageEvent {
	return models.MessageEvent{
		ID:             "temp-" + content,
		RoomID:         room,
		SenderID:       "user-1",
		Content:        content,
		IdempotencyKey: "k-" + content,
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func recv(t *testing.T, sub Subscription) models.MessageEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return models.MessageEvent{}
	}
}

func assertNoEvent(t *testing.T, sub Subscription) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func waitClosed(t *testing.T, sub Subscription) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel not closed")
		}
	}
}

func buses(t *testing.T) map[string]Bus {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Bus{
		"memory": NewMemoryBus(8),
		"redis":  NewRedisBus(client, zerolog.Nop()),
	}
}

func TestBusDeliversPerChannelInOrder(t *testing.T) {
	for name, bus := range buses(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			sub1, err := bus.Subscribe(ctx, RoomChannel("room-1"))
			require.NoError(t, err)
			defer sub1.Close()
			sub2, err := bus.Subscribe(ctx, RoomChannel("room-2"))
			require.NoError(t, err)
			defer sub2.Close()

			require.NoError(t, bus.Publish(ctx, RoomChannel("room-1"), event("room-1", "a")))
			require.NoError(t, bus.Publish(ctx, RoomChannel("room-1"), event("room-1", "b")))

			got := recv(t, sub1)
			assert.Equal(t, "a", got.Content)
			assert.Equal(t, "temp-a", got.ID)
			assert.True(t, got.CreatedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
			assert.Equal(t, "b", recv(t, sub1).Content)

			assertNoEvent(t, sub2)
		})
	}
}

func TestBusNoReplayForLateSubscribers(t *testing.T) {
	for name, bus := range buses(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, bus.Publish(ctx, RoomChannel("room-1"), event("room-1", "early")))

			sub, err := bus.Subscribe(ctx, RoomChannel("room-1"))
			require.NoError(t, err)
			defer sub.Close()

			assertNoEvent(t, sub)
		})
	}
}

func TestBusCloseAndCancelStopDelivery(t *testing.T) {
	for name, bus := range buses(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())

			byCancel, err := bus.Subscribe(ctx, RoomChannel("room-1"))
			require.NoError(t, err)
			byClose, err := bus.Subscribe(context.Background(), RoomChannel("room-1"))
			require.NoError(t, err)

			cancel()
			require.NoError(t, byClose.Close())
			require.NoError(t, byClose.Close())

			waitClosed(t, byCancel)
			waitClosed(t, byClose)

			// Publishing to a channel with no listeners is not an error.
			assert.NoError(t, bus.Publish(context.Background(), RoomChannel("room-1"), event("room-1", "x")))
		})
	}
}

func TestMemoryBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewMemoryBus(2)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, RoomChannel("room-1"))
	require.NoError(t, err)
	defer sub.Close()

	for _, c := range []string{"1", "2", "3", "4"} {
		require.NoError(t, bus.Publish(ctx, RoomChannel("room-1"), event("room-1", c)))
	}

	assert.Equal(t, "1", recv(t, sub).Content)
	assert.Equal(t, "2", recv(t, sub).Content)
	assertNoEvent(t, sub)
}

func TestMemoryBusClosed(t *testing.T) {
	bus := NewMemoryBus(0)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, RoomChannel("room-1"))
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	waitClosed(t, sub)

	assert.ErrorIs(t, bus.Publish(ctx, RoomChannel("room-1"), event("room-1", "x")), ErrClosed)
	_, err = bus.Subscribe(ctx, RoomChannel("room-1"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRedisBusPublishFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	bus := NewRedisBus(client, zerolog.Nop())

	mr.Close()
	assert.Error(t, bus.Publish(context.Background(), RoomChannel("room-1"), event("room-1", "x")))
}
