package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatrelay/internal/models"
	"github.com/eldtechnologies/chatrelay/internal/queue"
	"github.com/eldtechnologies/chatrelay/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyStore fails InsertIfAbsent for the listed keys until they have been
// attempted failures[key] times.
type flakyStore struct {
	store.MessageStore
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func (f *flakyStore) InsertIfAbsent(ctx context.Context, msg *models.Message) (store.InsertResult, error) {
	f.mu.Lock()
	f.calls[msg.IdempotencyKey]++
	fail := f.calls[msg.IdempotencyKey] <= f.failures[msg.IdempotencyKey]
	f.mu.Unlock()
	if fail {
		return 0, errors.New("connection reset")
	}
	return f.MessageStore.InsertIfAbsent(ctx, msg)
}

type harness struct {
	clock *clock
	queue *queue.RedisQueue
	store *flakyStore
	pool  *Pool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := queue.NewRedisQueue(client, "persist-message", queue.WithClock(clk.Now))

	sqlite, err := store.NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(sqlite.Close)

	fs := &flakyStore{MessageStore: sqlite, failures: map[string]int{}, calls: map[string]int{}}
	pool := NewPool(q, NewProcessor(fs, zerolog.Nop()), Config{}, zerolog.Nop())
	return &harness{clock: clk, queue: q, store: fs, pool: pool}
}

func (h *harness) enqueue(t *testing.T, room, key, content string) {
	t.Helper()
	payload, err := json.Marshal(models.PersistPayload{
		RoomID:         room,
		SenderID:       "user-1",
		Content:        content,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	_, err = h.queue.Enqueue(context.Background(), key, payload, queue.DefaultRetryPolicy())
	require.NoError(t, err)
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	for {
		worked, err := h.pool.RunOnce(context.Background())
		require.NoError(t, err)
		if !worked {
			return
		}
	}
}

func TestProcessInsertsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	payload := []byte(`{"room_id":"room-1","sender_id":"user-1","content":"hi","idempotency_key":"k1"}`)
	job := &queue.Job{ID: "k1", Payload: payload, Attempts: 1, Policy: queue.DefaultRetryPolicy()}
	proc := NewProcessor(h.store, zerolog.Nop())

	// Redelivery of the same job is a no-op that still completes.
	for i := 0; i < 3; i++ {
		outcome, err := proc.Process(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, Completed, outcome)
	}

	list, err := h.store.ListByRoom(ctx, "room-1", store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "hi", list[0].Content)
}

func TestProcessClassifiesFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	proc := NewProcessor(h.store, zerolog.Nop())

	tests := []struct {
		name    string
		id      string
		payload string
	}{
		{"not json", "k1", `{{`},
		{"missing content", "k2", `{"room_id":"r","sender_id":"u","idempotency_key":"k2"}`},
		{"key mismatch", "k3", `{"room_id":"r","sender_id":"u","content":"c","idempotency_key":"other"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := proc.Process(ctx, &queue.Job{ID: tt.id, Payload: []byte(tt.payload)})
			assert.Equal(t, TerminalFailure, outcome)
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}

	h.store.failures["k4"] = 1
	outcome, err := proc.Process(ctx, &queue.Job{
		ID:      "k4",
		Payload: []byte(`{"room_id":"r","sender_id":"u","content":"c","idempotency_key":"k4"}`),
	})
	assert.Equal(t, RetryableFailure, outcome)
	assert.Error(t, err)
}

func TestPoolRetriesThenPersists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.failures["k1"] = 2
	h.enqueue(t, "room-1", "k1", "hi")

	h.drain(t)
	h.clock.Advance(time.Second)
	h.drain(t)
	h.clock.Advance(2 * time.Second)
	h.drain(t)

	list, err := h.store.ListByRoom(ctx, "room-1", store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 3, h.store.calls["k1"])

	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)
}

func TestPoolDeadLettersAfterFiveAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.failures["k1"] = 100
	h.enqueue(t, "room-1", "k1", "hi")

	for i := 0; i < 10; i++ {
		h.drain(t)
		h.clock.Advance(time.Minute)
	}

	assert.Equal(t, 5, h.store.calls["k1"])

	dead, err := h.queue.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "connection reset", dead[0].LastError)
}

func TestPoolBuriesMalformedPayload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, "bad", []byte("garbage"), queue.DefaultRetryPolicy())
	require.NoError(t, err)
	h.drain(t)

	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Dead: 1}, stats)
}

func TestDuplicateSubmissionStoresOneRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Second enqueue lands after the first job completed and was removed,
	// so the queue accepts it and the store absorbs the duplicate.
	h.enqueue(t, "room-1", "k1", "hi")
	h.drain(t)
	h.enqueue(t, "room-1", "k1", "hi")
	h.drain(t)

	list, err := h.store.ListByRoom(ctx, "room-1", store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "k1", list[0].IdempotencyKey)
	assert.Equal(t, "hi", list[0].Content)
}

func TestOrderFollowsPersistenceNotSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// k1 is submitted first but fails once; k2 is stored before k1's retry.
	h.store.failures["k1"] = 1
	h.enqueue(t, "room-1", "k1", "first")
	h.enqueue(t, "room-1", "k2", "second")

	h.drain(t)
	h.clock.Advance(time.Second)
	h.drain(t)

	list, err := h.store.ListByRoom(ctx, "room-1", store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "k2", list[0].IdempotencyKey)
	assert.Equal(t, "k1", list[1].IdempotencyKey)
	assert.False(t, list[1].CreatedAt.Before(list[0].CreatedAt))
}

func TestPoolStartStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.pool = NewPool(h.queue, NewProcessor(h.store, zerolog.Nop()),
		Config{Concurrency: 2, PollInterval: 10 * time.Millisecond}, zerolog.Nop())
	stop := h.pool.Start(ctx)

	for _, k := range []string{"a", "b", "c"} {
		h.enqueue(t, "room-1", k, "msg "+k)
	}

	require.Eventually(t, func() bool {
		list, err := h.store.ListByRoom(ctx, "room-1", store.ListOptions{})
		return err == nil && len(list) == 3
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.NoError(t, stop(stopCtx))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "retryable", RetryableFailure.String())
	assert.Equal(t, "terminal", TerminalFailure.String())
}
