package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

func newTestSQLite(t *testing.T, opts ...SQLiteOption) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), ":memory:", opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// steppingClock returns a clock that advances by one millisecond per call.
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	cur := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Millisecond)
		return cur
	}
}

func msg(room, key, content string) *models.Message {
	return &models.Message{RoomID: room, SenderID: "user-1", Content: content, IdempotencyKey: key}
}

func TestSQLiteInsertIfAbsent(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	m := msg("room-1", "k1", "hi")
	res, err := s.InsertIfAbsent(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)
	assert.NotEqual(t, uuid.Nil, m.ID)
	assert.False(t, m.CreatedAt.IsZero())

	for i := 0; i < 3; i++ {
		dup := msg("room-1", "k1", "hi")
		res, err := s.InsertIfAbsent(ctx, dup)
		require.NoError(t, err)
		assert.Equal(t, AlreadyExists, res)
	}

	list, err := s.ListByRoom(ctx, "room-1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "hi", list[0].Content)
	assert.Equal(t, "k1", list[0].IdempotencyKey)
	assert.Equal(t, m.ID, list[0].ID)
}

func TestSQLiteConcurrentInsertsConverge(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan InsertResult, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.InsertIfAbsent(ctx, msg("room-1", "same-key", "hello"))
			if err == nil {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	inserted := 0
	for r := range results {
		if r == Inserted {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted)

	list, err := s.ListByRoom(ctx, "room-1", ListOptions{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLiteListByRoomOrdering(t *testing.T) {
	s := newTestSQLite(t, WithClock(steppingClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))))
	ctx := context.Background()

	// Insert order defines created_at order, whatever the key order is.
	for _, k := range []string{"k3", "k1", "k2"} {
		_, err := s.InsertIfAbsent(ctx, msg("room-1", k, "body "+k))
		require.NoError(t, err)
	}
	_, err := s.InsertIfAbsent(ctx, msg("room-2", "other", "elsewhere"))
	require.NoError(t, err)

	list, err := s.ListByRoom(ctx, "room-1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "k3", list[0].IdempotencyKey)
	assert.Equal(t, "k1", list[1].IdempotencyKey)
	assert.Equal(t, "k2", list[2].IdempotencyKey)
	for i := 1; i < len(list); i++ {
		assert.True(t, list[i-1].CreatedAt.Before(list[i].CreatedAt))
	}
}

func TestSQLiteListByRoomPaging(t *testing.T) {
	s := newTestSQLite(t, WithClock(steppingClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.InsertIfAbsent(ctx, msg("room-1", fmt.Sprintf("k%d", i), "m"))
		require.NoError(t, err)
	}

	first, err := s.ListByRoom(ctx, "room-1", ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)

	rest, err := s.ListByRoom(ctx, "room-1", ListOptions{After: first[1].CreatedAt})
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, "k2", rest[0].IdempotencyKey)
}

func TestSQLiteListByRoomCursorKeepsTiedRows(t *testing.T) {
	same := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestSQLite(t, WithClock(func() time.Time { return same }))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.InsertIfAbsent(ctx, msg("room-1", fmt.Sprintf("k%d", i), "m"))
		require.NoError(t, err)
	}

	all, err := s.ListByRoom(ctx, "room-1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 5)

	first, err := s.ListByRoom(ctx, "room-1", ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)

	last := first[len(first)-1]
	rest, err := s.ListByRoom(ctx, "room-1", ListOptions{After: last.CreatedAt, AfterID: last.ID})
	require.NoError(t, err)
	require.Len(t, rest, 3)

	var got []uuid.UUID
	for _, m := range append(first, rest...) {
		got = append(got, m.ID)
	}
	var want []uuid.UUID
	for _, m := range all {
		want = append(want, m.ID)
	}
	assert.Equal(t, want, got)

	// A timestamp-only cursor skips rows sharing the boundary.
	skipped, err := s.ListByRoom(ctx, "room-1", ListOptions{After: last.CreatedAt})
	require.NoError(t, err)
	assert.Empty(t, skipped)
}

func TestSQLiteAttachmentsRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	url, typ := "https://cdn.example.com/a.png", "image/png"
	m := msg("room-1", "att", "look")
	m.AttachmentURL, m.AttachmentType = &url, &typ
	_, err := s.InsertIfAbsent(ctx, m)
	require.NoError(t, err)

	got, err := s.GetByIdempotencyKey(ctx, "att")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.AttachmentURL)
	assert.Equal(t, url, *got.AttachmentURL)
	assert.Equal(t, typ, *got.AttachmentType)

	missing, err := s.GetByIdempotencyKey(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListOptionsLimit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, ListOptions{}.limit())
	assert.Equal(t, MaxListLimit, ListOptions{Limit: MaxListLimit + 1}.limit())
	assert.Equal(t, 7, ListOptions{Limit: 7}.limit())
}
