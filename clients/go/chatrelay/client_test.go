package chatrelay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rooms/room-1/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req SendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Content)
		assert.Equal(t, "k1", req.IdempotencyKey)
		assert.Equal(t, "alice", req.SenderID)

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(SendResponse{OK: true, EventID: "temp-01", Deduplicated: false})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	c.SenderID = "alice"
	resp, err := c.Send(context.Background(), "room-1", SendRequest{Content: "hello", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "temp-01", resp.EventID)
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"message could not be accepted"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Send(context.Background(), "room-1", SendRequest{Content: "x", IdempotencyKey: "k"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "message could not be accepted", apiErr.Message)
	assert.True(t, apiErr.Retryable())
}

func TestMessagesQuery(t *testing.T) {
	after := time.Date(2025, 1, 2, 3, 4, 5, 6, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rooms/room-1/messages", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, after.Format(time.RFC3339Nano), r.URL.Query().Get("after"))
		assert.Equal(t, "m0", r.URL.Query().Get("after_id"))
		w.Write([]byte(`{"room_id":"room-1","messages":[{"id":"m1","room_id":"room-1","sender_id":"a","content":"hi","idempotency_key":"k","created_at":"2025-01-02T03:04:06Z"}]}`))
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL, "").Messages(context.Background(), "room-1", MessagesOptions{Limit: 10, After: after, AfterID: "m0"})
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "hi", resp.Messages[0].Content)
}

func TestWatch(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rooms/room-1/live", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(Event{ID: "temp-1", RoomID: "room-1", Content: "one"})
		conn.WriteJSON(Event{ID: "temp-2", RoomID: "room-1", Content: "two"})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := NewClient(srv.URL, "").Watch(ctx, "room-1")
	require.NoError(t, err)

	var got []string
	for ev := range events {
		got = append(got, ev.Content)
	}
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestRoomIDEscapedOnceOnEveryEndpoint(t *testing.T) {
	upgrader := websocket.Upgrader{}
	paths := make(chan string, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.Method + " " + r.URL.Path
		switch {
		case websocket.IsWebSocketUpgrade(r):
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			conn.Close()
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"ok":true,"event_id":"temp-1"}`))
		default:
			w.Write([]byte(`{"room_id":"room 1/a%","messages":[]}`))
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := NewClient(srv.URL, "")
	room := "room 1/a%"

	_, err := c.Send(ctx, room, SendRequest{Content: "hi", IdempotencyKey: "k"})
	require.NoError(t, err)
	_, err = c.Messages(ctx, room, MessagesOptions{})
	require.NoError(t, err)
	events, err := c.Watch(ctx, room)
	require.NoError(t, err)
	for range events {
	}

	assert.Equal(t, "POST /rooms/room 1/a%/messages", <-paths)
	assert.Equal(t, "GET /rooms/room 1/a%/messages", <-paths)
	assert.Equal(t, "GET /rooms/room 1/a%/live", <-paths)
}

func TestWatchRejectsUnknownScheme(t *testing.T) {
	_, err := NewClient("ftp://example.com", "").Watch(context.Background(), "room-1")
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"healthy","version":"0.1.0","checks":{},"queue":{"waiting":1,"active":0,"delayed":0,"dead":2}}`))
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL+"/", "").Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, int64(2), resp.Queue["dead"])
}
