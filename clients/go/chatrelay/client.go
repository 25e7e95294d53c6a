// Package chatrelay provides a client for the chatrelay HTTP API.
package chatrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a chatrelay API client.
type Client struct {
	BaseURL    string
	Token      string // bearer token, optional when the server runs without JWT_SECRET
	SenderID   string // sent as sender_id when no token is configured
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// NewClient creates a new chatrelay client.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Dialer:     websocket.DefaultDialer,
	}
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chatrelay error %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusServiceUnavailable || e.StatusCode == http.StatusTooManyRequests
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// roomPath escapes roomID once so every endpoint addresses the same room.
func roomPath(roomID string) string {
	return "/rooms/" + url.PathEscape(roomID)
}

// SendRequest is the request body for sending a message.
type SendRequest struct {
	Content        string  `json:"content"`
	AttachmentURL  *string `json:"attachment_url,omitempty"`
	AttachmentType *string `json:"attachment_type,omitempty"`
	IdempotencyKey string  `json:"idempotency_key"`
	SenderID       string  `json:"sender_id,omitempty"`
}

// SendResponse acknowledges a message accepted for delivery.
type SendResponse struct {
	OK           bool   `json:"ok"`
	EventID      string `json:"event_id"`
	Deduplicated bool   `json:"deduplicated"`
}

// Send submits a message to a room. Callers retrying after an error must
// reuse the same idempotency key.
func (c *Client) Send(ctx context.Context, roomID string, req SendRequest) (*SendResponse, error) {
	if req.SenderID == "" {
		req.SenderID = c.SenderID
	}
	var resp SendResponse
	if err := c.doRequest(ctx, http.MethodPost, roomPath(roomID)+"/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Message is a persisted chat message.
type Message struct {
	ID             string    `json:"id"`
	RoomID         string    `json:"room_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	AttachmentURL  *string   `json:"attachment_url,omitempty"`
	AttachmentType *string   `json:"attachment_type,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessagesResponse is the response from reading room history.
type MessagesResponse struct {
	RoomID   string    `json:"room_id"`
	Messages []Message `json:"messages"`
}

// MessagesOptions pages through room history. Pass the CreatedAt and ID of
// the last message seen to continue after it.
type MessagesOptions struct {
	Limit   int
	After   time.Time
	AfterID string
}

// Messages reads persisted room history, oldest first.
func (c *Client) Messages(ctx context.Context, roomID string, opts MessagesOptions) (*MessagesResponse, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if !opts.After.IsZero() {
		q.Set("after", opts.After.UTC().Format(time.RFC3339Nano))
		if opts.AfterID != "" {
			q.Set("after_id", opts.AfterID)
		}
	}
	path := roomPath(roomID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp MessagesResponse
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Event is a live message event. Its ID is provisional and differs from
// the persisted message ID.
type Event struct {
	ID             string    `json:"id"`
	RoomID         string    `json:"room_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	AttachmentURL  *string   `json:"attachment_url,omitempty"`
	AttachmentType *string   `json:"attachment_type,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// Watch streams live events for a room until ctx is cancelled or the
// server closes the stream. The returned channel is closed on exit.
func (c *Client) Watch(ctx context.Context, roomID string) (<-chan Event, error) {
	var wsURL string
	switch {
	case strings.HasPrefix(c.BaseURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(c.BaseURL, "https://")
	case strings.HasPrefix(c.BaseURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(c.BaseURL, "http://")
	default:
		return nil, fmt.Errorf("chatrelay: unsupported base URL %q", c.BaseURL)
	}
	wsURL += roomPath(roomID) + "/live"

	header := http.Header{}
	if c.Token != "" {
		header.Set("Authorization", "Bearer "+c.Token)
	}

	conn, resp, err := c.Dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return nil, err
	}

	events := make(chan Event)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(events)
		defer conn.Close()
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Instance  string                 `json:"instance,omitempty"`
	Checks    map[string]interface{} `json:"checks"`
	Queue     map[string]int64       `json:"queue,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

// Health checks server health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
