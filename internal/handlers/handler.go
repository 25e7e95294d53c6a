package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/chat"
	"github.com/eldtechnologies/chatrelay/internal/queue"
	"github.com/eldtechnologies/chatrelay/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	chat   *chat.Service
	store  store.MessageStore
	queue  queue.Queue
	redis  *redis.Client
	logger zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(svc *chat.Service, st store.MessageStore, q queue.Queue, rdb *redis.Client, logger zerolog.Logger) *Handler {
	return &Handler{
		chat:   svc,
		store:  st,
		queue:  q,
		redis:  rdb,
		logger: logger,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// urlParam returns a decoded route parameter. chi matches on the raw path
// when the request carries escapes such as %2F, so parameters then arrive
// escaped.
func urlParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v
	}
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}
	return v
}
