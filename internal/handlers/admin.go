package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/eldtechnologies/chatrelay/internal/queue"
)

// DeadLetter is a persistence job that ran out of attempts.
type DeadLetter struct {
	ID         string          `json:"id"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error"`
	FailedAt   time.Time       `json:"failed_at"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// DeadLettersResponse lists dead-lettered jobs, most recent first.
type DeadLettersResponse struct {
	Jobs  []DeadLetter `json:"jobs"`
	Total int64        `json:"total"`
}

// ListDeadLetters handles GET /admin/dead-letters.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > 500 {
		limit = 500
	}

	jobs, err := h.queue.DeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("list dead letters failed")
		h.Error(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}

	resp := DeadLettersResponse{Jobs: make([]DeadLetter, 0, len(jobs)), Total: stats.Dead}
	for _, j := range jobs {
		dl := DeadLetter{
			ID:         j.ID,
			Attempts:   j.Attempts,
			LastError:  j.LastError,
			FailedAt:   j.FailedAt,
			EnqueuedAt: j.EnqueuedAt,
		}
		if json.Valid(j.Payload) {
			dl.Payload = j.Payload
		}
		resp.Jobs = append(resp.Jobs, dl)
	}
	h.JSON(w, http.StatusOK, resp)
}

// RetryDeadLetter handles POST /admin/dead-letters/{id}/retry. The job gets a
// fresh attempt budget; the store still guarantees a single row.
func (h *Handler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	if err := h.queue.Requeue(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "dead letter not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", id).Msg("requeue failed")
		h.Error(w, http.StatusInternalServerError, "failed to requeue job")
		return
	}

	h.logger.Info().Str("job_id", id).Msg("dead letter requeued")
	h.JSON(w, http.StatusAccepted, map[string]interface{}{"ok": true, "id": id})
}

// GetMessageByKey handles GET /admin/messages/{key}. It tells an operator
// whether a job's message reached the store, e.g. before retrying a dead
// letter.
func (h *Handler) GetMessageByKey(w http.ResponseWriter, r *http.Request) {
	key := urlParam(r, "key")

	msg, err := h.store.GetByIdempotencyKey(r.Context(), key)
	if err != nil {
		h.logger.Error().Err(err).Str("idempotency_key", key).Msg("message lookup failed")
		h.Error(w, http.StatusInternalServerError, "failed to look up message")
		return
	}
	if msg == nil {
		h.Error(w, http.StatusNotFound, "message not stored")
		return
	}
	h.JSON(w, http.StatusOK, msg)
}
