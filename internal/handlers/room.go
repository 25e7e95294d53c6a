package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/chatrelay/internal/api/middleware"
	"github.com/eldtechnologies/chatrelay/internal/chat"
	"github.com/eldtechnologies/chatrelay/internal/models"
	"github.com/eldtechnologies/chatrelay/internal/store"
)

// PostMessageRequest represents the send-message request body.
type PostMessageRequest struct {
	Content        string  `json:"content"`
	AttachmentURL  *string `json:"attachment_url,omitempty"`
	AttachmentType *string `json:"attachment_type,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	// SenderID is only honored when token verification is disabled.
	SenderID string `json:"sender_id,omitempty"`
}

// PostMessageResponse acknowledges acceptance for delivery.
type PostMessageResponse struct {
	OK           bool   `json:"ok"`
	EventID      string `json:"event_id"`
	Deduplicated bool   `json:"deduplicated"`
}

// RoomMessagesResponse represents the get room messages response.
type RoomMessagesResponse struct {
	RoomID   string           `json:"room_id"`
	Messages []models.Message `json:"messages"`
}

// PostMessage accepts a message for broadcast and persistence. The response
// does not wait for the message to be stored.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	roomID := urlParam(r, "roomID")

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	senderID := req.SenderID
	if userID := middleware.GetUserID(r.Context()); userID != "" {
		senderID = userID
	}

	ack, err := h.chat.Submit(r.Context(), chat.SendMessageInput{
		RoomID:         roomID,
		SenderID:       senderID,
		Content:        req.Content,
		AttachmentURL:  req.AttachmentURL,
		AttachmentType: req.AttachmentType,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		var verr *chat.ValidationError
		if errors.As(err, &verr) {
			h.Error(w, http.StatusBadRequest, verr.Error())
			return
		}
		h.logger.Error().Err(err).Str("room_id", roomID).Msg("submit failed")
		h.Error(w, http.StatusServiceUnavailable, "message could not be accepted, retry with the same idempotency key")
		return
	}

	h.JSON(w, http.StatusAccepted, PostMessageResponse{
		OK:           true,
		EventID:      ack.EventID,
		Deduplicated: ack.Deduplicated,
	})
}

// GetRoomMessages returns a room's persisted history, oldest first.
func (h *Handler) GetRoomMessages(w http.ResponseWriter, r *http.Request) {
	roomID := urlParam(r, "roomID")

	var opts store.ListOptions
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			h.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		opts.Limit = l
	}
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		after, err := time.Parse(time.RFC3339Nano, afterStr)
		if err != nil {
			h.Error(w, http.StatusBadRequest, "after must be an RFC3339 timestamp")
			return
		}
		opts.After = after
	}
	if afterID := r.URL.Query().Get("after_id"); afterID != "" {
		if opts.After.IsZero() {
			h.Error(w, http.StatusBadRequest, "after_id requires after")
			return
		}
		id, err := uuid.Parse(afterID)
		if err != nil {
			h.Error(w, http.StatusBadRequest, "after_id must be a message id")
			return
		}
		opts.AfterID = id
	}

	messages, err := h.chat.ListMessages(r.Context(), roomID, opts)
	if err != nil {
		if errors.Is(err, chat.ErrValidation) {
			h.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("room_id", roomID).Msg("list messages failed")
		h.Error(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}

	h.JSON(w, http.StatusOK, RoomMessagesResponse{
		RoomID:   roomID,
		Messages: messages,
	})
}
