package models

import (
	"time"

	"github.com/google/uuid"
)

// Message represents a persisted chat message.
type Message struct {
	ID             uuid.UUID `json:"id"`
	RoomID         string    `json:"room_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	AttachmentURL  *string   `json:"attachment_url,omitempty"`
	AttachmentType *string   `json:"attachment_type,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageEvent is the ephemeral payload broadcast to live room subscribers.
// The ID is synthesized at ingestion time and is not the persisted message ID.
type MessageEvent struct {
	ID             string    `json:"id"`
	RoomID         string    `json:"room_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	AttachmentURL  *string   `json:"attachment_url,omitempty"`
	AttachmentType *string   `json:"attachment_type,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// PersistPayload is the queued candidate for a Message row.
type PersistPayload struct {
	RoomID         string  `json:"room_id"`
	SenderID       string  `json:"sender_id"`
	Content        string  `json:"content"`
	AttachmentURL  *string `json:"attachment_url,omitempty"`
	AttachmentType *string `json:"attachment_type,omitempty"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// Message builds the row to insert. ID and CreatedAt are assigned by the store.
func (p PersistPayload) Message() *Message {
	return &Message{
		RoomID:         p.RoomID,
		SenderID:       p.SenderID,
		Content:        p.Content,
		AttachmentURL:  p.AttachmentURL,
		AttachmentType: p.AttachmentType,
		IdempotencyKey: p.IdempotencyKey,
	}
}
