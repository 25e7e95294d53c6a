package chat

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	MaxContentBytes        = 4096
	MaxIdempotencyKeyBytes = 128
	maxAttachmentTypeBytes = 100
)

// ErrValidation is wrapped by every ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError reports a rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func newValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// normalize trims identifiers and rejects requests that must never reach
// the bus or the queue. Content is kept as sent apart from the blank check.
func normalize(in SendMessageInput) (SendMessageInput, error) {
	in.RoomID = strings.TrimSpace(in.RoomID)
	in.SenderID = strings.TrimSpace(in.SenderID)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)

	switch {
	case in.RoomID == "":
		return in, newValidationError("room_id", "is required")
	case in.SenderID == "":
		return in, newValidationError("sender_id", "is required")
	case strings.TrimSpace(in.Content) == "":
		return in, newValidationError("content", "is required")
	case len(in.Content) > MaxContentBytes:
		return in, newValidationError("content", fmt.Sprintf("must be at most %d bytes", MaxContentBytes))
	case !utf8.ValidString(in.Content):
		return in, newValidationError("content", "must be valid UTF-8")
	case in.IdempotencyKey == "":
		return in, newValidationError("idempotency_key", "is required")
	case len(in.IdempotencyKey) > MaxIdempotencyKeyBytes:
		return in, newValidationError("idempotency_key", fmt.Sprintf("must be at most %d bytes", MaxIdempotencyKeyBytes))
	}

	in.AttachmentURL = trimOptional(in.AttachmentURL)
	in.AttachmentType = trimOptional(in.AttachmentType)

	if in.AttachmentURL != nil {
		u, err := url.Parse(*in.AttachmentURL)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return in, newValidationError("attachment_url", "must be an absolute http(s) URL")
		}
	}
	if in.AttachmentType != nil {
		if in.AttachmentURL == nil {
			return in, newValidationError("attachment_type", "requires attachment_url")
		}
		if len(*in.AttachmentType) > maxAttachmentTypeBytes {
			return in, newValidationError("attachment_type", fmt.Sprintf("must be at most %d bytes", maxAttachmentTypeBytes))
		}
	}

	return in, nil
}

func trimOptional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
