// Package chat is the ingestion side of the pipeline: it validates
// send-message requests, broadcasts them optimistically and hands them to
// the durable queue for persistence.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/fanout"
	"github.com/eldtechnologies/chatrelay/internal/ids"
	"github.com/eldtechnologies/chatrelay/internal/metrics"
	"github.com/eldtechnologies/chatrelay/internal/models"
	"github.com/eldtechnologies/chatrelay/internal/queue"
	"github.com/eldtechnologies/chatrelay/internal/store"
)

// SendMessageInput is a request to post a message to a room.
type SendMessageInput struct {
	RoomID         string
	SenderID       string
	Content        string
	AttachmentURL  *string
	AttachmentType *string
	IdempotencyKey string
}

// Ack acknowledges acceptance. It says nothing about persistence.
type Ack struct {
	EventID      string
	Deduplicated bool // a job under the same key was still pending
}

// Service wires the ingestion endpoint to its collaborators.
type Service struct {
	store  store.MessageStore
	queue  queue.Queue
	bus    fanout.Bus
	policy queue.RetryPolicy
	now    func() time.Time
	logger zerolog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithRetryPolicy overrides the policy attached to persistence jobs.
func WithRetryPolicy(p queue.RetryPolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithClock overrides the time source for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service.
func NewService(st store.MessageStore, q queue.Queue, bus fanout.Bus, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  st,
		queue:  q,
		bus:    bus,
		policy: queue.DefaultRetryPolicy(),
		now:    time.Now,
		logger: logger.With().Str("component", "chat").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates in, broadcasts it to the room's live subscribers and
// enqueues it for persistence. It returns once the queue has accepted the
// job; the broadcast is best-effort and never fails the call.
func (s *Service) Submit(ctx context.Context, in SendMessageInput) (*Ack, error) {
	in, err := normalize(in)
	if err != nil {
		metrics.ValidationRejects.Inc()
		return nil, err
	}

	now := s.now().UTC()
	event := models.MessageEvent{
		ID:             ids.NewEventID(now),
		RoomID:         in.RoomID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		AttachmentURL:  in.AttachmentURL,
		AttachmentType: in.AttachmentType,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      now,
	}

	if err := s.bus.Publish(ctx, fanout.RoomChannel(in.RoomID), event); err != nil {
		s.logger.Warn().
			Err(err).
			Str("room_id", in.RoomID).
			Str("idempotency_key", in.IdempotencyKey).
			Msg("live publish failed")
	}

	payload, err := json.Marshal(models.PersistPayload{
		RoomID:         in.RoomID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		AttachmentURL:  in.AttachmentURL,
		AttachmentType: in.AttachmentType,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	res, err := s.queue.Enqueue(ctx, in.IdempotencyKey, payload, s.policy)
	if err != nil {
		return nil, fmt.Errorf("enqueue persistence job: %w", err)
	}

	deduplicated := res == queue.Duplicate
	if deduplicated {
		metrics.MessagesSubmitted.WithLabelValues("deduplicated").Inc()
		s.logger.Debug().Str("idempotency_key", in.IdempotencyKey).Msg("persistence job already pending")
	} else {
		metrics.MessagesSubmitted.WithLabelValues("enqueued").Inc()
	}

	return &Ack{EventID: event.ID, Deduplicated: deduplicated}, nil
}

// ListMessages returns a room's persisted messages in creation order.
// Messages still in the queue are not included.
func (s *Service) ListMessages(ctx context.Context, roomID string, opts store.ListOptions) ([]models.Message, error) {
	if roomID == "" {
		return nil, newValidationError("room_id", "is required")
	}
	return s.store.ListByRoom(ctx, roomID, opts)
}

// Subscribe opens a live stream of a room's events until ctx is done or the
// subscription is closed.
func (s *Service) Subscribe(ctx context.Context, roomID string) (fanout.Subscription, error) {
	if roomID == "" {
		return nil, newValidationError("room_id", "is required")
	}
	return s.bus.Subscribe(ctx, fanout.RoomChannel(roomID))
}
