// Package worker turns queued persistence jobs into stored messages.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
	"github.com/eldtechnologies/chatrelay/internal/models"
	"github.com/eldtechnologies/chatrelay/internal/queue"
	"github.com/eldtechnologies/chatrelay/internal/store"
)

// Outcome is what a worker reports to the queue for one job attempt.
type Outcome int

const (
	Completed Outcome = iota + 1
	RetryableFailure
	TerminalFailure
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case RetryableFailure:
		return "retryable"
	case TerminalFailure:
		return "terminal"
	default:
		return "unknown"
	}
}

// ErrMalformedPayload marks a job whose payload can never be persisted.
var ErrMalformedPayload = errors.New("malformed job payload")

// Processor performs the idempotent write for one job.
type Processor struct {
	store  store.MessageStore
	logger zerolog.Logger
}

// NewProcessor creates a Processor writing to s.
func NewProcessor(s store.MessageStore, logger zerolog.Logger) *Processor {
	return &Processor{store: s, logger: logger}
}

// Process decodes the job payload and inserts the message unless its
// idempotency key is already stored. A key that is already stored means an
// earlier delivery of the same job won, which counts as success.
func (p *Processor) Process(ctx context.Context, job *queue.Job) (Outcome, error) {
	payload, err := decodePayload(job)
	if err != nil {
		metrics.JobOutcomes.WithLabelValues("terminal").Inc()
		return TerminalFailure, err
	}

	res, err := p.store.InsertIfAbsent(ctx, payload.Message())
	if err != nil {
		metrics.JobOutcomes.WithLabelValues("retryable").Inc()
		return RetryableFailure, err
	}

	if res == store.AlreadyExists {
		metrics.JobOutcomes.WithLabelValues("duplicate").Inc()
		p.logger.Info().
			Str("job_id", job.ID).
			Int("attempt", job.Attempts).
			Str("room_id", payload.RoomID).
			Msg("duplicate delivery, message already stored")
		return Completed, nil
	}

	metrics.JobOutcomes.WithLabelValues("completed").Inc()
	return Completed, nil
}

func decodePayload(job *queue.Job) (*models.PersistPayload, error) {
	var payload models.PersistPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.IdempotencyKey == "" {
		payload.IdempotencyKey = job.ID
	}

	var missing []string
	if strings.TrimSpace(payload.RoomID) == "" {
		missing = append(missing, "room_id")
	}
	if strings.TrimSpace(payload.SenderID) == "" {
		missing = append(missing, "sender_id")
	}
	if strings.TrimSpace(payload.Content) == "" {
		missing = append(missing, "content")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedPayload, strings.Join(missing, ", "))
	}
	if payload.IdempotencyKey != job.ID {
		return nil, fmt.Errorf("%w: idempotency key %q does not match job %q",
			ErrMalformedPayload, payload.IdempotencyKey, job.ID)
	}
	return &payload, nil
}
