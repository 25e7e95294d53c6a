// Package queue distributes persistence jobs to workers with at-least-once
// delivery, bounded exponential retry and a dead-letter list for jobs that
// run out of attempts.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmpty is returned by Reserve when no job is ready.
	ErrEmpty = errors.New("queue: no job ready")
	// ErrLeaseLost means the job was reclaimed or settled by someone else
	// since it was reserved; the caller's outcome was not recorded.
	ErrLeaseLost = errors.New("queue: job lease lost")
	// ErrNotFound is returned when a job id is unknown to the queue.
	ErrNotFound = errors.New("queue: job not found")
)

// BackoffKind selects how retry delays grow.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// RetryPolicy bounds how often and how fast a failing job is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Backoff     BackoffKind
}

// DefaultRetryPolicy is five attempts with exponential backoff from one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Backoff:     BackoffExponential,
	}
}

// Validate reports whether the policy is usable.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("queue: max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("queue: base delay must not be negative, got %s", p.BaseDelay)
	}
	switch p.Backoff {
	case BackoffExponential, BackoffFixed:
		return nil
	default:
		return fmt.Errorf("queue: unknown backoff kind %q", p.Backoff)
	}
}

// Delay returns how long to wait before the attempt following failed attempt n
// (1-based). Exponential backoff yields BaseDelay * 2^(n-1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Backoff == BackoffFixed {
		return p.BaseDelay
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	return p.BaseDelay * time.Duration(1<<uint(shift))
}

// State is where a job currently sits.
type State string

const (
	StateWaiting State = "waiting"
	StateActive  State = "active"
	StateDelayed State = "delayed"
	StateDead    State = "dead"
)

// Job is one unit of work. ID doubles as the enqueue dedupe key.
type Job struct {
	ID         string
	Payload    []byte
	Attempts   int // attempts started so far, including the current one
	Policy     RetryPolicy
	State      State
	EnqueuedAt time.Time
	LastError  string
	FailedAt   time.Time
}

// Exhausted reports whether the job has used its final attempt.
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.Policy.MaxAttempts
}

// EnqueueResult tells whether an enqueue scheduled new work.
type EnqueueResult int

const (
	Accepted EnqueueResult = iota + 1
	// Duplicate means a job with the same id is still known to the queue.
	Duplicate
)

// FailResult describes what Fail did with a failed job.
type FailResult struct {
	DeadLettered bool
	Delay        time.Duration // zero when dead-lettered
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Dead    int64 `json:"dead"`
}

// Queue is the contract the ingestion service and persistence workers use.
type Queue interface {
	Enqueue(ctx context.Context, id string, payload []byte, policy RetryPolicy) (EnqueueResult, error)
	Reserve(ctx context.Context) (*Job, error)
	Complete(ctx context.Context, job *Job) error
	// Fail reschedules job with backoff, or dead-letters it when its
	// attempts are exhausted.
	Fail(ctx context.Context, job *Job, cause error) (FailResult, error)
	// Bury dead-letters job immediately, whatever attempts remain.
	Bury(ctx context.Context, job *Job, cause error) error
	DeadLetters(ctx context.Context, limit int) ([]Job, error)
	Requeue(ctx context.Context, id string) error
	Stats(ctx context.Context) (Stats, error)
}
