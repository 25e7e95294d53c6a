package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

// IdempotencyConstraint is the unique constraint guarding one row per
// idempotency key. Both drivers declare it under this name.
const IdempotencyConstraint = "messages_idempotency_key_key"

const (
	DefaultListLimit = 200
	MaxListLimit     = 1000
)

// ErrAlreadyExists is returned by InsertIfAbsent when a row with the same
// idempotency key is already stored.
var ErrAlreadyExists = errors.New("message with idempotency key already exists")

// InsertResult reports what InsertIfAbsent did.
type InsertResult int

const (
	Inserted InsertResult = iota + 1
	AlreadyExists
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// ListOptions narrows a room history read. Zero values mean defaults.
//
// After and AfterID form a keyset cursor over (created_at, id): pass the
// last message of the previous page to continue after it. With only After
// set, every row created at exactly After is skipped.
type ListOptions struct {
	Limit   int
	After   time.Time
	AfterID uuid.UUID
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		return MaxListLimit
	}
	return o.Limit
}

// MessageStore defines durable storage of chat messages.
// Both PostgresStore and SQLiteStore implement this interface.
type MessageStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// InsertIfAbsent atomically inserts msg unless its idempotency key is
	// already present. On Inserted, msg.ID and msg.CreatedAt are filled in.
	InsertIfAbsent(ctx context.Context, msg *models.Message) (InsertResult, error)

	// ListByRoom returns messages of a room ascending by created_at, then id.
	ListByRoom(ctx context.Context, roomID string, opts ListOptions) ([]models.Message, error)

	// GetByIdempotencyKey returns nil when no row carries the key.
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Message, error)
}
