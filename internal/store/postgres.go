package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
	"github.com/eldtechnologies/chatrelay/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InsertIfAbsent inserts msg unless its idempotency key already exists.
// The conflict target is the named constraint, so an unrelated unique
// violation still surfaces as an error.
func (s *PostgresStore) InsertIfAbsent(ctx context.Context, msg *models.Message) (InsertResult, error) {
	defer observe("postgres", "insert", time.Now())

	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (room_id, sender_id, content, attachment_url, attachment_type, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT ON CONSTRAINT `+IdempotencyConstraint+` DO NOTHING
		RETURNING id, created_at
	`,
		msg.RoomID,
		msg.SenderID,
		msg.Content,
		msg.AttachmentURL,
		msg.AttachmentType,
		msg.IdempotencyKey,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AlreadyExists, nil
		}
		return 0, err
	}
	return Inserted, nil
}

// ListByRoom retrieves a room's messages in creation order.
func (s *PostgresStore) ListByRoom(ctx context.Context, roomID string, opts ListOptions) ([]models.Message, error) {
	defer observe("postgres", "list", time.Now())

	var (
		after   *time.Time
		afterID *string
	)
	if !opts.After.IsZero() {
		after = &opts.After
		if opts.AfterID != uuid.Nil {
			id := opts.AfterID.String()
			afterID = &id
		}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, sender_id, content, attachment_url, attachment_type, idempotency_key, created_at
		FROM messages
		WHERE room_id = $1
		  AND ($2::timestamptz IS NULL
		       OR created_at > $2
		       OR (created_at = $2 AND $3::uuid IS NOT NULL AND id > $3::uuid))
		ORDER BY created_at ASC, id ASC
		LIMIT $4
	`, roomID, after, afterID, opts.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		err := rows.Scan(
			&msg.ID,
			&msg.RoomID,
			&msg.SenderID,
			&msg.Content,
			&msg.AttachmentURL,
			&msg.AttachmentType,
			&msg.IdempotencyKey,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// GetByIdempotencyKey retrieves the message stored under key.
func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*models.Message, error) {
	msg := &models.Message{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, room_id, sender_id, content, attachment_url, attachment_type, idempotency_key, created_at
		FROM messages WHERE idempotency_key = $1
	`, key).Scan(
		&msg.ID,
		&msg.RoomID,
		&msg.SenderID,
		&msg.Content,
		&msg.AttachmentURL,
		&msg.AttachmentType,
		&msg.IdempotencyKey,
		&msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

func observe(driver, op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(driver, op).Observe(time.Since(start).Seconds())
}
