package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/chatrelay/internal/ids"
	"github.com/eldtechnologies/chatrelay/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// SQLiteOption customizes a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithClock overrides the clock used to assign created_at.
func WithClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) { s.now = now }
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/chatrelay.db". ":memory:" opens a
// private in-memory database.
func NewSQLiteStore(ctx context.Context, dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/chatrelay.db"
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers anyway, and an in-memory database lives only
	// as long as its single connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		attachment_url TEXT,
		attachment_type TEXT,
		idempotency_key TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		CONSTRAINT ` + IdempotencyConstraint + ` UNIQUE (idempotency_key)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertIfAbsent inserts msg unless its idempotency key already exists.
// created_at is stored as UTC unix nanoseconds so ordering is numeric.
func (s *SQLiteStore) InsertIfAbsent(ctx context.Context, msg *models.Message) (InsertResult, error) {
	defer observe("sqlite", "insert", time.Now())

	id := ids.NewUUIDv7()
	createdAt := s.now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, sender_id, content, attachment_url, attachment_type, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`,
		id.String(),
		msg.RoomID,
		msg.SenderID,
		msg.Content,
		nullString(msg.AttachmentURL),
		nullString(msg.AttachmentType),
		msg.IdempotencyKey,
		createdAt.UnixNano(),
	)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return AlreadyExists, nil
	}

	msg.ID = id
	msg.CreatedAt = createdAt
	return Inserted, nil
}

// ListByRoom retrieves a room's messages in creation order.
func (s *SQLiteStore) ListByRoom(ctx context.Context, roomID string, opts ListOptions) ([]models.Message, error) {
	defer observe("sqlite", "list", time.Now())

	var (
		after   int64
		afterID string
	)
	if !opts.After.IsZero() {
		after = opts.After.UTC().UnixNano()
		if opts.AfterID != uuid.Nil {
			afterID = opts.AfterID.String()
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, sender_id, content, attachment_url, attachment_type, idempotency_key, created_at
		FROM messages
		WHERE room_id = ?
		  AND (created_at > ? OR (created_at = ? AND ? != '' AND id > ?))
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, roomID, after, after, afterID, afterID, opts.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}

	return messages, rows.Err()
}

// GetByIdempotencyKey retrieves the message stored under key.
func (s *SQLiteStore) GetByIdempotencyKey(ctx context.Context, key string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, sender_id, content, attachment_url, attachment_type, idempotency_key, created_at
		FROM messages WHERE idempotency_key = ?
	`, key)

	msg, err := scanSQLiteMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(row rowScanner) (*models.Message, error) {
	var (
		msg            models.Message
		idStr          string
		attachmentURL  sql.NullString
		attachmentType sql.NullString
		createdAt      int64
	)
	err := row.Scan(
		&idStr,
		&msg.RoomID,
		&msg.SenderID,
		&msg.Content,
		&attachmentURL,
		&attachmentType,
		&msg.IdempotencyKey,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	msg.ID = id
	msg.CreatedAt = time.Unix(0, createdAt).UTC()
	if attachmentURL.Valid {
		msg.AttachmentURL = &attachmentURL.String
	}
	if attachmentType.Valid {
		msg.AttachmentType = &attachmentType.String
	}
	return &msg, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
