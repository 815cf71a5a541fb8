// Package sqldb persists the optional usage audit trail. Every accounted
// usage record is appended here when storage is configured, giving
// operators a queryable history next to the live Redis counters.
package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// UsageRecord is one accounted upstream call.
type UsageRecord struct {
	Identity         string    `db:"identity"`
	Model            string    `db:"model"`
	PromptTokens     int       `db:"prompt_tokens"`
	CompletionTokens int       `db:"completion_tokens"`
	TotalTokens      int       `db:"total_tokens"`
	TraceID          string    `db:"trace_id"`
	CreatedAt        time.Time `db:"created_at"`
}

// UsageStore is the SQL-backed audit log.
type UsageStore struct {
	db *sqlx.DB
}

// NewUsageStore opens the database and initializes the schema.
func NewUsageStore(driver, dsn string) (*UsageStore, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &UsageStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *UsageStore) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS usage_records (
id INTEGER PRIMARY KEY AUTOINCREMENT,
identity TEXT NOT NULL,
model TEXT NOT NULL,
prompt_tokens INTEGER NOT NULL,
completion_tokens INTEGER NOT NULL,
total_tokens INTEGER NOT NULL,
trace_id TEXT,
created_at TIMESTAMP NOT NULL
)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_usage_identity ON usage_records(identity)`)
	return err
}

// Insert appends one record.
func (s *UsageStore) Insert(ctx context.Context, rec UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO usage_records
(identity, model, prompt_tokens, completion_tokens, total_tokens, trace_id, created_at)
VALUES (:identity, :model, :prompt_tokens, :completion_tokens, :total_tokens, :trace_id, :created_at)`, rec)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// TotalForIdentity sums accounted tokens for an identity.
func (s *UsageStore) TotalForIdentity(ctx context.Context, identity string) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total,
		`SELECT COALESCE(SUM(total_tokens), 0) FROM usage_records WHERE identity = ?`, identity)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return total, nil
}

// ListByIdentity returns records for an identity, newest first.
func (s *UsageStore) ListByIdentity(ctx context.Context, identity string, limit int) ([]UsageRecord, error) {
	var records []UsageRecord
	err := s.db.SelectContext(ctx, &records,
		`SELECT identity, model, prompt_tokens, completion_tokens, total_tokens, trace_id, created_at
FROM usage_records WHERE identity = ? ORDER BY id DESC LIMIT ?`, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	return records, nil
}

// Close releases the database handle.
func (s *UsageStore) Close() error {
	return s.db.Close()
}
