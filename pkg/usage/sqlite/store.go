// Package sqlite stores usage records in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pario-ai/tenantgate/pkg/models"
	"github.com/pario-ai/tenantgate/pkg/sqlitedb"
)

// Store implements usage.Store with a SQLite database.
type Store struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	cost REAL NOT NULL,
	cache TEXT NOT NULL,
	near_limit INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL,
	failure_reason TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_tenant_time ON usage_records(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_time ON usage_records(created_at);
`

// New creates a Store and runs auto-migration.
func New(dbPath string) (*Store, error) {
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	if err := sqlitedb.Migrate(db, createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage db: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert appends rec. A record id that already exists is ignored so that a
// redelivered record is stored once.
func (s *Store) Insert(ctx context.Context, rec models.UsageRecord) error {
	var failure sql.NullString
	if rec.FailureReason != "" {
		failure = sql.NullString{String: rec.FailureReason, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (id, tenant_id, user_id, request_id, model, prompt_tokens, completion_tokens,
			cost, cache, near_limit, latency_ms, failure_reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.TenantID, rec.UserID, rec.RequestID, rec.Model, rec.PromptTokens, rec.CompletionTokens,
		rec.Cost, string(rec.Cache), rec.NearLimit, rec.LatencyMs, failure, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Query returns records newest first.
func (s *Store) Query(ctx context.Context, q models.UsageQuery) ([]models.UsageRecord, error) {
	query := `SELECT id, tenant_id, user_id, request_id, model, prompt_tokens, completion_tokens,
		cost, cache, near_limit, latency_ms, failure_reason, created_at FROM usage_records`
	var where []string
	var args []any
	if q.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, q.TenantID)
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UTC())
	}
	if !q.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, q.Until.UTC())
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		var cache string
		var failure sql.NullString
		if err := rows.Scan(&r.ID, &r.TenantID, &r.UserID, &r.RequestID, &r.Model, &r.PromptTokens,
			&r.CompletionTokens, &r.Cost, &cache, &r.NearLimit, &r.LatencyMs, &failure, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		r.Cache = models.CacheOutcome(cache)
		r.FailureReason = failure.String
		r.CreatedAt = r.CreatedAt.UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
