// Package postgres stores usage records in PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pario-ai/tenantgate/pkg/models"
)

// Querier is the subset of pgxpool.Pool the store uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store implements usage.Store with a pgx connection pool.
type Store struct {
	db    Querier
	close func()
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
	cost DOUBLE PRECISION NOT NULL,
	cache TEXT NOT NULL,
	near_limit BOOLEAN NOT NULL DEFAULT FALSE,
	latency_ms BIGINT NOT NULL,
	failure_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_tenant_time ON usage_records(tenant_id, created_at);
`

// New connects to dsn and runs auto-migration.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect usage db: %w", err)
	}
	if _, err := pool.Exec(ctx, createTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate usage db: %w", err)
	}
	return &Store{db: pool, close: pool.Close}, nil
}

// Insert appends rec, ignoring a redelivered id.
func (s *Store) Insert(ctx context.Context, rec models.UsageRecord) error {
	var failure *string
	if rec.FailureReason != "" {
		failure = &rec.FailureReason
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO usage_records (id, tenant_id, user_id, request_id, model, prompt_tokens, completion_tokens,
			cost, cache, near_limit, latency_ms, failure_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO NOTHING`,
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
	query, args := buildQuery(q)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("scan usage: %w", err)
	}
	return records, nil
}

func buildQuery(q models.UsageQuery) (string, []any) {
	query := `SELECT id, tenant_id, user_id, request_id, model, prompt_tokens, completion_tokens,
		cost, cache, near_limit, latency_ms, failure_reason, created_at FROM usage_records`
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.TenantID != "" {
		where = append(where, "tenant_id = "+arg(q.TenantID))
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= "+arg(q.Since.UTC()))
	}
	if !q.Until.IsZero() {
		where = append(where, "created_at < "+arg(q.Until.UTC()))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}
	return query, args
}

func scanRecord(row pgx.CollectableRow) (models.UsageRecord, error) {
	var r models.UsageRecord
	var cache string
	var failure *string
	err := row.Scan(&r.ID, &r.TenantID, &r.UserID, &r.RequestID, &r.Model, &r.PromptTokens,
		&r.CompletionTokens, &r.Cost, &cache, &r.NearLimit, &r.LatencyMs, &failure, &r.CreatedAt)
	if err != nil {
		return r, err
	}
	r.Cache = models.CacheOutcome(cache)
	if failure != nil {
		r.FailureReason = *failure
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.close()
	return nil
}
