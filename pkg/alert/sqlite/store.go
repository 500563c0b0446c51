// Package sqlite persists budget alerts in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pario-ai/tenantgate/pkg/alert"
	"github.com/pario-ai/tenantgate/pkg/models"
	"github.com/pario-ai/tenantgate/pkg/sqlitedb"
)

// Store implements alert.Store with a SQLite database.
type Store struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS budget_alerts (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	threshold_pct INTEGER NOT NULL,
	ratio REAL NOT NULL,
	period_start DATETIME NOT NULL,
	created_at DATETIME NOT NULL,
	acknowledged INTEGER NOT NULL DEFAULT 0,
	UNIQUE (tenant_id, threshold_pct, period_start)
);
CREATE INDEX IF NOT EXISTS idx_alerts_tenant ON budget_alerts(tenant_id, created_at);
`

// New opens the database at dbPath and runs auto-migration.
func New(dbPath string) (*Store, error) {
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open alert db: %w", err)
	}
	if err := sqlitedb.Migrate(db, createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate alert db: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert stores a once per tenant, threshold and period.
func (s *Store) Insert(ctx context.Context, a models.BudgetAlert) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO budget_alerts (id, tenant_id, threshold_pct, ratio, period_start, created_at, acknowledged)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.ThresholdPct, a.Ratio, a.PeriodStart.UTC(), a.CreatedAt.UTC(), a.Acknowledged,
	)
	if err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}
	return n == 1, nil
}

// List returns alerts newest first.
func (s *Store) List(ctx context.Context, q models.AlertQuery) ([]models.BudgetAlert, error) {
	query := `SELECT id, tenant_id, threshold_pct, ratio, period_start, created_at, acknowledged FROM budget_alerts`
	var where []string
	var args []any
	if q.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, q.TenantID)
	}
	if q.Unacknowledged {
		where = append(where, "acknowledged = 0")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, threshold_pct DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.BudgetAlert
	for rows.Next() {
		var a models.BudgetAlert
		if err := rows.Scan(&a.ID, &a.TenantID, &a.ThresholdPct, &a.Ratio, &a.PeriodStart, &a.CreatedAt, &a.Acknowledged); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.PeriodStart = a.PeriodStart.UTC()
		a.CreatedAt = a.CreatedAt.UTC()
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// Ack marks an alert acknowledged.
func (s *Store) Ack(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE budget_alerts SET acknowledged = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ack alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ack alert: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("ack %s: %w", id, alert.ErrNotFound)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
