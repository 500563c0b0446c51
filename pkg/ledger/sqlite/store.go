package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pario-ai/tenantgate/pkg/ledger"
	"github.com/pario-ai/tenantgate/pkg/models"
	"github.com/pario-ai/tenantgate/pkg/sqlitedb"
)

// Store persists ledger state in SQLite.
type Store struct {
	db *sql.DB
}

const createTenantsTable = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	compute TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT '',
	limit_amount REAL NOT NULL,
	spend REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	period_start DATETIME NOT NULL,
	alerted_pct INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL
);
`

// New opens the database at dbPath and runs auto-migration.
func New(dbPath string) (*Store, error) {
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if err := sqlitedb.Migrate(db, createTenantsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	return &Store{db: db}, nil
}

// Load returns every persisted tenant.
func (s *Store) Load(ctx context.Context) ([]ledger.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, namespace, compute, role, limit_amount, spend, status, period_start, alerted_pct, version
		 FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load tenants: %w", err)
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		var r ledger.Record
		var status string
		t := &r.Tenant
		if err := rows.Scan(&t.ID, &t.Isolation.Namespace, &t.Isolation.Compute, &t.Isolation.Role,
			&t.Limit, &t.Spend, &status, &t.PeriodStart, &t.AlertedPct, &r.Version); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		t.Status = models.TenantStatus(status)
		t.PeriodStart = t.PeriodStart.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Save upserts t unless a newer version is already stored.
func (s *Store) Save(ctx context.Context, t models.Tenant, version uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, namespace, compute, role, limit_amount, spend, status, period_start, alerted_pct, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			namespace = excluded.namespace,
			compute = excluded.compute,
			role = excluded.role,
			limit_amount = excluded.limit_amount,
			spend = excluded.spend,
			status = excluded.status,
			period_start = excluded.period_start,
			alerted_pct = excluded.alerted_pct,
			version = excluded.version
		 WHERE excluded.version > tenants.version`,
		t.ID, t.Isolation.Namespace, t.Isolation.Compute, t.Isolation.Role,
		t.Limit, t.Spend, string(t.Status), t.PeriodStart.UTC(), t.AlertedPct, int64(version),
	)
	if err != nil {
		return fmt.Errorf("save tenant %s: %w", t.ID, err)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
