package alert

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pario-ai/tenantgate/pkg/models"
)

type alertKey struct {
	tenant    string
	threshold int
	period    time.Time
}

// MemoryStore keeps alerts in memory.
type MemoryStore struct {
	mu     sync.Mutex
	alerts []models.BudgetAlert
	seen   map[alertKey]bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[alertKey]bool)}
}

func (m *MemoryStore) Insert(_ context.Context, a models.BudgetAlert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := alertKey{a.TenantID, a.ThresholdPct, a.PeriodStart.UTC()}
	if m.seen[k] {
		return false, nil
	}
	m.seen[k] = true
	m.alerts = append(m.alerts, a)
	return true, nil
}

func (m *MemoryStore) List(_ context.Context, q models.AlertQuery) ([]models.BudgetAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BudgetAlert
	for _, a := range m.alerts {
		if q.TenantID != "" && a.TenantID != q.TenantID {
			continue
		}
		if q.Unacknowledged && a.Acknowledged {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Ack(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			m.alerts[i].Acknowledged = true
			return nil
		}
	}
	return fmt.Errorf("ack %s: %w", id, ErrNotFound)
}

func (m *MemoryStore) Close() error { return nil }
