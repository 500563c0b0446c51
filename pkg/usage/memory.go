package usage

import (
	"context"
	"sort"
	"sync"

	"github.com/pario-ai/tenantgate/pkg/models"
)

// MemoryStore keeps records in memory, for tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	records []models.UsageRecord
	fail    error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Insert(_ context.Context, rec models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.records = append(m.records, rec)
	return nil
}

// SetFail makes every Insert return err until it is reset with nil.
func (m *MemoryStore) SetFail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *MemoryStore) Query(_ context.Context, q models.UsageQuery) ([]models.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.UsageRecord
	for _, r := range m.records {
		if q.TenantID != "" && r.TenantID != q.TenantID {
			continue
		}
		if !q.Since.IsZero() && r.CreatedAt.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && !r.CreatedAt.Before(q.Until) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// All returns every record in insertion order.
func (m *MemoryStore) All() []models.UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.UsageRecord(nil), m.records...)
}

func (m *MemoryStore) Close() error { return nil }
