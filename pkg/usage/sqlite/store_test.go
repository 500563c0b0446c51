package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/tenantgate/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec := models.UsageRecord{
		ID:               "01HX0000000000000000000001",
		TenantID:         "acme",
		UserID:           "u1",
		RequestID:        "req-1",
		Model:            "m1",
		PromptTokens:     4,
		CompletionTokens: 5,
		Cost:             5,
		Cache:            models.CacheMiss,
		NearLimit:        true,
		LatencyMs:        120,
		CreatedAt:        now,
	}
	if err := s.Insert(ctx, rec); err != nil {
		t.Fatal(err)
	}

	records, err := s.Query(ctx, models.UsageQuery{TenantID: "acme", Since: now.Add(-time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	got := records[0]
	if got.Cost != 5 || got.Cache != models.CacheMiss || !got.NearLimit || got.FailureReason != "" {
		t.Errorf("unexpected record: %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("expected created_at %v, got %v", now, got.CreatedAt)
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := models.UsageRecord{ID: "dup", TenantID: "acme", RequestID: "r", Model: "m1", Cache: models.CacheHit, CreatedAt: time.Now()}

	for range 2 {
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	records, err := s.Query(ctx, models.UsageQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("expected 1 record after duplicate insert, got %d", len(records))
	}
}

func TestQueryRangeAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	for i := range 5 {
		_ = s.Insert(ctx, models.UsageRecord{
			ID: string(rune('a' + i)), TenantID: "acme", RequestID: "r", Model: "m1",
			Cache: models.CacheNone, FailureReason: "budget_exceeded",
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}
	_ = s.Insert(ctx, models.UsageRecord{ID: "z", TenantID: "other", RequestID: "r", Model: "m1", Cache: models.CacheMiss, CreatedAt: base})

	records, err := s.Query(ctx, models.UsageQuery{
		TenantID: "acme",
		Since:    base.Add(time.Hour),
		Until:    base.Add(4 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records in range, got %d", len(records))
	}
	if records[0].ID != "d" {
		t.Errorf("expected newest first, got %s", records[0].ID)
	}
	if records[0].FailureReason != "budget_exceeded" {
		t.Errorf("expected failure reason, got %q", records[0].FailureReason)
	}

	limited, err := s.Query(ctx, models.UsageQuery{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 records, got %d", len(limited))
	}
}
