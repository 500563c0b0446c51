package sqlite

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/tenantgate/pkg/cache"
	"github.com/pario-ai/tenantgate/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cache_test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	payload := []byte("A copay is a fixed amount\x00 paid per visit.")

	err := s.Put(ctx, models.CacheEntry{
		Key: "k1", Model: "m1", Response: payload,
		PromptTokens: 4, CompletionTokens: 5,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	e, ok, err := s.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(e.Response, payload) {
		t.Errorf("response not byte-identical: %q", e.Response)
	}
	if e.CompletionTokens != 5 || !e.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("unexpected entry: %+v", e)
	}

	if _, ok, err := s.Get(ctx, "k2"); ok || err != nil {
		t.Errorf("expected clean miss, got ok=%v err=%v", ok, err)
	}
}

func TestHitsAndSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = s.Put(ctx, models.CacheEntry{Key: "live", Model: "m1", Response: []byte("a"), CreatedAt: now, ExpiresAt: now.Add(time.Hour)})
	_ = s.Put(ctx, models.CacheEntry{Key: "dead", Model: "m1", Response: []byte("b"), CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)})

	for range 3 {
		if err := s.IncrHits(ctx, "live"); err != nil {
			t.Fatal(err)
		}
	}
	e, _, _ := s.Get(ctx, "live")
	if e.Hits != 3 {
		t.Errorf("expected 3 hits, got %d", e.Hits)
	}

	n, err := s.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired entry removed, got %d", n)
	}
	if c, _ := s.Count(ctx); c != 1 {
		t.Errorf("expected 1 entry left, got %d", c)
	}

	if n, _ := s.DeleteAll(ctx); n != 1 {
		t.Errorf("expected 1 entry cleared, got %d", n)
	}
}

func TestCacheOverSQLite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	c := cache.New(s, time.Hour, cache.WithClock(func() time.Time { return now }))

	key := cache.Key("acme", "m1", "What is a copay?")
	if err := c.Put(ctx, models.CacheEntry{Key: key, Model: "m1", Response: []byte("answer")}); err != nil {
		t.Fatal(err)
	}
	e, ok := c.Lookup(ctx, key)
	if !ok || string(e.Response) != "answer" {
		t.Fatalf("expected hit, got %v %q", ok, e.Response)
	}

	now = now.Add(2 * time.Hour)
	if _, ok := c.Lookup(ctx, key); ok {
		t.Error("expected miss after expiry")
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Errorf("expected expired entry to be evicted, %d left", n)
	}
}
