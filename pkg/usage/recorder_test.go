package usage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pario-ai/tenantgate/pkg/models"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []models.OperationalAlert
}

func (a *recordingAlerter) Operational(_ context.Context, al models.OperationalAlert) {
	a.mu.Lock()
	a.alerts = append(a.alerts, al)
	a.mu.Unlock()
}

func (a *recordingAlerter) kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, al := range a.alerts {
		out = append(out, al.Kind)
	}
	return out
}

func testOptions(t *testing.T) Options {
	return Options{
		WriteTimeout:   time.Second,
		QueueSize:      16,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		SpoolPath:      filepath.Join(t.TempDir(), "spool.jsonl"),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecordAssignsIDAndTime(t *testing.T) {
	store := NewMemoryStore()
	r := New(store, testOptions(t), nil, nil)
	defer r.Close()

	if err := r.Record(context.Background(), models.UsageRecord{TenantID: "acme", RequestID: "r1"}); err != nil {
		t.Fatal(err)
	}
	all := store.All()
	if len(all) != 1 {
		t.Fatalf("expected 1 record, got %d", len(all))
	}
	if all[0].ID == "" || all[0].CreatedAt.IsZero() {
		t.Errorf("expected id and timestamp, got %+v", all[0])
	}
}

func TestRecordIgnoresCallerCancellation(t *testing.T) {
	store := NewMemoryStore()
	r := New(store, testOptions(t), nil, nil)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Record(ctx, models.UsageRecord{TenantID: "acme"}); err != nil {
		t.Fatal(err)
	}
	if len(store.All()) != 1 {
		t.Error("expected record written despite cancelled context")
	}
}

func TestRecordFailureRetries(t *testing.T) {
	store := NewMemoryStore()
	store.SetFail(errors.New("disk full"))
	alerter := &recordingAlerter{}
	opts := testOptions(t)
	opts.MaxRetries = 1000
	r := New(store, opts, alerter, nil)
	defer r.Close()

	err := r.Record(context.Background(), models.UsageRecord{TenantID: "acme", RequestID: "r1"})
	if !errors.Is(err, models.ErrRecorderWriteFailed) {
		t.Fatalf("expected ErrRecorderWriteFailed, got %v", err)
	}
	if kinds := alerter.kinds(); len(kinds) != 1 || kinds[0] != "recorder_write_failed" {
		t.Errorf("expected one recorder_write_failed alert, got %v", kinds)
	}

	store.SetFail(nil)
	waitFor(t, func() bool { return len(store.All()) == 1 })
}

func TestRecordNeverDropped(t *testing.T) {
	store := NewMemoryStore()
	store.SetFail(errors.New("db down"))
	opts := testOptions(t)
	opts.QueueSize = 1
	opts.InitialBackoff = time.Hour
	opts.MaxBackoff = time.Hour
	r := New(store, opts, nil, nil)

	for _, id := range []string{"a", "b", "c"} {
		_ = r.Record(context.Background(), models.UsageRecord{ID: id, TenantID: "acme"})
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	spooled, err := NewSpool(opts.SpoolPath).Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(spooled) != 3 {
		t.Fatalf("expected 3 spooled records, got %d", len(spooled))
	}

	store.SetFail(nil)
	n, err := r.Replay(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || len(store.All()) != 3 {
		t.Errorf("expected 3 replayed records, got n=%d stored=%d", n, len(store.All()))
	}
	left, err := NewSpool(opts.SpoolPath).Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("expected empty spool after replay, got %d", len(left))
	}
}

func TestSpoolWithoutPath(t *testing.T) {
	if err := NewSpool("").Append(models.UsageRecord{}); !errors.Is(err, ErrNoSpool) {
		t.Errorf("expected ErrNoSpool, got %v", err)
	}
}

func TestMemoryStoreQuery(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	for i := range 4 {
		_ = store.Insert(context.Background(), models.UsageRecord{
			ID: string(rune('a' + i)), TenantID: "acme", CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}
	got, err := store.Query(context.Background(), models.UsageQuery{TenantID: "acme", Since: base.Add(time.Hour), Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "d" || got[1].ID != "c" {
		t.Errorf("unexpected records: %+v", got)
	}
}
