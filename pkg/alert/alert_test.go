package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/tenantgate/pkg/models"
)

type captureSink struct {
	mu          sync.Mutex
	budget      []models.BudgetAlert
	operational []models.OperationalAlert
}

func (c *captureSink) Budget(_ context.Context, a models.BudgetAlert) {
	c.mu.Lock()
	c.budget = append(c.budget, a)
	c.mu.Unlock()
}

func (c *captureSink) Operational(_ context.Context, a models.OperationalAlert) {
	c.mu.Lock()
	c.operational = append(c.operational, a)
	c.mu.Unlock()
}

func TestMultiFansOut(t *testing.T) {
	a, b := &captureSink{}, &captureSink{}
	m := Multi{a, NewLogSink(zap.NewNop()), b}

	m.Budget(context.Background(), models.BudgetAlert{ID: NewID(), TenantID: "acme", ThresholdPct: 75})
	m.Operational(context.Background(), models.OperationalAlert{Kind: "recorder_write_failed"})

	for _, s := range []*captureSink{a, b} {
		if len(s.budget) != 1 || len(s.operational) != 1 {
			t.Errorf("expected one alert of each kind, got %d/%d", len(s.budget), len(s.operational))
		}
	}
}

func TestWebhookSinkFilter(t *testing.T) {
	var mu sync.Mutex
	var got []WebhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type: %s", r.Header.Get("Content-Type"))
		}
		var p WebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	s, err := NewWebhookSink(server.URL, `type == "operational" || threshold >= 90`, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	s.Budget(ctx, models.BudgetAlert{TenantID: "acme", ThresholdPct: 75})
	s.Budget(ctx, models.BudgetAlert{TenantID: "acme", ThresholdPct: 90, Ratio: 0.93})
	s.Operational(ctx, models.OperationalAlert{Kind: "recorder_write_failed", Detail: "db down"})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 delivered alerts, got %d", len(got))
	}
	if got[0].Type != "budget" || got[0].Threshold != 90 || got[0].TenantID != "acme" {
		t.Errorf("unexpected budget payload: %+v", got[0])
	}
	if got[1].Kind != "recorder_write_failed" {
		t.Errorf("unexpected operational payload: %+v", got[1])
	}
}

func TestWebhookSinkRejectsBadFilter(t *testing.T) {
	if _, err := NewWebhookSink("http://localhost", "threshold +", time.Second, nil); err == nil {
		t.Error("expected compile error")
	}
	if _, err := NewWebhookSink("http://localhost", "threshold", time.Second, nil); err == nil {
		t.Error("expected non-bool filter to be rejected")
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	period := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	ok, _ := s.Insert(ctx, models.BudgetAlert{ID: "a", TenantID: "acme", ThresholdPct: 75, PeriodStart: period})
	dup, _ := s.Insert(ctx, models.BudgetAlert{ID: "b", TenantID: "acme", ThresholdPct: 75, PeriodStart: period})
	if !ok || dup {
		t.Errorf("expected first insert only, got %v/%v", ok, dup)
	}
	if err := s.Ack(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	open, _ := s.List(ctx, models.AlertQuery{Unacknowledged: true})
	if len(open) != 0 {
		t.Errorf("expected no open alerts, got %d", len(open))
	}
}
