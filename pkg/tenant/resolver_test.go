package tenant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pario-ai/tenantgate/pkg/ledger"
	"github.com/pario-ai/tenantgate/pkg/models"
)

func TestResolve(t *testing.T) {
	ctx := context.Background()
	l := ledger.New()
	l.Register(ctx, "acme", models.Isolation{Namespace: "acme-ns", Compute: "pool-a", Role: "clinical"}, 100)
	l.Register(ctx, "bare", models.Isolation{}, 100)
	r := NewResolver(l)

	tc, err := r.Resolve(ctx, Claim{TenantID: "acme", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if tc.TenantID != "acme" || tc.UserID != "u1" || tc.Isolation.Compute != "pool-a" {
		t.Errorf("unexpected context: %+v", tc)
	}

	tc, err = r.Resolve(ctx, Claim{TenantID: "bare"})
	if err != nil {
		t.Fatal(err)
	}
	if tc.Isolation.Namespace != "bare" {
		t.Errorf("expected namespace to default to tenant id, got %q", tc.Isolation.Namespace)
	}
}

func TestResolveErrors(t *testing.T) {
	ctx := context.Background()
	l := ledger.New()
	l.Register(ctx, "acme", models.Isolation{Namespace: "acme"}, 100)
	period := ledger.PeriodStart(mustGet(t, l, "acme").PeriodStart)
	if _, err := l.MarkAlerted(ctx, "acme", period, 100, models.StatusSuspended); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(l)

	if _, err := r.Resolve(ctx, Claim{TenantID: "nobody"}); !errors.Is(err, models.ErrTenantNotFound) {
		t.Errorf("expected ErrTenantNotFound, got %v", err)
	}
	if _, err := r.Resolve(ctx, Claim{TenantID: " "}); !errors.Is(err, models.ErrTenantNotFound) {
		t.Errorf("expected ErrTenantNotFound for empty claim, got %v", err)
	}
	if _, err := r.Resolve(ctx, Claim{TenantID: "acme"}); !errors.Is(err, models.ErrTenantSuspended) {
		t.Errorf("expected ErrTenantSuspended, got %v", err)
	}
}

func TestResolveAfterPeriodBoundary(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 9, 30, 23, 0, 0, 0, time.UTC)
	l := ledger.New(ledger.WithClock(func() time.Time { return now }))
	l.Register(ctx, "acme", models.Isolation{Namespace: "acme"}, 100)
	if _, err := l.MarkAlerted(ctx, "acme", ledger.PeriodStart(now), 100, models.StatusSuspended); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(l)
	if _, err := r.Resolve(ctx, Claim{TenantID: "acme"}); !errors.Is(err, models.ErrTenantSuspended) {
		t.Fatalf("expected ErrTenantSuspended, got %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := r.Resolve(ctx, Claim{TenantID: "acme"}); err != nil {
		t.Errorf("suspension should end with its period, got %v", err)
	}
}

func mustGet(t *testing.T, l *ledger.Ledger, id string) models.Tenant {
	t.Helper()
	tn, err := l.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	return tn
}
