package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pario-ai/tenantgate/pkg/invoker"
	"github.com/pario-ai/tenantgate/pkg/models"
)

func TestSequentialIdenticalRequests(t *testing.T) {
	h := mustHarness(t, 100, answer("A copay is a fixed fee.", 5))
	ctx := context.Background()

	first, err := h.gw.Complete(ctx, request("What is a copay?"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.gw.Complete(ctx, request("What   is a copay?"))
	if err != nil {
		t.Fatal(err)
	}

	if first.Cached || first.Cost != 5 {
		t.Errorf("expected paid miss, got %+v", first)
	}
	if !second.Cached || second.Cost != 0 || second.Text != first.Text {
		t.Errorf("expected free hit with same text, got %+v", second)
	}
	if n := len(h.backend.Calls()); n != 1 {
		t.Errorf("expected 1 model call, got %d", n)
	}

	recs := h.usage.All()
	if len(recs) != 2 {
		t.Fatalf("expected 2 usage records, got %d", len(recs))
	}
	paid := 0
	for _, r := range recs {
		if r.Cost > 0 {
			paid++
		}
	}
	if paid != 1 || recs[0].Cache != models.CacheMiss || recs[1].Cache != models.CacheHit {
		t.Errorf("unexpected records: %+v", recs)
	}
	if c, _ := h.gw.BudgetCheck(ctx, "acme"); c.Spend != 5 || c.Reserved != 0 {
		t.Errorf("expected spend 5 and nothing reserved, got %+v", c)
	}
}

func TestConcurrentIdenticalRequestsCallModelOnce(t *testing.T) {
	h := mustHarness(t, 1000, answer("shared answer", 5))
	h.backend.Gate = make(chan struct{})
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	resps := make([]*models.CompletionResponse, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resps[i], errs[i] = h.gw.Complete(ctx, request("Explain deductibles"))
		}(i)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(h.backend.Calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(h.backend.Gate)
	wg.Wait()

	if calls := len(h.backend.Calls()); calls != 1 {
		t.Fatalf("expected 1 model call, got %d", calls)
	}
	var paid float64
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if resps[i].Text != "shared answer" {
			t.Errorf("request %d got %q", i, resps[i].Text)
		}
		paid += resps[i].Cost
	}
	if paid != 5 {
		t.Errorf("expected total cost 5, got %v", paid)
	}
	if recs := h.usage.All(); len(recs) != n {
		t.Errorf("expected %d usage records, got %d", n, len(recs))
	}
	if c, _ := h.gw.BudgetCheck(ctx, "acme"); c.Spend != 5 || c.Reserved != 0 {
		t.Errorf("unexpected budget: %+v", c)
	}
}

func TestConcurrentIdenticalRequestsReserveOnce(t *testing.T) {
	// Each request is estimated at 10 against a limit of 100, so twenty
	// separate reservations could never fit. Only the leader reserves.
	h := mustHarness(t, 100, answer("shared answer", 5))
	h.backend.Gate = make(chan struct{})
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.gw.Complete(ctx, request("Explain deductibles"))
		}(i)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(h.backend.Calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if c, _ := h.gw.BudgetCheck(ctx, "acme"); c.Reserved != 10 {
		t.Errorf("expected only the leader's estimate reserved, got %+v", c)
	}
	close(h.backend.Gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d: %v", i, err)
		}
	}
	if calls := len(h.backend.Calls()); calls != 1 {
		t.Errorf("expected 1 model call, got %d", calls)
	}
	if recs := h.usage.All(); len(recs) != n {
		t.Errorf("expected %d usage records, got %d", n, len(recs))
	}
	if c, _ := h.gw.BudgetCheck(ctx, "acme"); c.Spend != 5 || c.Reserved != 0 {
		t.Errorf("unexpected budget: %+v", c)
	}
}

func TestFollowersShareLeaderRejection(t *testing.T) {
	h := mustHarness(t, 100, answer("never", 5))
	ctx := context.Background()
	if err := h.setSpend(95); err != nil {
		t.Fatal(err)
	}

	// The estimate of 10 does not fit, so the flight fails before the model.
	_, err := h.gw.Complete(ctx, request("Explain deductibles"))
	if !errors.Is(err, models.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if c, _ := h.gw.BudgetCheck(ctx, "acme"); c.Spend != 95 || c.Reserved != 0 {
		t.Errorf("rejected flight left budget state behind: %+v", c)
	}
	if n := len(h.backend.Calls()); n != 0 {
		t.Errorf("rejected flight reached the model %d times", n)
	}
}

func TestUnpricedModelIsRejected(t *testing.T) {
	h := mustHarness(t, 100, answer("free ride", 500))
	ctx := context.Background()
	if err := h.setSpend(99); err != nil {
		t.Fatal(err)
	}

	for range 3 {
		req := request("small question")
		req.Model = "unpriced-model"
		if _, err := h.gw.Complete(ctx, req); !errors.Is(err, models.ErrModelNotPriced) {
			t.Fatalf("expected ErrModelNotPriced, got %v", err)
		}
	}
	if n := len(h.backend.Calls()); n != 0 {
		t.Errorf("unpriced model reached the backend %d times", n)
	}
	recs := h.usage.All()
	if len(recs) != 3 || recs[0].FailureReason != "model_not_priced" || recs[0].Cost != 0 {
		t.Errorf("unexpected records: %+v", recs)
	}
	if c, _ := h.gw.BudgetCheck(ctx, "acme"); c.Spend != 99 || c.Reserved != 0 {
		t.Errorf("unexpected budget: %+v", c)
	}
}

func TestAdmissionAtNinetyNinePercent(t *testing.T) {
	h := mustHarness(t, 100, answer("ok", 1))
	ctx := context.Background()
	if err := h.setSpend(99); err != nil {
		t.Fatal(err)
	}

	req := request("small question")
	req.MaxTokens = intPtr(1)
	resp, err := h.gw.Complete(ctx, req)
	if err != nil {
		t.Fatalf("expected admission at 99%%, got %v", err)
	}
	if !resp.NearLimit {
		t.Error("expected near-limit flag")
	}

	req = request("another question")
	req.MaxTokens = intPtr(1)
	if _, err := h.gw.Complete(ctx, req); !errors.Is(err, models.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded at 100%%, got %v", err)
	}
	if n := len(h.backend.Calls()); n != 1 {
		t.Errorf("rejected request reached the model: %d calls", n)
	}
	if st, _ := h.cache.Stats(ctx); st.Misses != 1 || st.Hits+st.Coalesced != 0 {
		t.Errorf("request at the limit touched the cache: %+v", st)
	}
	recs := h.usage.All()
	if last := recs[len(recs)-1]; last.FailureReason != "budget_exceeded" || last.Cache != models.CacheNone {
		t.Errorf("unexpected record for gated request: %+v", last)
	}
}

func TestRejectedOverLimit(t *testing.T) {
	h := mustHarness(t, 100, answer("never", 5))
	ctx := context.Background()
	if err := h.setSpend(95); err != nil {
		t.Fatal(err)
	}

	_, err := h.gw.Complete(ctx, request("anything"))
	if !errors.Is(err, models.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if c, _ := h.gw.BudgetCheck(ctx, "acme"); c.Spend != 95 {
		t.Errorf("spend changed: %v", c.Spend)
	}
	recs := h.usage.All()
	if len(recs) != 1 || recs[0].FailureReason != "budget_exceeded" || recs[0].Cost != 0 {
		t.Errorf("unexpected records: %+v", recs)
	}
	if len(h.backend.Calls()) != 0 {
		t.Error("rejected request reached the model")
	}
}

func TestUnknownTenantIsRecorded(t *testing.T) {
	h := mustHarness(t, 100, answer("never", 5))
	req := request("hi")
	req.TenantID = "ghost"

	_, err := h.gw.Complete(context.Background(), req)
	if !errors.Is(err, models.ErrTenantNotFound) {
		t.Fatalf("expected ErrTenantNotFound, got %v", err)
	}
	recs := h.usage.All()
	if len(recs) != 1 || recs[0].TenantID != "ghost" || recs[0].FailureReason != "tenant_not_found" {
		t.Errorf("unexpected records: %+v", recs)
	}
}

func TestBadRequest(t *testing.T) {
	h := mustHarness(t, 100, answer("never", 5))
	req := request("   ")
	if _, err := h.gw.Complete(context.Background(), req); models.Classify(err) != models.ClassBadRequest {
		t.Errorf("expected bad request, got %v", err)
	}
	if len(h.usage.All()) != 1 {
		t.Error("expected a usage record for the bad request")
	}
}

func TestModelFailureReleasesReservation(t *testing.T) {
	h := mustHarness(t, 100, []invoker.MockResponse{{Error: invoker.StatusError(400, "refused")}})
	ctx := context.Background()

	_, err := h.gw.Complete(ctx, request("hello"))
	if !errors.Is(err, models.ErrInvokerRejected) {
		t.Fatalf("expected ErrInvokerRejected, got %v", err)
	}
	if c, _ := h.gw.BudgetCheck(ctx, "acme"); c.Spend != 0 || c.Reserved != 0 {
		t.Errorf("failure left budget state behind: %+v", c)
	}
	recs := h.usage.All()
	if len(recs) != 1 || recs[0].FailureReason != "invoker_rejected" {
		t.Errorf("unexpected records: %+v", recs)
	}
}

func TestCallerCancellationStillSettles(t *testing.T) {
	h := mustHarness(t, 100, answer("late answer", 5))
	h.backend.Gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.gw.Complete(ctx, request("slow question"))
		done <- err
	}()
	for len(h.backend.Calls()) == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if recs := h.usage.All(); len(recs) != 0 {
		t.Fatalf("record written before the call finished: %+v", recs)
	}

	close(h.backend.Gate)
	h.gw.Drain()

	recs := h.usage.All()
	if len(recs) != 1 || recs[0].Cost != 5 || recs[0].Cache != models.CacheMiss {
		t.Fatalf("unexpected records after drain: %+v", recs)
	}
	if c, _ := h.gw.BudgetCheck(context.Background(), "acme"); c.Spend != 5 {
		t.Errorf("expected spend 5, got %v", c.Spend)
	}

	resp, err := h.gw.Complete(context.Background(), request("slow question"))
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Cached || resp.Text != "late answer" {
		t.Errorf("expected cached late answer, got %+v", resp)
	}
}

func TestCacheDisabled(t *testing.T) {
	h := mustHarness(t, 100, answer("fresh", 2), withoutCache())
	ctx := context.Background()

	for range 2 {
		resp, err := h.gw.Complete(ctx, request("same"))
		if err != nil {
			t.Fatal(err)
		}
		if resp.Cached || resp.Cost != 2 {
			t.Errorf("expected uncached paid response, got %+v", resp)
		}
	}
	if n := len(h.backend.Calls()); n != 2 {
		t.Errorf("expected 2 model calls, got %d", n)
	}
	if st, _ := h.gw.CacheStats(ctx); st != (models.CacheStats{}) {
		t.Errorf("expected zero stats, got %+v", st)
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	h := mustHarness(t, 100, answer("answer", 5))
	ctx := context.Background()
	h.ledger.Register(ctx, "globex", models.Isolation{Namespace: "globex"}, 100)

	if _, err := h.gw.Complete(ctx, request("shared prompt")); err != nil {
		t.Fatal(err)
	}
	other := request("shared prompt")
	other.TenantID = "globex"
	resp, err := h.gw.Complete(ctx, other)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Cached {
		t.Error("cache entry leaked across tenant namespaces")
	}
	if n := len(h.backend.Calls()); n != 2 {
		t.Errorf("expected 2 model calls, got %d", n)
	}
}
