package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/pario-ai/tenantgate/pkg/admission"
	"github.com/pario-ai/tenantgate/pkg/cache"
	"github.com/pario-ai/tenantgate/pkg/invoker"
	"github.com/pario-ai/tenantgate/pkg/ledger"
	"github.com/pario-ai/tenantgate/pkg/models"
	"github.com/pario-ai/tenantgate/pkg/normalize"
	"github.com/pario-ai/tenantgate/pkg/tenant"
	"github.com/pario-ai/tenantgate/pkg/usage"
)

// harness wires a Gateway over in-memory stores and a mock backend. By
// default model m1 costs 1000 per 1K completion tokens and requests
// without max_tokens are estimated at 10 completion tokens.
type harness struct {
	gw      *Gateway
	ledger  *ledger.Ledger
	backend *invoker.MockBackend
	usage   *usage.MemoryStore
	cache   *cache.Cache
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	noCache          bool
	completionPer1K  float64
	defaultMaxTokens int
}

func withoutCache() harnessOption { return func(c *harnessConfig) { c.noCache = true } }

func withCompletionPrice(per1K float64) harnessOption {
	return func(c *harnessConfig) { c.completionPer1K = per1K }
}

func withDefaultMaxTokens(n int) harnessOption {
	return func(c *harnessConfig) { c.defaultMaxTokens = n }
}

func newHarness(limit float64, responses []invoker.MockResponse, opts ...harnessOption) (*harness, error) {
	cfg := harnessConfig{completionPer1K: 1000, defaultMaxTokens: 10}
	for _, o := range opts {
		o(&cfg)
	}
	ctx := context.Background()

	l := ledger.New()
	l.Register(ctx, "acme", models.Isolation{Namespace: "acme"}, limit)

	backend := invoker.NewMockBackend("mock", responses...)
	pricing := invoker.NewPricing([]models.ModelPricing{{Model: "m1", PromptCost: 0, CompletionCost: cfg.completionPer1K}})
	router := invoker.NewRouter(map[string]invoker.Backend{"mock": backend}, []string{"mock"}, nil)
	inv := invoker.New(router, pricing, invoker.Options{MaxAttempts: 2}, nil)

	norm, err := normalize.New(normalize.DefaultRules())
	if err != nil {
		return nil, err
	}
	store := usage.NewMemoryStore()
	rec := usage.New(store, usage.Options{}, nil, nil)

	var c *cache.Cache
	if !cfg.noCache {
		c = cache.New(cache.NewMemoryStore(), 24*time.Hour)
	}

	gw := New(Deps{
		Ledger:     l,
		Resolver:   tenant.NewResolver(l),
		Normalizer: norm,
		Admission:  admission.New(l, pricing, 90, cfg.defaultMaxTokens, nil),
		Cache:      c,
		Invoker:    inv,
		Recorder:   rec,
	})
	return &harness{gw: gw, ledger: l, backend: backend, usage: store, cache: c}, nil
}

func mustHarness(t *testing.T, limit float64, responses []invoker.MockResponse, opts ...harnessOption) *harness {
	t.Helper()
	h, err := newHarness(limit, responses, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// setSpend commits amount directly against the ledger.
func (h *harness) setSpend(amount float64) error {
	r, err := h.ledger.Reserve(context.Background(), "acme", 0, 90)
	if err != nil {
		return err
	}
	r.Commit(context.Background(), amount)
	return nil
}

func answer(text string, completionTokens int) []invoker.MockResponse {
	return []invoker.MockResponse{{Completion: invoker.Completion{Text: text, PromptTokens: 4, CompletionTokens: completionTokens}}}
}

func request(prompt string) models.CompletionRequest {
	return models.CompletionRequest{TenantID: "acme", UserID: "u1", Model: "m1", Prompt: prompt}
}

func intPtr(n int) *int { return &n }
