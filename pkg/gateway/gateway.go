// Package gateway orchestrates a completion request: tenant resolution,
// normalization, admission, the coalescing cache, the model call, budget
// settlement and the usage record.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/tenantgate/pkg/admission"
	"github.com/pario-ai/tenantgate/pkg/cache"
	"github.com/pario-ai/tenantgate/pkg/invoker"
	"github.com/pario-ai/tenantgate/pkg/ledger"
	"github.com/pario-ai/tenantgate/pkg/metrics"
	"github.com/pario-ai/tenantgate/pkg/models"
	"github.com/pario-ai/tenantgate/pkg/normalize"
	"github.com/pario-ai/tenantgate/pkg/tenant"
	"github.com/pario-ai/tenantgate/pkg/usage"
)

// Recorder writes and reads usage records.
type Recorder interface {
	Record(ctx context.Context, rec models.UsageRecord) error
	Query(ctx context.Context, q models.UsageQuery) ([]models.UsageRecord, error)
}

// Deps are the collaborators of a Gateway. Cache may be nil to disable
// caching.
type Deps struct {
	Ledger     *ledger.Ledger
	Resolver   *tenant.Resolver
	Normalizer *normalize.Normalizer
	Admission  *admission.Controller
	Cache      *cache.Cache
	Invoker    *invoker.Invoker
	Recorder   Recorder
	Logger     *zap.Logger
}

// Gateway serves completion requests for many tenants concurrently.
type Gateway struct {
	ledger     *ledger.Ledger
	resolver   *tenant.Resolver
	normalizer *normalize.Normalizer
	admission  *admission.Controller
	cache      *cache.Cache
	invoker    *invoker.Invoker
	recorder   Recorder
	log        *zap.Logger
	now        func() time.Time

	// background tracks settlements of requests whose callers gave up.
	background sync.WaitGroup
}

// New creates a Gateway.
func New(d Deps) *Gateway {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		ledger:     d.Ledger,
		resolver:   d.Resolver,
		normalizer: d.Normalizer,
		admission:  d.Admission,
		cache:      d.Cache,
		invoker:    d.Invoker,
		recorder:   d.Recorder,
		log:        log,
		now:        time.Now,
	}
}

// Complete answers req and writes exactly one usage record for it,
// whatever the outcome. If ctx ends while the model call is in flight the
// call still completes in the background: its result is cached, its cost
// committed and its usage recorded.
func (g *Gateway) Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error) {
	start := g.now()
	if req.RequestID == "" {
		req.RequestID = usage.NewID()
	}
	rec := models.UsageRecord{
		TenantID:  req.TenantID,
		UserID:    req.UserID,
		RequestID: req.RequestID,
		Model:     req.Model,
		Cache:     models.CacheNone,
	}

	if err := validate(req); err != nil {
		return nil, g.fail(ctx, rec, start, err)
	}
	tc, err := g.resolver.Resolve(ctx, tenant.Claim{TenantID: req.TenantID, UserID: req.UserID})
	if err != nil {
		return nil, g.fail(ctx, rec, start, err)
	}
	rec.TenantID = tc.TenantID

	prompt := g.normalizer.Normalize(req.Prompt)
	if prompt == "" {
		return nil, g.fail(ctx, rec, start, fmt.Errorf("%w: prompt is empty after normalization", models.ErrBadRequest))
	}

	estimate, err := g.admission.Estimate(req.Model, prompt, req.MaxTokens)
	if err != nil {
		return nil, g.fail(ctx, rec, start, err)
	}
	ticket, err := g.admission.Admit(ctx, tc)
	if err != nil {
		return nil, g.fail(ctx, rec, start, err)
	}
	rec.NearLimit = ticket.NearLimit()

	// Only the caller whose fill runs reserves the estimate. Coalesced
	// followers and cache hits never hold budget, and share the leader's
	// error if its reservation fails.
	var paid invoker.Result
	fill := func(fctx context.Context) (models.CacheEntry, error) {
		if err := ticket.Reserve(fctx, estimate); err != nil {
			return models.CacheEntry{}, err
		}
		res, err := g.invoker.Invoke(fctx, invoker.Call{
			Tenant:      tc,
			RequestID:   req.RequestID,
			Model:       req.Model,
			Prompt:      prompt,
			MaxTokens:   g.admission.MaxTokens(req.MaxTokens),
			Temperature: req.Temperature,
		})
		if err != nil {
			return models.CacheEntry{}, err
		}
		paid = res
		return models.CacheEntry{
			Model:            req.Model,
			Response:         []byte(res.Text),
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.CompletionTokens,
		}, nil
	}

	var w waiter
	if g.cache != nil {
		w = g.cache.Do(ctx, cache.Key(tc.Isolation.Namespace, req.Model, prompt), fill)
	} else {
		w = startDirect(ctx, fill)
	}

	res, err := w.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		g.background.Add(1)
		go func() {
			defer g.background.Done()
			bctx := context.WithoutCancel(ctx)
			res, err := w.Wait(bctx)
			if _, err := g.settle(bctx, rec, ticket, res, err, &paid, start); err != nil {
				g.log.Debug("abandoned request failed", zap.String("request_id", rec.RequestID), zap.Error(err))
			}
		}()
		g.log.Info("caller gave up, settling in background",
			zap.String("tenant_id", rec.TenantID),
			zap.String("request_id", rec.RequestID),
		)
		return nil, err
	}
	return g.settle(ctx, rec, ticket, res, err, &paid, start)
}

// settle charges the leader, releases everyone else and records usage.
// paid is only meaningful when res.Leader is set.
func (g *Gateway) settle(ctx context.Context, rec models.UsageRecord, ticket *admission.Ticket,
	res cache.Result, err error, paid *invoker.Result, start time.Time) (*models.CompletionResponse, error) {
	if err != nil {
		ticket.Release()
		rec.Cache = models.CacheMiss
		return nil, g.fail(ctx, rec, start, err)
	}

	e := res.Entry
	rec.PromptTokens = e.PromptTokens
	rec.CompletionTokens = e.CompletionTokens
	if res.Leader {
		ticket.Commit(ctx, paid.Cost)
		rec.Cost = paid.Cost
		rec.Cache = models.CacheMiss
		metrics.TokensTotal.WithLabelValues(rec.TenantID, "prompt").Add(float64(e.PromptTokens))
		metrics.TokensTotal.WithLabelValues(rec.TenantID, "completion").Add(float64(e.CompletionTokens))
	} else {
		ticket.Release()
		rec.Cache = models.CacheHit
	}

	g.record(ctx, rec, start)
	metrics.CompletionsTotal.WithLabelValues(rec.TenantID, string(rec.Cache)).Inc()
	metrics.CompletionDuration.WithLabelValues(string(rec.Cache)).Observe(g.now().Sub(start).Seconds())

	return &models.CompletionResponse{
		RequestID: rec.RequestID,
		Model:     rec.Model,
		Text:      string(e.Response),
		Cached:    !res.Leader,
		NearLimit: rec.NearLimit,
		Cost:      rec.Cost,
		Usage: models.Usage{
			PromptTokens:     e.PromptTokens,
			CompletionTokens: e.CompletionTokens,
			TotalTokens:      e.PromptTokens + e.CompletionTokens,
		},
	}, nil
}

// fail records a failed attempt and returns err.
func (g *Gateway) fail(ctx context.Context, rec models.UsageRecord, start time.Time, err error) error {
	rec.FailureReason = models.FailureReason(err)
	rec.Cost = 0
	g.record(ctx, rec, start)

	label := rec.TenantID
	if errors.Is(err, models.ErrTenantNotFound) {
		label = "unknown"
	}
	metrics.CompletionsTotal.WithLabelValues(label, rec.FailureReason).Inc()
	return err
}

func (g *Gateway) record(ctx context.Context, rec models.UsageRecord, start time.Time) {
	rec.LatencyMs = g.now().Sub(start).Milliseconds()
	if err := g.recorder.Record(ctx, rec); err != nil {
		g.log.Warn("usage record not written synchronously",
			zap.String("tenant_id", rec.TenantID),
			zap.String("request_id", rec.RequestID),
			zap.Error(err),
		)
	}
}

// Drain waits for requests abandoned by their callers to settle.
func (g *Gateway) Drain() {
	g.background.Wait()
}

// BudgetCheck returns the tenant's spend, limit, ratio and status.
func (g *Gateway) BudgetCheck(_ context.Context, tenantID string) (models.BudgetCheck, error) {
	return g.ledger.Check(tenantID)
}

// Budgets returns the budget view of every tenant ordered by id.
func (g *Gateway) Budgets(_ context.Context) ([]models.BudgetCheck, error) {
	tenants := g.ledger.List()
	out := make([]models.BudgetCheck, 0, len(tenants))
	for _, t := range tenants {
		bc, err := g.ledger.Check(t.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, bc)
	}
	return out, nil
}

// Override un-suspends a tenant, optionally with a new limit.
func (g *Gateway) Override(ctx context.Context, tenantID string, newLimit *float64) (models.Tenant, error) {
	t, err := g.ledger.Override(ctx, tenantID, newLimit)
	if err != nil {
		return models.Tenant{}, err
	}
	g.log.Info("budget override",
		zap.String("tenant_id", tenantID),
		zap.Float64("limit", t.Limit),
	)
	return t, nil
}

// Usage reads usage records for a time range.
func (g *Gateway) Usage(ctx context.Context, q models.UsageQuery) ([]models.UsageRecord, error) {
	return g.recorder.Query(ctx, q)
}

// CacheStats reports cache counters; the zero value when caching is off.
func (g *Gateway) CacheStats(ctx context.Context) (models.CacheStats, error) {
	if g.cache == nil {
		return models.CacheStats{}, nil
	}
	return g.cache.Stats(ctx)
}

func validate(req models.CompletionRequest) error {
	switch {
	case strings.TrimSpace(req.Model) == "":
		return fmt.Errorf("%w: model is required", models.ErrBadRequest)
	case strings.TrimSpace(req.Prompt) == "":
		return fmt.Errorf("%w: prompt is required", models.ErrBadRequest)
	case req.MaxTokens != nil && *req.MaxTokens < 0:
		return fmt.Errorf("%w: max_tokens must not be negative", models.ErrBadRequest)
	case req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2):
		return fmt.Errorf("%w: temperature must be between 0 and 2", models.ErrBadRequest)
	}
	return nil
}

type waiter interface {
	Wait(ctx context.Context) (cache.Result, error)
}

// direct runs a fill without caching, detached from the caller.
type direct struct {
	done chan struct{}
	res  cache.Result
	err  error
}

func startDirect(ctx context.Context, fill cache.Fill) *direct {
	d := &direct{done: make(chan struct{})}
	go func() {
		defer close(d.done)
		e, err := fill(context.WithoutCancel(ctx))
		d.res, d.err = cache.Result{Entry: e, Leader: true}, err
	}()
	return d
}

func (d *direct) Wait(ctx context.Context) (cache.Result, error) {
	select {
	case <-ctx.Done():
		return cache.Result{}, ctx.Err()
	case <-d.done:
		if d.err != nil {
			return cache.Result{}, d.err
		}
		return d.res, nil
	}
}
