// Package admission gates requests against tenant budgets before any
// model spend is incurred.
package admission

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/pario-ai/tenantgate/pkg/ledger"
	"github.com/pario-ai/tenantgate/pkg/metrics"
	"github.com/pario-ai/tenantgate/pkg/models"
	"github.com/pario-ai/tenantgate/pkg/normalize"
)

// Pricer looks up the price of a model.
type Pricer interface {
	Price(model string) (models.ModelPricing, bool)
}

// Controller admits requests and reserves the estimated cost of the ones
// that reach the model.
type Controller struct {
	ledger           *ledger.Ledger
	pricer           Pricer
	softLimitPct     int
	defaultMaxTokens int
	log              *zap.Logger
}

// New creates a Controller. softLimitPct is the spend percentage at which
// admitted requests are flagged near-limit.
func New(l *ledger.Ledger, p Pricer, softLimitPct, defaultMaxTokens int, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		ledger:           l,
		pricer:           p,
		softLimitPct:     softLimitPct,
		defaultMaxTokens: defaultMaxTokens,
		log:              log,
	}
}

// Ticket is an admitted request's claim on its tenant's budget. The
// estimate is held only once Reserve succeeds, right before the model call,
// so requests answered from the cache never hold any budget.
type Ticket struct {
	c         *Controller
	tc        models.TenantContext
	nearLimit bool
	res       atomic.Pointer[ledger.Reservation]
}

// NearLimit reports whether the tenant was at or above the soft limit.
func (t *Ticket) NearLimit() bool { return t.nearLimit }

// Estimate returns the amount held by Reserve, or 0 before it.
func (t *Ticket) Estimate() float64 {
	if r := t.res.Load(); r != nil {
		return r.Amount()
	}
	return 0
}

// Reserve holds estimate against the tenant's budget. It fails with
// ErrBudgetExceeded when spend, outstanding reservations and estimate
// together exceed the limit. A ticket reserves at most once.
func (t *Ticket) Reserve(ctx context.Context, estimate float64) error {
	if t.res.Load() != nil {
		return fmt.Errorf("admit %s: ticket already holds a reservation", t.tc.TenantID)
	}
	r, err := t.c.ledger.Reserve(ctx, t.tc.TenantID, estimate, t.c.softLimitPct)
	if err != nil {
		return t.c.rejected(t.tc, estimate, err)
	}
	t.res.Store(r)
	return nil
}

// Commit charges the actual cost. Only the first Commit or Release counts,
// and neither does anything before Reserve.
func (t *Ticket) Commit(ctx context.Context, actual float64) {
	if r := t.res.Load(); r != nil {
		r.Commit(ctx, actual)
	}
}

// Release returns the reservation without charging.
func (t *Ticket) Release() {
	if r := t.res.Load(); r != nil {
		r.Release()
	}
}

// Estimate prices a request before it runs: prompt tokens are approximated
// from the normalized prompt and completion tokens by maxTokens, or the
// configured default when maxTokens is nil. Models missing from the price
// table fail with ErrModelNotPriced.
func (c *Controller) Estimate(model, normalizedPrompt string, maxTokens *int) (float64, error) {
	p, ok := c.pricer.Price(model)
	if !ok {
		return 0, fmt.Errorf("%w: %s", models.ErrModelNotPriced, model)
	}
	return p.Cost(normalize.EstimateTokens(normalizedPrompt), c.MaxTokens(maxTokens)), nil
}

// MaxTokens returns the completion bound for a request: maxTokens when
// set, the configured default otherwise.
func (c *Controller) MaxTokens(maxTokens *int) int {
	if maxTokens != nil && *maxTokens > 0 {
		return *maxTokens
	}
	return c.defaultMaxTokens
}

// Admit gates tc ahead of the cache. Rejections are terminal:
// ErrBudgetExceeded once spend has reached the limit, ErrTenantSuspended or
// ErrTenantNotFound. Nothing is held until Ticket.Reserve.
func (c *Controller) Admit(ctx context.Context, tc models.TenantContext) (*Ticket, error) {
	near, err := c.ledger.Gate(ctx, tc.TenantID, c.softLimitPct)
	if err != nil {
		return nil, c.rejected(tc, 0, err)
	}
	if near {
		c.log.Debug("admitted near limit", zap.String("tenant_id", tc.TenantID))
	}
	return &Ticket{c: c, tc: tc, nearLimit: near}, nil
}

func (c *Controller) rejected(tc models.TenantContext, estimate float64, err error) error {
	reason := models.FailureReason(err)
	metrics.AdmissionRejectionsTotal.WithLabelValues(tc.TenantID, reason).Inc()
	c.log.Info("admission rejected",
		zap.String("tenant_id", tc.TenantID),
		zap.Float64("estimate", estimate),
		zap.String("reason", reason),
	)
	return fmt.Errorf("admit %s: %w", tc.TenantID, err)
}
