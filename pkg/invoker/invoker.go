package invoker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/tenantgate/pkg/metrics"
	"github.com/pario-ai/tenantgate/pkg/models"
)

// Result is a priced completion.
type Result struct {
	Text             string
	Model            string
	Provider         string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	Attempts         int
}

// Options bounds retries.
type Options struct {
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Invoker calls backends through the router, retrying transient failures.
type Invoker struct {
	router  *Router
	pricing *Pricing
	opts    Options
	log     *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates an Invoker.
func New(r *Router, p *Pricing, opts Options, log *zap.Logger) *Invoker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Invoker{router: r, pricing: p, opts: opts, log: log, sleep: sleepCtx}
}

// Pricing returns the invoker's price table.
func (inv *Invoker) Pricing() *Pricing { return inv.pricing }

// Invoke runs call against the routes for call.Model. Calls are billed at
// the price of the requested model; unpriced models fail with
// ErrModelNotPriced before any backend is called. Each attempt walks
// the fallback chain; rejections stop immediately with ErrInvokerRejected,
// and transient failures are retried with exponential backoff until
// MaxAttempts, then surface as ErrModelCallFailed.
func (inv *Invoker) Invoke(ctx context.Context, call Call) (Result, error) {
	price, ok := inv.pricing.Price(call.Model)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", models.ErrModelNotPriced, call.Model)
	}
	routes, err := inv.router.Resolve(call.Model)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", models.ErrInvokerRejected, err)
	}

	var last error
	for attempt := 1; attempt <= inv.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := inv.sleep(ctx, inv.backoff(attempt-1)); err != nil {
				return Result{}, fmt.Errorf("%w: %w", models.ErrModelCallFailed, last)
			}
		}
		for _, route := range routes {
			comp, err := inv.attempt(ctx, route, call)
			if err == nil {
				return Result{
					Text:             comp.Text,
					Model:            call.Model,
					Provider:         route.Backend.Name(),
					PromptTokens:     comp.PromptTokens,
					CompletionTokens: comp.CompletionTokens,
					Cost:             price.Cost(comp.PromptTokens, comp.CompletionTokens),
					Attempts:         attempt,
				}, nil
			}
			if !retryable(err) {
				return Result{}, err
			}
			last = err
			inv.log.Warn("model call failed",
				zap.String("provider", route.Backend.Name()),
				zap.String("model", route.Model),
				zap.String("request_id", call.RequestID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
	}
	return Result{}, fmt.Errorf("%w after %d attempts: %w", models.ErrModelCallFailed, inv.opts.MaxAttempts, last)
}

func (inv *Invoker) attempt(ctx context.Context, route Route, call Call) (Completion, error) {
	actx := ctx
	if inv.opts.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, inv.opts.Timeout)
		defer cancel()
	}
	c := call
	c.Model = route.Model

	start := time.Now()
	comp, err := route.Backend.Complete(actx, c)
	provider := route.Backend.Name()
	metrics.InvocationDuration.WithLabelValues(provider, route.Model).Observe(time.Since(start).Seconds())

	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvokerRejected),
			errors.Is(err, models.ErrInvokerTimeout),
			errors.Is(err, models.ErrInvokerUnavailable):
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			err = fmt.Errorf("%w: %s after %s", models.ErrInvokerTimeout, provider, inv.opts.Timeout)
		default:
			err = fmt.Errorf("%w: %s: %w", models.ErrInvokerUnavailable, provider, err)
		}
		metrics.InvocationsTotal.WithLabelValues(provider, route.Model, models.FailureReason(err)).Inc()
		return Completion{}, err
	}
	metrics.InvocationsTotal.WithLabelValues(provider, route.Model, "ok").Inc()
	return comp, nil
}

// backoff returns the wait before retry n (1-based).
func (inv *Invoker) backoff(n int) time.Duration {
	d := inv.opts.InitialBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if inv.opts.MaxBackoff > 0 && d >= inv.opts.MaxBackoff {
			return inv.opts.MaxBackoff
		}
	}
	if inv.opts.MaxBackoff > 0 && d > inv.opts.MaxBackoff {
		return inv.opts.MaxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
