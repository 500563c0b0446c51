// Package monitor sweeps tenant budgets on a schedule: it rolls periods
// over and turns threshold crossings into alerts and status changes.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pario-ai/tenantgate/pkg/alert"
	"github.com/pario-ai/tenantgate/pkg/ledger"
	"github.com/pario-ai/tenantgate/pkg/metrics"
	"github.com/pario-ai/tenantgate/pkg/models"
)

// Config controls thresholds and scheduling.
type Config struct {
	Schedule     string
	Thresholds   []int
	SoftLimitPct int
}

// Monitor is the only writer of suspended status.
type Monitor struct {
	ledger *ledger.Ledger
	store  alert.Store
	sink   alert.Sink
	cfg    Config
	log    *zap.Logger
}

// New creates a Monitor. store and sink may be nil.
func New(l *ledger.Ledger, store alert.Store, sink alert.Sink, cfg Config, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	th := append([]int(nil), cfg.Thresholds...)
	sort.Ints(th)
	cfg.Thresholds = th
	if cfg.SoftLimitPct <= 0 {
		cfg.SoftLimitPct = 90
	}
	return &Monitor{ledger: l, store: store, sink: sink, cfg: cfg, log: log}
}

// Report summarizes one scan.
type Report struct {
	RolledOver []string
	Alerts     []models.BudgetAlert
}

// Scan rolls over finished periods, then emits one alert for every
// threshold a tenant has newly crossed in its current period.
func (m *Monitor) Scan(ctx context.Context, now time.Time) Report {
	var rep Report
	rep.RolledOver = m.ledger.RollOver(ctx, now)
	for _, id := range rep.RolledOver {
		m.log.Info("budget period rolled over", zap.String("tenant_id", id))
	}

	for _, t := range m.ledger.List() {
		metrics.TenantSpend.WithLabelValues(t.ID).Set(t.Spend)
		if t.Limit <= 0 {
			continue
		}
		for _, pct := range m.cfg.Thresholds {
			if t.Spend*100 < t.Limit*float64(pct) {
				break
			}
			a, ok := m.claim(ctx, t, pct, now)
			if ok {
				rep.Alerts = append(rep.Alerts, a)
			}
		}
	}
	return rep
}

func (m *Monitor) claim(ctx context.Context, t models.Tenant, pct int, now time.Time) (models.BudgetAlert, bool) {
	claimed, err := m.ledger.MarkAlerted(ctx, t.ID, t.PeriodStart, pct, m.statusFor(pct))
	if err != nil {
		m.log.Warn("mark alerted failed", zap.String("tenant_id", t.ID), zap.Error(err))
		return models.BudgetAlert{}, false
	}
	if !claimed {
		return models.BudgetAlert{}, false
	}

	a := models.BudgetAlert{
		ID:           alert.NewID(),
		TenantID:     t.ID,
		ThresholdPct: pct,
		Ratio:        t.Spend / t.Limit,
		PeriodStart:  t.PeriodStart,
		CreatedAt:    now.UTC(),
	}
	if m.store != nil {
		inserted, err := m.store.Insert(ctx, a)
		if err != nil {
			m.log.Error("persist budget alert failed",
				zap.String("tenant_id", t.ID),
				zap.Int("threshold_pct", pct),
				zap.Error(err),
			)
		} else if !inserted {
			return models.BudgetAlert{}, false
		}
	}

	metrics.BudgetAlertsTotal.WithLabelValues(strconv.Itoa(pct)).Inc()
	if m.sink != nil {
		m.sink.Budget(ctx, a)
	}
	return a, true
}

func (m *Monitor) statusFor(pct int) models.TenantStatus {
	switch {
	case pct >= 100:
		return models.StatusSuspended
	case pct >= m.cfg.SoftLimitPct:
		return models.StatusNearLimit
	default:
		return models.StatusWarned
	}
}

// Run scans on the configured cron schedule until ctx is done. Overlapping
// runs are skipped.
func (m *Monitor) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{m.log.Sugar()})))
	if _, err := c.AddFunc(m.cfg.Schedule, func() { m.Scan(ctx, time.Now()) }); err != nil {
		return fmt.Errorf("schedule monitor %q: %w", m.cfg.Schedule, err)
	}
	m.log.Info("budget monitor started", zap.String("schedule", m.cfg.Schedule))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
