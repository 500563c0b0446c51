// Package alert delivers budget and operational alerts.
package alert

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pario-ai/tenantgate/pkg/models"
)

// ErrNotFound is returned when acknowledging an unknown alert.
var ErrNotFound = errors.New("alert not found")

// Sink receives alerts. Delivery is best-effort; sinks log their own
// failures.
type Sink interface {
	Budget(ctx context.Context, a models.BudgetAlert)
	Operational(ctx context.Context, a models.OperationalAlert)
}

// Store persists budget alerts.
type Store interface {
	// Insert stores a and reports false if an alert for the same tenant,
	// threshold and period already exists.
	Insert(ctx context.Context, a models.BudgetAlert) (bool, error)
	List(ctx context.Context, q models.AlertQuery) ([]models.BudgetAlert, error)
	Ack(ctx context.Context, id string) error
	Close() error
}

// NewID returns a new alert id.
func NewID() string {
	return uuid.NewString()
}

// LogSink writes alerts to a zap logger.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Budget(_ context.Context, a models.BudgetAlert) {
	s.log.Warn("budget threshold crossed",
		zap.String("alert_id", a.ID),
		zap.String("tenant_id", a.TenantID),
		zap.Int("threshold_pct", a.ThresholdPct),
		zap.Float64("ratio", a.Ratio),
		zap.Time("period_start", a.PeriodStart),
	)
}

func (s *LogSink) Operational(_ context.Context, a models.OperationalAlert) {
	s.log.Error("operational alert",
		zap.String("kind", a.Kind),
		zap.String("tenant_id", a.TenantID),
		zap.String("request_id", a.RequestID),
		zap.String("detail", a.Detail),
	)
}

// Multi fans alerts out to every sink in order.
type Multi []Sink

func (m Multi) Budget(ctx context.Context, a models.BudgetAlert) {
	for _, s := range m {
		s.Budget(ctx, a)
	}
}

func (m Multi) Operational(ctx context.Context, a models.OperationalAlert) {
	for _, s := range m {
		s.Operational(ctx, a)
	}
}
