package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"

	"github.com/pario-ai/tenantgate/pkg/models"
)

// WebhookSink POSTs alerts as JSON. An optional filter expression decides
// which alerts are sent, e.g. `type == "budget" && threshold >= 90`.
// Filters see type, kind, tenant, request_id, threshold, ratio and detail.
type WebhookSink struct {
	url    string
	client *http.Client
	filter *vm.Program
	log    *zap.Logger
}

// WebhookPayload is the JSON body sent for every alert.
type WebhookPayload struct {
	Type      string    `json:"type"` // budget / operational
	Kind      string    `json:"kind,omitempty"`
	AlertID   string    `json:"alert_id,omitempty"`
	TenantID  string    `json:"tenant_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Threshold int       `json:"threshold_pct,omitempty"`
	Ratio     float64   `json:"ratio,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Period    time.Time `json:"period_start,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewWebhookSink creates a WebhookSink. filter may be empty.
func NewWebhookSink(url, filter string, timeout time.Duration, log *zap.Logger) (*WebhookSink, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
	if filter != "" {
		program, err := expr.Compile(filter, expr.Env(filterEnv(WebhookPayload{})), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile webhook filter: %w", err)
		}
		s.filter = program
	}
	return s, nil
}

func (s *WebhookSink) Budget(ctx context.Context, a models.BudgetAlert) {
	s.send(ctx, WebhookPayload{
		Type:      "budget",
		AlertID:   a.ID,
		TenantID:  a.TenantID,
		Threshold: a.ThresholdPct,
		Ratio:     a.Ratio,
		Period:    a.PeriodStart,
		CreatedAt: a.CreatedAt,
	})
}

func (s *WebhookSink) Operational(ctx context.Context, a models.OperationalAlert) {
	s.send(ctx, WebhookPayload{
		Type:      "operational",
		Kind:      a.Kind,
		TenantID:  a.TenantID,
		RequestID: a.RequestID,
		Detail:    a.Detail,
		CreatedAt: a.CreatedAt,
	})
}

func (s *WebhookSink) send(ctx context.Context, p WebhookPayload) {
	ok, err := s.match(p)
	if err != nil {
		s.log.Warn("webhook filter failed", zap.String("type", p.Type), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if err := s.post(ctx, p); err != nil {
		s.log.Warn("webhook delivery failed",
			zap.String("type", p.Type),
			zap.String("tenant_id", p.TenantID),
			zap.Error(err),
		)
	}
}

func (s *WebhookSink) match(p WebhookPayload) (bool, error) {
	if s.filter == nil {
		return true, nil
	}
	out, err := expr.Run(s.filter, filterEnv(p))
	if err != nil {
		return false, err
	}
	b, _ := out.(bool)
	return b, nil
}

func filterEnv(p WebhookPayload) map[string]any {
	return map[string]any{
		"type":       p.Type,
		"kind":       p.Kind,
		"tenant":     p.TenantID,
		"request_id": p.RequestID,
		"threshold":  p.Threshold,
		"ratio":      p.Ratio,
		"detail":     p.Detail,
	}
}

func (s *WebhookSink) post(ctx context.Context, p WebhookPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
