package models

import "time"

// BudgetAlert is emitted once per threshold crossing per period.
type BudgetAlert struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	ThresholdPct int       `json:"threshold_pct"`
	Ratio        float64   `json:"ratio"`
	PeriodStart  time.Time `json:"period_start"`
	CreatedAt    time.Time `json:"created_at"`
	Acknowledged bool      `json:"acknowledged"`
}

// OperationalAlert reports a failure of the gateway itself.
type OperationalAlert struct {
	Kind      string    `json:"kind"`
	TenantID  string    `json:"tenant_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// AlertQuery filters stored budget alerts.
type AlertQuery struct {
	TenantID       string
	Unacknowledged bool
	Limit          int
}
