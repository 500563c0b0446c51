package models

import "time"

// TenantStatus is the budget state of a tenant within the current period.
type TenantStatus string

const (
	StatusActive    TenantStatus = "active"
	StatusWarned    TenantStatus = "warned"
	StatusNearLimit TenantStatus = "near_limit"
	StatusSuspended TenantStatus = "suspended"
)

// Rank orders statuses along the forward transition path.
func (s TenantStatus) Rank() int {
	switch s {
	case StatusWarned:
		return 1
	case StatusNearLimit:
		return 2
	case StatusSuspended:
		return 3
	default:
		return 0
	}
}

// Isolation is the opaque handle the invoker uses to route to
// tenant-specific compute and data.
type Isolation struct {
	Namespace string `json:"namespace" yaml:"namespace"`
	Compute   string `json:"compute,omitempty" yaml:"compute"`
	Role      string `json:"role,omitempty" yaml:"role"`
}

// Tenant is a budgeted, isolated customer unit.
type Tenant struct {
	ID          string       `json:"id"`
	Isolation   Isolation    `json:"isolation"`
	Limit       float64      `json:"limit"`
	Spend       float64      `json:"spend"`
	Status      TenantStatus `json:"status"`
	PeriodStart time.Time    `json:"period_start"`
	// AlertedPct is the highest threshold already alerted in this period.
	AlertedPct int `json:"alerted_pct"`
}

// TenantContext is the immutable per-request view of a tenant.
type TenantContext struct {
	TenantID  string
	UserID    string
	Isolation Isolation
}

// BudgetCheck is the tooling view of a tenant's budget.
type BudgetCheck struct {
	TenantID    string       `json:"tenant_id"`
	Spend       float64      `json:"spend"`
	Reserved    float64      `json:"reserved"`
	Limit       float64      `json:"limit"`
	Ratio       float64      `json:"ratio"`
	Status      TenantStatus `json:"status"`
	PeriodStart time.Time    `json:"period_start"`
}
