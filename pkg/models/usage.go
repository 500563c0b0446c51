package models

import "time"

// CacheOutcome records whether a request was served from cache.
type CacheOutcome string

const (
	CacheHit  CacheOutcome = "hit"
	CacheMiss CacheOutcome = "miss"
	// CacheNone marks attempts that never reached the cache.
	CacheNone CacheOutcome = "none"
)

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageRecord is the append-only audit row written once per request attempt.
type UsageRecord struct {
	ID               string       `json:"id"`
	TenantID         string       `json:"tenant_id"`
	UserID           string       `json:"user_id,omitempty"`
	RequestID        string       `json:"request_id"`
	Model            string       `json:"model"`
	PromptTokens     int          `json:"prompt_tokens"`
	CompletionTokens int          `json:"completion_tokens"`
	Cost             float64      `json:"cost"`
	Cache            CacheOutcome `json:"cache"`
	NearLimit        bool         `json:"near_limit,omitempty"`
	LatencyMs        int64        `json:"latency_ms"`
	FailureReason    string       `json:"failure_reason,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// UsageQuery is a time-ranged read of usage records.
type UsageQuery struct {
	TenantID string
	Since    time.Time
	Until    time.Time
	Limit    int
}
