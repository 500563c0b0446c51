// Package metrics defines the gateway's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "tenantgate"

// HTTP metrics.
var (
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

// Gateway metrics.
var (
	CompletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Completion requests by tenant and outcome",
		},
		[]string{"tenant", "outcome"},
	)

	CompletionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "End-to-end completion latency",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"cache"},
	)

	AdmissionRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Requests rejected before invocation",
		},
		[]string{"tenant", "reason"},
	)

	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result",
		},
		[]string{"result"}, // hit / miss / coalesced
	)
)

// Invoker metrics.
var (
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Model backend calls by provider, model and status",
		},
		[]string{"provider", "model", "status"},
	)

	InvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Model backend call duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed by tenant and type",
		},
		[]string{"tenant", "type"}, // prompt / completion
	)
)

// Budget and usage metrics.
var (
	TenantSpend = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tenant_spend",
			Help:      "Committed spend in the current period",
		},
		[]string{"tenant"},
	)

	BudgetAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_alerts_total",
			Help:      "Budget alerts emitted by threshold",
		},
		[]string{"threshold"},
	)

	UsageWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_write_failures_total",
			Help:      "Synchronous usage record writes that failed",
		},
	)

	UsageSpooledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_spooled_total",
			Help:      "Usage records written to the fallback spool",
		},
	)

	UsageRetryQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "usage_retry_queue_depth",
			Help:      "Usage records waiting for redelivery",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestDuration,
		HTTPRequestsTotal,
		CompletionsTotal,
		CompletionDuration,
		AdmissionRejectionsTotal,
		CacheLookupsTotal,
		InvocationsTotal,
		InvocationDuration,
		TokensTotal,
		TenantSpend,
		BudgetAlertsTotal,
		UsageWriteFailuresTotal,
		UsageSpooledTotal,
		UsageRetryQueueDepth,
	)
}
