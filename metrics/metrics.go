// Package metrics provides the Prometheus collectors exported by execbox.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// ExecutionBuckets covers sub-second interpreter runs up to slow compiles.
var ExecutionBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

var (
	// ExecutionsTotal counts finished executions by language and outcome.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execbox_executions_total",
			Help: "Executions by language and outcome",
		},
		[]string{"language", "outcome"},
	)

	// StageDuration records compile and run stage wall time in seconds.
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "execbox_execution_duration_seconds",
			Help:    "Stage duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"language", "stage"},
	)

	// PolicyRejectionsTotal counts sources rejected by the static filter.
	PolicyRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execbox_policy_rejections_total",
			Help: "Policy rejections",
		},
		[]string{"language"},
	)

	// WorkspacesActive tracks workspaces that have been acquired and not yet released.
	WorkspacesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "execbox_workspaces_active",
			Help: "Live workspaces",
		},
	)

	// WorkspaceCleanupFailuresTotal counts workspace removals that failed.
	WorkspaceCleanupFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "execbox_workspace_cleanup_failures_total",
			Help: "Workspace cleanup failures",
		},
	)

	// HTTPRequestsTotal counts HTTP requests by method, route and status class.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execbox_http_requests_total",
			Help: "HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration records HTTP request duration in seconds.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "execbox_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"method", "route"},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "execbox_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ExecutionsTotal,
		StageDuration,
		PolicyRejectionsTotal,
		WorkspacesActive,
		WorkspaceCleanupFailuresTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RateLimitRejectedTotal,
	)
}
