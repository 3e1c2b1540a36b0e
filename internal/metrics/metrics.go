// ABOUTME: Prometheus metrics for logins, admission, tool invocations and LLM calls
// ABOUTME: Registered on the default registry via promauto and served on the metrics path

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway metrics
var (
	// Authentication
	LoginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgate_logins_total",
			Help: "Login attempts by result",
		},
		[]string{"result"}, // success, denied, locked, error
	)

	// Admission control
	AdmissionRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgate_admission_rejections_total",
			Help: "Requests refused before reaching a handler",
		},
		[]string{"reason"}, // degraded, concurrency
	)

	Degraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatgate_degraded",
			Help: "1 while the global degraded breaker is tripped",
		},
	)

	// Tools
	ToolInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgate_tool_invocations_total",
			Help: "Tool invocation attempts by outcome",
		},
		[]string{"tool", "outcome"}, // success, failure, denied
	)

	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatgate_tool_duration_seconds",
			Help:    "Time spent in the tool executor",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"tool"},
	)

	// LLM
	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgate_llm_requests_total",
			Help: "LLM calls by status",
		},
		[]string{"status"}, // ok, error, rate_limited
	)

	LLMRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatgate_llm_request_duration_seconds",
			Help:    "LLM backend latency",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	// Chat retention
	SessionsPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatgate_sessions_purged_total",
			Help: "Chat sessions removed by the retention janitor",
		},
	)
)

// SetDegraded mirrors the breaker state into the Degraded gauge.
func SetDegraded(degraded bool) {
	if degraded {
		Degraded.Set(1)
		return
	}
	Degraded.Set(0)
}
