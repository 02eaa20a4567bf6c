// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qcut_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qcut_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Handle manager metrics
var (
	HandlesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qcut_handles_active",
			Help: "Number of media handles currently held by the manager",
		},
	)

	HandlesReferenced = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qcut_handles_referenced",
			Help: "Number of media handles with a non-zero reference count",
		},
	)

	HandlesRevokedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qcut_handles_revoked_total",
			Help: "Total number of media handles destroyed, by reason",
		},
		[]string{"reason"}, // "sweep", "force", "shutdown"
	)

	ExportLockCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qcut_export_lock_count",
			Help: "Current value of the export lock counter",
		},
	)
)

// Export metrics
var (
	ExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qcut_exports_total",
			Help: "Total number of exports, by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	ExportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qcut_export_duration_seconds",
			Help:    "Wall-clock duration of exports in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		},
		[]string{"mode"},
	)

	ExportsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qcut_exports_in_flight",
			Help: "Number of transcoder runs currently executing",
		},
	)
)

// Export outcome label values. Cancellations are counted separately from
// failures.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeTimeout   = "timeout"
)

// Revocation reason label values.
const (
	ReasonSweep    = "sweep"
	ReasonForce    = "force"
	ReasonShutdown = "shutdown"
)

// InitializeMetrics pre-populates the expected label combinations so every
// series is exported from the first scrape.
func InitializeMetrics(modes []string) {
	for _, reason := range []string{ReasonSweep, ReasonForce, ReasonShutdown} {
		HandlesRevokedTotal.WithLabelValues(reason)
	}
	for _, mode := range modes {
		ExportDuration.WithLabelValues(mode)
		for _, outcome := range []string{OutcomeSuccess, OutcomeFailed, OutcomeCancelled, OutcomeTimeout} {
			ExportsTotal.WithLabelValues(mode, outcome)
		}
	}
}
