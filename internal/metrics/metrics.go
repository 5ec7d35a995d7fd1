// Package metrics declares the Prometheus series the transfer engine
// exposes on /metrics, grouped by the component that owns them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transfer Engine (C6)

	ExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "transferengine",
		Name:      "execution_duration_seconds",
		Help:      "Duration of one task execution, by outcome.",
		Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"outcome"})

	ExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transferengine",
		Name:      "executions_total",
		Help:      "Total task executions, by outcome.",
	}, []string{"outcome"})

	RowsProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transferengine",
		Name:      "rows_processed_total",
		Help:      "Rows handled during extraction/insertion, by stage.",
	}, []string{"stage"})

	DuplicatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "transferengine",
		Name:      "duplicates_total",
		Help:      "Total duplicate-key rejections across every execution.",
	})

	ExecutionsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "transferengine",
		Name:      "executions_in_flight",
		Help:      "Number of task executions currently running.",
	})

	// Scheduler (C8)

	SchedulerTriggersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transferengine",
		Name:      "scheduler_triggers_total",
		Help:      "Scheduler-initiated executions, by trigger source (auto, manual).",
	}, []string{"source"})

	// Connection Supervisor (C2)

	ConnectionAcquireFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transferengine",
		Name:      "connection_acquire_failures_total",
		Help:      "Acquire attempts that exhausted retries, by server.",
	}, []string{"server"})

	// Health Monitor (C9). HealthCheckUp itself is owned and registered by
	// health.NewChecker, mirrored from the teacher's Checker constructor.

	RecoveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transferengine",
		Name:      "recovery_attempts_total",
		Help:      "Recovery attempts by the health monitor, by target and outcome.",
	}, []string{"target", "outcome"})

	// HTTP surface (opshttp)

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "transferengine",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transferengine",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

// Register registers every series owned directly by this package.
// health.NewChecker registers its own health_check_up gauge against the
// registerer it is given, mirrored from the teacher's Checker.
func Register() {
	prometheus.MustRegister(
		ExecutionDuration,
		ExecutionsTotal,
		RowsProcessedTotal,
		DuplicatesTotal,
		ExecutionsInFlight,
		SchedulerTriggersTotal,
		ConnectionAcquireFailuresTotal,
		RecoveryAttemptsTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

// NewServer returns a standalone metrics-only HTTP server, grounded on the
// teacher's metrics.NewServer. The transfer engine instead mounts /metrics
// on the same opshttp router as health and manual-trigger, but this is kept
// for parity with the teacher's deployment shape when metrics need to be
// split onto their own port.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
