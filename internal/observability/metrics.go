package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "julesbot_http_requests_total",
			Help: "Total number of inbound HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "julesbot_http_request_duration_seconds",
			Help:    "Inbound HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	bridgeCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "julesbot_bridge_calls_total",
			Help: "Total number of remote tool calls",
		},
		[]string{"tool", "status"},
	)

	bridgeCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "julesbot_bridge_call_duration_seconds",
			Help:    "Remote tool call duration in seconds, discovery included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	sweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "julesbot_reconciler_sweeps_total",
			Help: "Total number of reconciliation sweeps",
		},
	)

	checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "julesbot_reconciler_checks_total",
			Help: "Total number of job status checks by outcome",
		},
		[]string{"outcome"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "julesbot_job_transitions_total",
			Help: "Total number of job status transitions",
		},
		[]string{"to"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "julesbot_notifications_total",
			Help: "Total number of outbound notifications",
		},
		[]string{"channel", "status"},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "julesbot_runs_total",
			Help: "Total number of decision loop runs",
		},
		[]string{"source", "status"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "julesbot_run_duration_seconds",
			Help:    "Decision loop run duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"source"},
	)

	initOnce sync.Once
)

// InitMetrics registers every collector with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			bridgeCallsTotal,
			bridgeCallDuration,
			sweepsTotal,
			checksTotal,
			transitionsTotal,
			notificationsTotal,
			runsTotal,
			runDuration,
		)
	})
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(method, route, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordBridgeCall(tool, status string, duration time.Duration) {
	bridgeCallsTotal.WithLabelValues(tool, status).Inc()
	bridgeCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordSweep() {
	sweepsTotal.Inc()
}

// RecordCheck counts one job check; outcome is transition, unchanged or error.
func RecordCheck(outcome string) {
	checksTotal.WithLabelValues(outcome).Inc()
}

func RecordTransition(to string) {
	transitionsTotal.WithLabelValues(to).Inc()
}

func RecordNotification(channel, status string) {
	notificationsTotal.WithLabelValues(channel, status).Inc()
}

func RecordRun(source, status string, duration time.Duration) {
	runsTotal.WithLabelValues(source, status).Inc()
	runDuration.WithLabelValues(source).Observe(duration.Seconds())
}
