// Package metrics exposes Prometheus collectors for the extraction service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal      *prometheus.CounterVec
	jobsTotal               *prometheus.CounterVec
	batchesCompletedTotal   prometheus.Counter
	activeJobs              prometheus.Gauge
	admissionWaitSeconds    prometheus.Histogram
	engineRestartsTotal     *prometheus.CounterVec
	engineMemoryMB          prometheus.Gauge
	sessionsLeased          prometheus.Gauge
	diagnosticReportsTotal  *prometheus.CounterVec
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDurationSecs *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediagrab_fetch_attempts_total",
				Help: "Fetch attempts, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediagrab_jobs_total",
				Help: "Jobs that reached a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		batchesCompletedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mediagrab_batches_completed_total",
				Help: "Batches that reached the complete status.",
			},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediagrab_active_jobs",
				Help: "Jobs currently executing their strategy chain.",
			},
		)

		admissionWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mediagrab_admission_wait_seconds",
				Help:    "Time spent waiting for an admission slot.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		engineRestartsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediagrab_engine_restarts_total",
				Help: "Rendering engine restarts, labeled by reason.",
			},
			[]string{"reason"},
		)

		engineMemoryMB = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediagrab_engine_memory_mb",
				Help: "Last sampled resident memory in MB.",
			},
		)

		sessionsLeased = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mediagrab_sessions_leased",
				Help: "Currently leased rendering sessions.",
			},
		)

		diagnosticReportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediagrab_diagnostic_reports_total",
				Help: "Diagnostic reports produced, labeled by verdict.",
			},
			[]string{"verdict"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetchAttempt counts one strategy attempt.
func ObserveFetchAttempt(strategy, outcome string) {
	fetchAttemptsTotal.WithLabelValues(strategy, outcome).Inc()
}

// ObserveJob counts a job reaching a terminal status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveBatchComplete counts a completed batch.
func ObserveBatchComplete() {
	batchesCompletedTotal.Inc()
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	activeJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	activeJobs.Dec()
}

// ObserveAdmissionWait records the duration of an admission wait.
func ObserveAdmissionWait(d time.Duration) {
	admissionWaitSeconds.Observe(d.Seconds())
}

// ObserveEngineRestart counts one engine restart for the given reason.
func ObserveEngineRestart(reason string) {
	engineRestartsTotal.WithLabelValues(reason).Inc()
}

// SetEngineMemoryMB records the last sampled resident memory.
func SetEngineMemoryMB(mb float64) {
	engineMemoryMB.Set(mb)
}

// SetSessionsLeased records the current lease count.
func SetSessionsLeased(n int) {
	sessionsLeased.Set(float64(n))
}

// ObserveDiagnosticReport counts one produced report.
func ObserveDiagnosticReport(structureValid bool) {
	verdict := "valid"
	if !structureValid {
		verdict = "invalid"
	}
	diagnosticReportsTotal.WithLabelValues(verdict).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecs.WithLabelValues(method, route).Observe(duration.Seconds())
}
