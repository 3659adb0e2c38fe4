package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the Router exposes on /metrics.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	RunsByState        *prometheus.GaugeVec
	RunsCreatedTotal   prometheus.Counter
	RunsCanceledTotal  prometheus.Counter

	IndexerRebuildsTotal    prometheus.Counter
	IndexerRebuildDuration  prometheus.Histogram
	IndexerReconciledTotal  prometheus.Counter
}

// NewMetrics registers every collector under the given namespace. Call this
// once; promauto panics on double-registration.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests handled.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "HTTP requests currently being served.",
			},
		),
		RunsByState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_by_state",
				Help:      "Number of runs currently in each state, per the last snapshot.",
			},
			[]string{"state"},
		),
		RunsCreatedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_created_total",
				Help:      "Total runs accepted by POST /runs.",
			},
		),
		RunsCanceledTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_canceled_total",
				Help:      "Total POST /runs/{id}/cancel calls that changed state.",
			},
		),
		IndexerRebuildsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "indexer_rebuilds_total",
				Help:      "Total SQLite snapshot rebuilds completed.",
			},
		),
		IndexerRebuildDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "indexer_rebuild_duration_seconds",
				Help:      "Duration of each snapshot rebuild pass.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
		),
		IndexerReconciledTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "indexer_reconciled_total",
				Help:      "Total runs moved to SYSTEM_ERROR by crash-recovery reconciliation.",
			},
		),
	}
}

// MetricsMiddleware records request count/latency for every request that
// reaches next, keyed by a low-cardinality path template.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath collapses a run_id into a placeholder so per-run cardinality
// doesn't leak into the metric label set.
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/runs/"):
		rest := strings.TrimPrefix(path, "/runs/")
		if rest == "" {
			return path
		}
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) == 1 {
			return "/runs/{id}"
		}
		return "/runs/{id}/" + parts[1]
	default:
		return path
	}
}

// MetricsHandler serves the Prometheus text exposition format.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// SetStateCounts replaces the runs_by_state gauge vector with a fresh
// snapshot. Satisfies indexer.MetricsSink.
func (m *Metrics) SetStateCounts(counts map[string]int) {
	m.RunsByState.Reset()
	for state, n := range counts {
		m.RunsByState.WithLabelValues(state).Set(float64(n))
	}
}

// RecordRebuild records one completed snapshot rebuild pass. Satisfies
// indexer.MetricsSink.
func (m *Metrics) RecordRebuild(d time.Duration) {
	m.IndexerRebuildsTotal.Inc()
	m.IndexerRebuildDuration.Observe(d.Seconds())
}

// RecordReconciled records how many runs a crash-recovery pass moved to
// SYSTEM_ERROR. Satisfies indexer.MetricsSink.
func (m *Metrics) RecordReconciled(n int) {
	m.IndexerReconciledTotal.Add(float64(n))
}

// RecordCreated records one run accepted by POST /runs. Satisfies
// run.MetricsSink.
func (m *Metrics) RecordCreated() {
	m.RunsCreatedTotal.Inc()
}

// RecordCanceled records one run canceled via POST /runs/{id}/cancel.
// Satisfies run.MetricsSink.
func (m *Metrics) RecordCanceled() {
	m.RunsCanceledTotal.Inc()
}
