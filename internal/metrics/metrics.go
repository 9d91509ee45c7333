// Package metrics provides Prometheus instrumentation for the order engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AlertsTotal counts alerts processed, partitioned by signal.
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvalert_alerts_total",
		Help: "Total number of alerts processed",
	}, []string{"signal"})

	// PlacementsTotal counts per-account placement outcomes.
	// outcome: placed / rejected / failed
	PlacementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvalert_placements_total",
		Help: "Per-account order placement outcomes",
	}, []string{"outcome"})

	// BrokerCallDuration tracks broker REST call latency per operation.
	BrokerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tvalert_broker_call_duration_seconds",
		Help:    "Broker REST call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// RebaseQueueDepth tracks the number of items waiting for rebase.
	RebaseQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tvalert_rebase_queue_depth",
		Help: "Number of queued TP/SL corrections",
	})

	// RebaseOutcomesTotal counts terminal rebase outcomes.
	// outcome: corrected / skipped / exhausted
	RebaseOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvalert_rebase_outcomes_total",
		Help: "Terminal rebase outcomes",
	}, []string{"outcome"})

	// RebasePollAttempts observes how many polls an item needed before
	// reaching a terminal state.
	RebasePollAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tvalert_rebase_poll_attempts",
		Help:    "Poll attempts consumed per rebase item",
		Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 10, 15},
	})

	// DuplicateBlocksTotal counts placements blocked by the daily guard.
	DuplicateBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tvalert_duplicate_blocks_total",
		Help: "Placements blocked by the duplicate-ticker guard",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tvalert_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tvalert_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
