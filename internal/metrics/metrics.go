// Package metrics provides Prometheus instrumentation for the broker engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersPlaced counts admitted orders, partitioned by kind and side.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_orders_placed_total",
		Help: "Total number of orders admitted",
	}, []string{"kind", "side"})

	// OrdersExecuted counts filled orders, partitioned by kind and side.
	OrdersExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_orders_executed_total",
		Help: "Total number of orders executed",
	}, []string{"kind", "side"})

	// OrdersCancelled counts cancellations by reason (user, fill_failed).
	OrdersCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_orders_cancelled_total",
		Help: "Total number of orders cancelled",
	}, []string{"reason"})

	// PassDuration tracks scheduled pass runtime by pass name.
	PassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_pass_duration_seconds",
		Help:    "Scheduled pass duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"pass"})

	// SnapshotFailures counts net-worth snapshots abandoned after retries.
	SnapshotFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_snapshot_failures_total",
		Help: "Net-worth snapshots skipped because prices stayed unavailable",
	})

	// SnapshotsDecimated counts history rows removed by the decimator.
	SnapshotsDecimated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_snapshots_decimated_total",
		Help: "Net-worth history rows removed by decimation",
	})

	// CompensationFailures counts compensating ledger writes that failed
	// after a lost fill race, by action (buy_refund, sell_restore). Any
	// non-zero value means cash or shares need manual reconciliation.
	CompensationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_compensation_failures_total",
		Help: "Failed compensating writes after a lost fill race",
	}, []string{"action"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
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

		// Use the route pattern for the path label to avoid high cardinality:
		// /users/{userID}/depot is one series, not one per user.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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
