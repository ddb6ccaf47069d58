// Package metrics provides Prometheus instrumentation for the trading engine.
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
	// DecisionsTotal counts NPC decisions, partitioned by action and outcome.
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "babylon_decisions_total",
		Help: "Total NPC decisions processed",
	}, []string{"action", "status"})

	// DecisionLatency tracks decision execution latency.
	DecisionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "babylon_decision_latency_seconds",
		Help:    "Decision execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// PositionsOpened counts positions opened, by market type.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "babylon_positions_opened_total",
		Help: "Total positions opened",
	}, []string{"market_type"})

	// PositionsClosed counts positions closed, by market type and whether
	// the closure was manual or forced by the liquidation sweep.
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "babylon_positions_closed_total",
		Help: "Total positions closed",
	}, []string{"market_type", "kind"})

	// ForcedClosures counts liquidation-sweep closures.
	ForcedClosures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "babylon_forced_closures_total",
		Help: "Positions force-closed by the liquidation sweep",
	})

	// ExposureRejections counts opens rejected by the risk limiter.
	ExposureRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "babylon_exposure_rejections_total",
		Help: "Opens rejected by exposure limits",
	})

	// DepositsTotal counts investor deposits.
	DepositsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "babylon_deposits_total",
		Help: "Total investor deposits",
	})

	// WithdrawalsTotal counts investor withdrawals.
	WithdrawalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "babylon_withdrawals_total",
		Help: "Total investor withdrawals",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "babylon_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "babylon_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "babylon_http_request_duration_seconds",
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
