// Package metrics provides Prometheus instrumentation for the risk bridge.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicksTotal counts engine ticks per outcome (ok, stale, error).
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_ticks_total",
		Help: "Engine ticks by outcome",
	}, []string{"outcome"})

	// TickLatency tracks one account tick end to end.
	TickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_tick_latency_seconds",
		Help:    "Per-account tick latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// TicksSkipped counts ticks dropped because the account was still busy.
	TicksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_ticks_skipped_total",
		Help: "Ticks skipped because the previous tick for the account was still running",
	})

	// SyncFailures counts reconciliation syncs that fell back to the last good snapshot.
	SyncFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_sync_failures_total",
		Help: "Reconciliation syncs that could not reach the broker",
	}, []string{"account"})

	// ReconciliationEvents counts events by classification.
	ReconciliationEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_reconciliation_events_total",
		Help: "Reconciliation events by classification",
	}, []string{"classification"})

	// DrawdownPct is the latest drawdown per account.
	DrawdownPct = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bridge_drawdown_pct",
		Help: "Current drawdown from peak equity in percent",
	}, []string{"account"})

	// GuardAlerts counts persisted guard alerts.
	GuardAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_guard_alerts_total",
		Help: "Guard alerts by reason and severity",
	}, []string{"reason", "severity"})

	// CircuitState is 0 closed, 1 half-open, 2 open.
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bridge_broker_circuit_state",
		Help: "Broker circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"account"})

	// ClosesTotal counts resolved close commands.
	ClosesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_closes_total",
		Help: "Resolved close commands by reason, route and outcome",
	}, []string{"reason", "route", "outcome"})

	// HiddenLevelBreaches counts breaches detected by the monitor.
	HiddenLevelBreaches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_hidden_level_breaches_total",
		Help: "Hidden stop-loss / take-profit breaches",
	}, []string{"reason"})

	// PendingDirectives tracks directives waiting for an EA poll/ack.
	PendingDirectives = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_pending_directives",
		Help: "Directives queued for execution agents",
	})

	// DirectiveTimeouts counts directives that expired without an ack.
	DirectiveTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_directive_timeouts_total",
		Help: "Directives that expired unacknowledged",
	}, []string{"kind"})

	// DeviceAuthFailures counts rejected device requests.
	DeviceAuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_device_auth_failures_total",
		Help: "Rejected device requests by cause",
	}, []string{"cause"})

	// RegistrationRejections counts producer registrations refused by exposure limits.
	RegistrationRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_registration_rejections_total",
		Help: "Registrations rejected by the exposure limiter",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridge_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// CircuitValue maps a breaker state name onto the CircuitState gauge.
func CircuitValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	}
	return 0
}

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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
