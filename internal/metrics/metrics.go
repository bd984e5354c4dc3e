// Package metrics exposes the Prometheus gauges/counters/histograms
// described in SPEC_FULL.md §11's dependency table, one per funnel
// component that needs outside observability.
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
	// RequestsTotal counts upstream MCP HTTP requests (when the Request
	// Dispatcher is reached over HTTP/SSE rather than stdio).
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnel_requests_total",
			Help: "Total number of upstream HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks upstream request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "funnel_request_duration_seconds",
			Help:    "Upstream request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ServerState tracks each Target Server Connection's
	// ServerConnectionState (spec §3): 0=disconnected, 1=connecting,
	// 2=connected, 3=error.
	ServerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "funnel_server_state",
			Help: "Current ServerConnectionState of a child server (0=disconnected,1=connecting,2=connected,3=error)",
		},
		[]string{"server"},
	)

	// ReconnectAttemptsTotal counts Reconnection Manager attempts (spec §4.1).
	ReconnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnel_reconnect_attempts_total",
			Help: "Total number of reconnection attempts",
		},
		[]string{"server", "outcome"},
	)

	// ToolCallsTotal counts tools/call forwards through the Request
	// Dispatcher (spec §4.11).
	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnel_tool_calls_total",
			Help: "Total number of MCP tool calls forwarded to child servers",
		},
		[]string{"server", "tool", "status"},
	)

	// DebugSessionsActive tracks currently active Debug Sessions (spec §4.6).
	DebugSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "funnel_debug_sessions_active",
			Help: "Number of currently active debug sessions",
		},
	)

	// CDPRequestDuration tracks CDP Client round-trip latency (spec §4.4).
	CDPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "funnel_cdp_request_duration_seconds",
			Help:    "CDP command round-trip duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method"},
	)

	// OutputBufferDrops counts Output Buffer evictions under pressure
	// (spec: Output Buffer, Component §2 L1).
	OutputBufferDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnel_output_buffer_drops_total",
			Help: "Total number of output entries dropped due to buffer overflow",
		},
		[]string{"session_id"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality.
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/mcp", "/mcp/", "/metrics":
		return path
	default:
		if len(path) > 5 && path[:5] == "/mcp/" {
			return "/mcp"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ServerConnectionState mirrors spec §3's enum for RecordServerState's
// caller convenience.
type ServerConnectionState int

const (
	StateDisconnected ServerConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

// RecordServerState sets the gauge for a child server's current state.
func RecordServerState(server string, state ServerConnectionState) {
	ServerState.WithLabelValues(server).Set(float64(state))
}

// RecordReconnectAttempt records one Reconnection Manager attempt.
func RecordReconnectAttempt(server, outcome string) {
	ReconnectAttemptsTotal.WithLabelValues(server, outcome).Inc()
}

// RecordToolCall records a forwarded tools/call invocation.
func RecordToolCall(server, tool, status string) {
	ToolCallsTotal.WithLabelValues(server, tool, status).Inc()
}

// RecordDebugSessionStart increments the active debug session gauge.
func RecordDebugSessionStart() {
	DebugSessionsActive.Inc()
}

// RecordDebugSessionEnd decrements the active debug session gauge.
func RecordDebugSessionEnd() {
	DebugSessionsActive.Dec()
}

// RecordCDPRequest observes a CDP command's round-trip duration.
func RecordCDPRequest(method string, durationSeconds float64) {
	CDPRequestDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordOutputDrop records an Output Buffer eviction.
func RecordOutputDrop(sessionID string) {
	OutputBufferDrops.WithLabelValues(sessionID).Inc()
}
