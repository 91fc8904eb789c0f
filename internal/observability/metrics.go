package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the orchestrator.
//
// It tracks:
//   - Tool dispatch outcomes and latencies
//   - Agent run outcomes, durations and poll counts
//   - Thread lifecycle (created, evicted, reset)
//   - Safety rejections by error code
//   - SQL gateway round trips
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordToolDispatch("delete_table_rows", "error", time.Since(start).Seconds())
type Metrics struct {
	// ToolDispatchCounter counts tool dispatches.
	// Labels: tool, status (success|error)
	ToolDispatchCounter *prometheus.CounterVec

	// ToolDispatchDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDispatchDuration *prometheus.HistogramVec

	// RunPollCounter counts run status polls by observed status.
	// Labels: status
	RunPollCounter *prometheus.CounterVec

	// RunCounter counts finished turns.
	// Labels: outcome (completed|failed|timeout|error)
	RunCounter *prometheus.CounterVec

	// RunDuration measures turn latency from message append to final answer.
	RunDuration prometheus.Histogram

	// ThreadCounter counts thread lifecycle events.
	// Labels: event (created|evicted|reset|reused)
	ThreadCounter *prometheus.CounterVec

	// SafetyRejectionCounter counts tool calls refused by a safety policy.
	// Labels: code
	SafetyRejectionCounter *prometheus.CounterVec

	// GatewayQueryCounter counts SQL gateway round trips.
	// Labels: gateway (http|postgres), status (success|error)
	GatewayQueryCounter *prometheus.CounterVec

	// GatewayQueryDuration measures SQL gateway latency.
	// Labels: gateway
	GatewayQueryDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts requests served by the HTTP front end.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg registers with the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ToolDispatchCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbpilot_tool_dispatch_total",
				Help: "Total number of tool dispatches by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolDispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbpilot_tool_dispatch_duration_seconds",
				Help:    "Duration of tool dispatches in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool"},
		),

		RunPollCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbpilot_run_polls_total",
				Help: "Total number of run status polls by observed status",
			},
			[]string{"status"},
		),

		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbpilot_runs_total",
				Help: "Total number of agent runs by outcome",
			},
			[]string{"outcome"},
		),

		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dbpilot_run_duration_seconds",
				Help:    "Duration of a conversational turn in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
		),

		ThreadCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbpilot_threads_total",
				Help: "Thread lifecycle events",
			},
			[]string{"event"},
		),

		SafetyRejectionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbpilot_safety_rejections_total",
				Help: "Tool calls refused by a safety policy, by error code",
			},
			[]string{"code"},
		),

		GatewayQueryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbpilot_gateway_queries_total",
				Help: "SQL gateway round trips by gateway and status",
			},
			[]string{"gateway", "status"},
		),

		GatewayQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbpilot_gateway_query_duration_seconds",
				Help:    "SQL gateway latency in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"gateway"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbpilot_http_requests_total",
				Help: "HTTP requests served by method, path and status code",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordToolDispatch records metrics for one tool dispatch.
func (m *Metrics) RecordToolDispatch(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolDispatchCounter.WithLabelValues(toolName, status).Inc()
	m.ToolDispatchDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordPoll counts a run status observation.
func (m *Metrics) RecordPoll(status string) {
	if m == nil {
		return
	}
	m.RunPollCounter.WithLabelValues(status).Inc()
}

// RecordRun records the outcome and latency of a turn.
func (m *Metrics) RecordRun(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RunCounter.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(durationSeconds)
}

// RecordThreadEvent counts a thread lifecycle event.
func (m *Metrics) RecordThreadEvent(event string) {
	if m == nil {
		return
	}
	m.ThreadCounter.WithLabelValues(event).Inc()
}

// RecordSafetyRejection counts a tool call refused with the given code.
func (m *Metrics) RecordSafetyRejection(code string) {
	if m == nil {
		return
	}
	m.SafetyRejectionCounter.WithLabelValues(code).Inc()
}

// RecordGatewayQuery records one SQL gateway round trip.
func (m *Metrics) RecordGatewayQuery(gateway, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.GatewayQueryCounter.WithLabelValues(gateway, status).Inc()
	m.GatewayQueryDuration.WithLabelValues(gateway).Observe(durationSeconds)
}

// RecordHTTPRequest counts an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
}
