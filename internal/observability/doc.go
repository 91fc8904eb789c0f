// Package observability provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for the orchestrator.
//
// # Logging
//
// Logger wraps log/slog. Correlation fields (request_id, user_id, thread_id,
// run_id, tool_call_id) are read from the context and attached to every
// record. Values are passed through redaction before they are written, so
// API keys and credentials embedded in postgres connection strings never
// reach the log sink.
//
// # Metrics
//
// Metrics are registered against a caller-supplied prometheus.Registerer so
// tests can use an isolated registry. The serve command exposes them at
// /metrics.
//
// # Tracing
//
// NewTracer returns a no-op tracer when no OTLP endpoint is configured. All
// Tracer methods tolerate a nil receiver.
package observability
