// Package sqlgateway executes SQL on behalf of the database tools. The
// gateway is the only component that talks to a database; everything above
// it builds statements and interprets rows.
package sqlgateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/dbpilot/internal/observability"
)

// ErrNoConnection is returned when a request names neither a connection
// string nor a project the gateway can route to.
var ErrNoConnection = errors.New("sqlgateway: no connection configured for request")

// Request is one SQL statement bound for a project database.
type Request struct {
	ProjectRef       string
	ConnectionString string
	SQL              string
}

// Result holds the rows a statement returned. Statements without a result
// set return no rows.
type Result struct {
	Rows []map[string]any `json:"rows"`
}

// Gateway executes SQL statements.
type Gateway interface {
	// Name identifies the gateway in logs and metrics.
	Name() string

	// Execute runs req.SQL and returns its rows. headers carry the caller's
	// authorization context and may be nil.
	Execute(ctx context.Context, req Request, headers http.Header) (*Result, error)
}

// GatewayError is a statement the gateway or the database rejected.
type GatewayError struct {
	Gateway string
	Status  int
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	var b strings.Builder
	b.WriteString(e.Gateway)
	b.WriteString(": ")
	if e.Status != 0 {
		fmt.Fprintf(&b, "status %d: ", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, "[%s] ", e.Code)
	}
	switch {
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Cause != nil:
		b.WriteString(e.Cause.Error())
	default:
		b.WriteString("query failed")
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// Instrumented wraps a gateway with tracing, metrics and debug logging.
type Instrumented struct {
	next    Gateway
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// Instrument wraps gw. Nil metrics and tracer are allowed.
func Instrument(gw Gateway, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Instrumented {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Instrumented{next: gw, logger: logger, metrics: metrics, tracer: tracer}
}

// Name returns the wrapped gateway's name.
func (g *Instrumented) Name() string {
	return g.next.Name()
}

// Execute runs the statement through the wrapped gateway.
func (g *Instrumented) Execute(ctx context.Context, req Request, headers http.Header) (*Result, error) {
	ctx, span := g.tracer.TraceSQL(ctx, g.next.Name(), req.ProjectRef)
	defer span.End()

	start := time.Now()
	result, err := g.next.Execute(ctx, req, headers)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		g.tracer.RecordError(span, err)
	}
	g.metrics.RecordGatewayQuery(g.next.Name(), status, elapsed.Seconds())

	rows := 0
	if result != nil {
		rows = len(result.Rows)
	}
	g.tracer.SetAttributes(span, "db.rows", rows)
	g.logger.Debug(ctx, "sql executed",
		"gateway", g.next.Name(),
		"project_ref", req.ProjectRef,
		"rows", rows,
		"duration_ms", elapsed.Milliseconds(),
		"error", errString(err),
	)
	return result, err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
