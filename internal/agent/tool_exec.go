package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/dbpilot/internal/observability"
)

// ToolExecConfig configures tool execution behavior.
type ToolExecConfig struct {
	// Concurrency is the maximum number of concurrent tool executions.
	// Default: 4.
	Concurrency int

	// PerToolTimeout is the timeout for individual tool executions.
	// Default: 30 seconds.
	PerToolTimeout time.Duration
}

// DefaultToolExecConfig returns defaults for tool execution with
// 4 concurrent tools and a 30 second timeout.
func DefaultToolExecConfig() ToolExecConfig {
	return ToolExecConfig{
		Concurrency:    4,
		PerToolTimeout: 30 * time.Second,
	}
}

// ToolExecutor runs pending tool calls concurrently against a registry.
// Tools are never retried: a failed call produces a failed result and the
// agent decides what to do next.
type ToolExecutor struct {
	registry *ToolRegistry
	config   ToolExecConfig
	tracer   *observability.Tracer
}

// NewToolExecutor creates a new tool executor with the given registry and configuration.
// Default values are applied if config fields are zero.
func NewToolExecutor(registry *ToolRegistry, config ToolExecConfig) *ToolExecutor {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.PerToolTimeout <= 0 {
		config.PerToolTimeout = 30 * time.Second
	}
	return &ToolExecutor{
		registry: registry,
		config:   config,
	}
}

// SetTracer enables a span per dispatch. A nil tracer disables spans.
func (e *ToolExecutor) SetTracer(tracer *observability.Tracer) {
	e.tracer = tracer
}

// ToolExecResult is the outcome of one pending call.
type ToolExecResult struct {
	Index     int
	Call      PendingToolCall
	Result    ToolResult
	StartTime time.Time
	EndTime   time.Time
	TimedOut  bool
}

// Duration returns how long the call ran.
func (r ToolExecResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// ExecuteConcurrently dispatches every call and waits for all of them.
// The returned slice has exactly len(calls) entries in input order, one per
// call, whatever the individual outcomes.
func (e *ToolExecutor) ExecuteConcurrently(ctx context.Context, calls []PendingToolCall, tc ToolContext) []ToolExecResult {
	results := make([]ToolExecResult, len(calls))

	g := new(errgroup.Group)
	g.SetLimit(e.config.Concurrency)

	for i, call := range calls {
		g.Go(func() error {
			start := time.Now()
			callCtx := observability.AddToolCallID(ctx, call.CallID)
			callCtx, span := e.tracer.TraceToolDispatch(callCtx, call.ToolName, call.CallID)
			result, timedOut := e.executeWithTimeout(callCtx, call, tc)
			e.tracer.SetAttributes(span, "tool.success", result.Success, "tool.code", string(result.Code))
			if !result.Success {
				e.tracer.RecordError(span, errors.New(result.Error))
			}
			span.End()
			results[i] = ToolExecResult{
				Index:     i,
				Call:      call,
				Result:    result,
				StartTime: start,
				EndTime:   time.Now(),
				TimedOut:  timedOut,
			}
			return nil
		})
	}

	// Workers never return errors; Wait only joins them.
	_ = g.Wait()
	return results
}

// executeWithTimeout dispatches one call, abandoning it once the per-tool
// timeout or the parent context expires.
func (e *ToolExecutor) executeWithTimeout(ctx context.Context, call PendingToolCall, tc ToolContext) (ToolResult, bool) {
	if err := ctx.Err(); err != nil {
		return *Fail(CodeExecutionFailed, "tool execution canceled"), false
	}

	toolCtx, cancel := context.WithTimeout(ctx, e.config.PerToolTimeout)
	defer cancel()

	resultChan := make(chan ToolResult, 1)
	go func() {
		resultChan <- e.registry.Dispatch(toolCtx, call.ToolName, call.RawArguments, tc)
	}()

	select {
	case res := <-resultChan:
		return res, false
	case <-toolCtx.Done():
		// The buffered channel lets the abandoned dispatch finish without leaking.
		slog.Warn("tool execution abandoned",
			"tool", call.ToolName,
			"tool_call_id", call.CallID,
			"run_id", observability.GetRunID(ctx),
			"error", toolCtx.Err(),
		)
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
			return *Fail(CodeToolTimeout, fmt.Sprintf("%s after %v", ErrToolTimeout, e.config.PerToolTimeout)), true
		}
		return *Fail(CodeExecutionFailed, "tool execution canceled"), false
	}
}
