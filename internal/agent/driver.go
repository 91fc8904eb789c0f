package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/dbpilot/internal/audit"
	"github.com/haasonsaas/dbpilot/internal/backoff"
	"github.com/haasonsaas/dbpilot/internal/observability"
)

// DriverConfig configures the run polling loop.
type DriverConfig struct {
	// PollInterval is the fixed wait between run status polls.
	// Default: 1 second.
	PollInterval time.Duration

	// MaxPollAttempts bounds the number of status polls per turn.
	// Default: 30.
	MaxPollAttempts int

	// SubmitAttempts bounds retries of a tool output submission on
	// transient failures. Default: 3.
	SubmitAttempts int

	// SubmitPolicy is the backoff between submission attempts.
	SubmitPolicy backoff.BackoffPolicy

	// CancelTimeout bounds the best-effort cancel issued after a timeout.
	// Default: 5 seconds.
	CancelTimeout time.Duration

	// ToolExec configures parallel tool dispatch.
	ToolExec ToolExecConfig
}

// DefaultDriverConfig returns the polling defaults: 30 polls one second apart.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		PollInterval:    time.Second,
		MaxPollAttempts: 30,
		SubmitAttempts:  3,
		SubmitPolicy:    backoff.DefaultPolicy(),
		CancelTimeout:   5 * time.Second,
		ToolExec:        DefaultToolExecConfig(),
	}
}

// Driver runs one conversational turn against an agent backend: it appends
// the user message, starts a run, polls it and answers tool call requests
// with the registry until the run reaches a terminal state.
type Driver struct {
	backend  Backend
	registry *ToolRegistry
	executor *ToolExecutor
	config   DriverConfig

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	audit   *audit.Logger
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithLogger sets the structured logger.
func WithLogger(logger *observability.Logger) DriverOption {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(metrics *observability.Metrics) DriverOption {
	return func(d *Driver) { d.metrics = metrics }
}

// WithTracer enables tracing of turns and tool dispatches.
func WithTracer(tracer *observability.Tracer) DriverOption {
	return func(d *Driver) { d.tracer = tracer }
}

// WithAuditLogger records every tool dispatch and run outcome.
func WithAuditLogger(logger *audit.Logger) DriverOption {
	return func(d *Driver) { d.audit = logger }
}

// NewDriver creates a Driver. Zero config fields take their defaults.
func NewDriver(backend Backend, registry *ToolRegistry, config DriverConfig, opts ...DriverOption) *Driver {
	defaults := DefaultDriverConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxPollAttempts <= 0 {
		config.MaxPollAttempts = defaults.MaxPollAttempts
	}
	if config.SubmitAttempts <= 0 {
		config.SubmitAttempts = defaults.SubmitAttempts
	}
	if config.SubmitPolicy == (backoff.BackoffPolicy{}) {
		config.SubmitPolicy = defaults.SubmitPolicy
	}
	if config.CancelTimeout <= 0 {
		config.CancelTimeout = defaults.CancelTimeout
	}

	d := &Driver{
		backend:  backend,
		registry: registry,
		executor: NewToolExecutor(registry, config.ToolExec),
		config:   config,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.executor.SetTracer(d.tracer)
	return d
}

// TurnRequest is one user message to run against a thread.
type TurnRequest struct {
	ThreadID    string
	AssistantID string
	Message     string

	// Instructions overrides the agent definition's instructions for this run.
	Instructions string

	// AdditionalInstructions is appended to the definition's instructions.
	AdditionalInstructions string

	// ToolContext is handed to every tool dispatched during the turn.
	ToolContext ToolContext
}

// ToolCallRecord is one dispatched tool call.
type ToolCallRecord struct {
	CallID    string
	ToolName  string
	Arguments string
	Result    ToolResult
	Duration  time.Duration
}

// TurnResult is the agent's final answer with a trace of the tool calls
// that produced it.
type TurnResult struct {
	ThreadID  string
	RunID     string
	Text      string
	ToolCalls []ToolCallRecord
	Polls     int
}

// RunTurn drives one turn to completion.
//
// It returns ErrAssistantRunFailed (as *RunError) when the backend rejects a
// request or the run ends failed, cancelled, expired or incomplete, and
// ErrResponseTimeout when the poll budget runs out. The partial TurnResult
// is returned alongside errors once a run exists.
func (d *Driver) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	start := time.Now()
	ctx = observability.AddThreadID(ctx, req.ThreadID)
	if req.ToolContext.UserID != "" {
		ctx = observability.AddUserID(ctx, req.ToolContext.UserID)
	}
	ctx, span := d.tracer.TraceTurn(ctx, req.ThreadID)
	defer span.End()

	result, err := d.runTurn(ctx, req)

	outcome, eventType := "completed", audit.EventRunCompleted
	switch {
	case errors.Is(err, ErrResponseTimeout):
		outcome, eventType = "timeout", audit.EventRunTimeout
	case errors.Is(err, ErrAssistantRunFailed):
		outcome, eventType = "failed", audit.EventRunFailed
	case err != nil:
		outcome, eventType = "error", audit.EventRunFailed
	}
	elapsed := time.Since(start)
	d.metrics.RecordRun(outcome, elapsed.Seconds())

	var runID string
	if result != nil {
		runID = result.RunID
		d.tracer.SetAttributes(span, "run.id", runID, "run.polls", result.Polls, "run.tool_calls", len(result.ToolCalls))
	}
	d.audit.LogRun(ctx, eventType, req.ToolContext.UserID, req.ThreadID, runID, elapsed, err)
	if err != nil {
		d.tracer.RecordError(span, err)
		d.logger.Warn(ctx, "turn failed", "run_id", runID, "outcome", outcome, "error", err)
	} else {
		d.logger.Info(ctx, "turn completed", "run_id", runID, "polls", result.Polls, "tool_calls", len(result.ToolCalls))
	}
	return result, err
}

func (d *Driver) runTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if _, err := d.backend.AppendMessage(ctx, req.ThreadID, req.Message); err != nil {
		return nil, &RunError{Message: "append message", Cause: err}
	}

	run, err := d.backend.CreateRun(ctx, req.ThreadID, RunRequest{
		AssistantID:            req.AssistantID,
		Instructions:           req.Instructions,
		AdditionalInstructions: req.AdditionalInstructions,
	})
	if err != nil {
		return nil, &RunError{Message: "create run", Cause: err}
	}

	ctx = observability.AddRunID(ctx, run.ID)
	result := &TurnResult{ThreadID: req.ThreadID, RunID: run.ID}
	submitted := make(map[string]bool)

	for attempt := 0; attempt < d.config.MaxPollAttempts; attempt++ {
		if attempt > 0 {
			if err := backoff.SleepWithContext(ctx, d.config.PollInterval); err != nil {
				d.cancelRun(ctx, req.ThreadID, run.ID)
				return result, err
			}
		}

		current, err := d.backend.RetrieveRun(ctx, req.ThreadID, run.ID)
		result.Polls++
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				d.cancelRun(ctx, req.ThreadID, run.ID)
				return result, ctxErr
			}
			if !Retryable(err) {
				d.metrics.RecordPoll("error")
				return result, &RunError{RunID: run.ID, Message: "retrieve run", Cause: err}
			}
			d.metrics.RecordPoll("transient_error")
			d.logger.Warn(ctx, "run poll failed, retrying", "attempt", attempt+1, "error", err)
			continue
		}
		d.metrics.RecordPoll(string(current.Status))

		switch {
		case current.Status == RunStatusCompleted:
			text, err := d.finalText(ctx, req.ThreadID, run.ID)
			if err != nil {
				return result, err
			}
			result.Text = text
			return result, nil

		case current.Status == RunStatusRequiresAction:
			calls := unsubmitted(current.PendingCalls, submitted)
			if len(calls) == 0 {
				continue
			}
			records, err := d.answerToolCalls(ctx, req.ThreadID, run.ID, calls, req.ToolContext)
			result.ToolCalls = append(result.ToolCalls, records...)
			if err != nil {
				return result, err
			}
			for _, call := range calls {
				submitted[call.CallID] = true
			}

		case current.Status.Failed():
			return result, runFailure(current)

		case current.Status.Pending():

		default:
			d.logger.Warn(ctx, "unrecognized run status", "status", current.Status)
		}
	}

	d.cancelRun(ctx, req.ThreadID, run.ID)
	return result, fmt.Errorf("%w: run %s unfinished after %d polls", ErrResponseTimeout, run.ID, d.config.MaxPollAttempts)
}

// unsubmitted drops calls already answered in this turn. A backend may report
// requires_action again before it has processed a submission.
func unsubmitted(calls []PendingToolCall, submitted map[string]bool) []PendingToolCall {
	out := make([]PendingToolCall, 0, len(calls))
	for _, call := range calls {
		if !submitted[call.CallID] {
			out = append(out, call)
		}
	}
	return out
}

// answerToolCalls dispatches every call in parallel and submits the whole
// batch in one request. Dispatch and submission are detached from caller
// cancellation: once tools have run, their outputs are always delivered.
func (d *Driver) answerToolCalls(ctx context.Context, threadID, runID string, calls []PendingToolCall, tc ToolContext) ([]ToolCallRecord, error) {
	detached := context.WithoutCancel(ctx)

	executed := d.executor.ExecuteConcurrently(detached, calls, tc)
	outputs := make([]ToolOutput, len(executed))
	records := make([]ToolCallRecord, len(executed))
	for i, exec := range executed {
		outputs[i] = ToolOutput{CallID: exec.Call.CallID, Output: exec.Result.String()}
		records[i] = ToolCallRecord{
			CallID:    exec.Call.CallID,
			ToolName:  exec.Call.ToolName,
			Arguments: exec.Call.RawArguments,
			Result:    exec.Result,
			Duration:  exec.Duration(),
		}
		d.recordDispatch(ctx, threadID, runID, tc.UserID, exec)
	}

	err := backoff.Retry(detached, backoff.RetryOptions{
		MaxAttempts: d.config.SubmitAttempts,
		Policy:      d.config.SubmitPolicy,
		ShouldRetry: Retryable,
	}, func() error {
		_, err := d.backend.SubmitToolOutputs(detached, threadID, runID, outputs)
		return err
	})
	if err != nil {
		return records, &RunError{RunID: runID, Status: RunStatusRequiresAction, Message: "submit tool outputs", Cause: err}
	}
	d.logger.Debug(ctx, "tool outputs submitted", "count", len(outputs))
	return records, nil
}

func (d *Driver) recordDispatch(ctx context.Context, threadID, runID, userID string, exec ToolExecResult) {
	status := "success"
	if !exec.Result.Success {
		status = "error"
		if exec.Result.Code.IsSafetyRejection() {
			d.metrics.RecordSafetyRejection(string(exec.Result.Code))
		}
	}
	d.metrics.RecordToolDispatch(exec.Call.ToolName, status, exec.Duration().Seconds())

	d.logger.Info(ctx, "tool dispatched",
		"tool_name", exec.Call.ToolName,
		"tool_call_id", exec.Call.CallID,
		"success", exec.Result.Success,
		"error", exec.Result.Error,
		"code", string(exec.Result.Code),
		"timestamp", exec.EndTime.UTC().Format(time.RFC3339Nano),
		"duration_ms", exec.Duration().Milliseconds(),
	)

	d.audit.LogToolDispatch(ctx, audit.ToolDispatch{
		ToolName:   exec.Call.ToolName,
		ToolCallID: exec.Call.CallID,
		UserID:     userID,
		ThreadID:   threadID,
		RunID:      runID,
		Arguments:  exec.Call.RawArguments,
		Success:    exec.Result.Success,
		Code:       string(exec.Result.Code),
		Error:      exec.Result.Error,
		Duration:   exec.Duration(),
		Timestamp:  exec.EndTime,
	}, exec.Result.Code.IsSafetyRejection())
}

func (d *Driver) finalText(ctx context.Context, threadID, runID string) (string, error) {
	msg, err := d.backend.LatestAssistantMessage(ctx, threadID, runID)
	if errors.Is(err, ErrBackendNotFound) {
		d.logger.Warn(ctx, "completed run produced no assistant message")
		return "", nil
	}
	if err != nil {
		return "", &RunError{RunID: runID, Status: RunStatusCompleted, Message: "fetch assistant reply", Cause: err}
	}
	return msg.Text, nil
}

// cancelRun asks the backend to stop a run that will no longer be awaited so
// the thread accepts new runs. Failures are only logged.
func (d *Driver) cancelRun(ctx context.Context, threadID, runID string) {
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.CancelTimeout)
	defer cancel()
	if err := d.backend.CancelRun(cancelCtx, threadID, runID); err != nil {
		d.logger.Warn(ctx, "cancel run failed", "error", err)
	}
}

func runFailure(run *Run) error {
	runErr := &RunError{RunID: run.ID, Status: run.Status}
	if run.LastError != nil {
		runErr.Code = run.LastError.Code
		runErr.Message = run.LastError.Message
	}
	if runErr.Message == "" {
		runErr.Message = "run ended with status " + string(run.Status)
	}
	return runErr
}
