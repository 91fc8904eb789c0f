package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/dbpilot/internal/backoff"
	"github.com/haasonsaas/dbpilot/internal/observability"
)

type transientErr struct{ msg string }

func (e transientErr) Error() string   { return e.msg }
func (e transientErr) Retryable() bool { return true }

type permanentErr struct{ msg string }

func (e permanentErr) Error() string   { return e.msg }
func (e permanentErr) Retryable() bool { return false }

// fakeBackend replays a scripted sequence of run snapshots.
type fakeBackend struct {
	mu sync.Mutex

	runs       []*Run
	pollErrs   map[int]error
	submitErrs []error
	reply      *Message
	replyErr   error
	createErr  error

	polls       int
	appended    []string
	submissions [][]ToolOutput
	cancelled   []string
}

func (f *fakeBackend) CreateThread(ctx context.Context, metadata map[string]any) (*Thread, error) {
	return &Thread{ID: "thread_1"}, nil
}

func (f *fakeBackend) RetrieveThread(ctx context.Context, threadID string) (*Thread, error) {
	return &Thread{ID: threadID}, nil
}

func (f *fakeBackend) DeleteThread(ctx context.Context, threadID string) error { return nil }

func (f *fakeBackend) AppendMessage(ctx context.Context, threadID, text string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, text)
	return &Message{ID: "msg_user", Role: "user", Text: text}, nil
}

func (f *fakeBackend) LatestAssistantMessage(ctx context.Context, threadID, runID string) (*Message, error) {
	if f.replyErr != nil {
		return nil, f.replyErr
	}
	if f.reply == nil {
		return nil, ErrBackendNotFound
	}
	return f.reply, nil
}

func (f *fakeBackend) CreateRun(ctx context.Context, threadID string, req RunRequest) (*Run, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &Run{ID: "run_1", ThreadID: threadID, Status: RunStatusQueued}, nil
}

func (f *fakeBackend) RetrieveRun(ctx context.Context, threadID, runID string) (*Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.polls
	f.polls++
	if err := f.pollErrs[i]; err != nil {
		return nil, err
	}
	if i >= len(f.runs) {
		return f.runs[len(f.runs)-1], nil
	}
	return f.runs[i], nil
}

func (f *fakeBackend) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (*Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.submissions = append(f.submissions, outputs)
	return &Run{ID: runID, Status: RunStatusQueued}, nil
}

func (f *fakeBackend) CancelRun(ctx context.Context, threadID, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func testDriverConfig() DriverConfig {
	return DriverConfig{
		PollInterval:    time.Millisecond,
		MaxPollAttempts: 30,
		SubmitAttempts:  3,
		SubmitPolicy:    backoff.FixedPolicy(time.Millisecond),
		ToolExec:        ToolExecConfig{Concurrency: 4, PerToolTimeout: time.Second},
	}
}

func status(s RunStatus) *Run { return &Run{ID: "run_1", Status: s} }

func driverRegistry(t *testing.T) *ToolRegistry {
	t.Helper()
	r := NewToolRegistry()
	mustRegister(t, r,
		&testExecTool{
			name:   "list_tables",
			params: []Param{{Name: "schema", Type: TypeString, Default: "public"}},
			execFunc: func(ctx context.Context, p json.RawMessage, tc ToolContext) (*ToolResult, error) {
				return OK([]string{"users", "orders"}), nil
			},
		},
		&testExecTool{
			name: "fails",
			execFunc: func(ctx context.Context, p json.RawMessage, tc ToolContext) (*ToolResult, error) {
				return nil, NewToolError(CodeMissingPredicate, "where is required")
			},
		},
	)
	return r
}

func TestRunTurn_CompletesWithText(t *testing.T) {
	backend := &fakeBackend{
		runs:  []*Run{status(RunStatusQueued), status(RunStatusInProgress), status(RunStatusCompleted)},
		reply: &Message{Role: "assistant", Text: "You have 2 tables."},
	}
	d := NewDriver(backend, driverRegistry(t), testDriverConfig())

	result, err := d.RunTurn(context.Background(), TurnRequest{ThreadID: "thread_1", AssistantID: "asst_1", Message: "what tables?"})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if result.Text != "You have 2 tables." {
		t.Errorf("Text = %q", result.Text)
	}
	if result.Polls != 3 {
		t.Errorf("Polls = %d, want 3", result.Polls)
	}
	if len(backend.appended) != 1 || backend.appended[0] != "what tables?" {
		t.Errorf("appended = %v", backend.appended)
	}
}

func TestRunTurn_RequiresActionSubmitsFullBatch(t *testing.T) {
	pending := []PendingToolCall{
		{CallID: "call_a", ToolName: "list_tables", RawArguments: `{}`},
		{CallID: "call_b", ToolName: "fails", RawArguments: `{}`},
		{CallID: "call_c", ToolName: "no_such_tool", RawArguments: `{}`},
	}
	backend := &fakeBackend{
		runs: []*Run{
			{ID: "run_1", Status: RunStatusRequiresAction, PendingCalls: pending},
			status(RunStatusInProgress),
			status(RunStatusCompleted),
		},
		reply: &Message{Role: "assistant", Text: "done"},
	}
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	d := NewDriver(backend, driverRegistry(t), testDriverConfig(), WithMetrics(metrics))

	result, err := d.RunTurn(context.Background(), TurnRequest{ThreadID: "thread_1", Message: "go", ToolContext: ToolContext{UserID: "u1"}})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}

	if len(backend.submissions) != 1 {
		t.Fatalf("submissions = %d, want 1", len(backend.submissions))
	}
	outputs := backend.submissions[0]
	if len(outputs) != len(pending) {
		t.Fatalf("outputs = %d, want %d", len(outputs), len(pending))
	}
	for i, out := range outputs {
		if out.CallID != pending[i].CallID {
			t.Errorf("outputs[%d].CallID = %s, want %s", i, out.CallID, pending[i].CallID)
		}
		var decoded ToolResult
		if err := json.Unmarshal([]byte(out.Output), &decoded); err != nil {
			t.Errorf("outputs[%d] is not a serialized result: %v", i, err)
		}
	}
	if outputs[0].Output != `{"success":true,"data":["users","orders"]}` {
		t.Errorf("outputs[0] = %s", outputs[0].Output)
	}
	if outputs[1].Output != `{"success":false,"error":"where is required","code":"MissingPredicate"}` {
		t.Errorf("outputs[1] = %s", outputs[1].Output)
	}

	if len(result.ToolCalls) != 3 {
		t.Fatalf("ToolCalls = %d, want 3", len(result.ToolCalls))
	}
	if got := testutil.ToFloat64(metrics.ToolDispatchCounter.WithLabelValues("list_tables", "success")); got != 1 {
		t.Errorf("list_tables success count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.SafetyRejectionCounter.WithLabelValues(string(CodeMissingPredicate))); got != 1 {
		t.Errorf("safety rejections = %v, want 1", got)
	}
}

func TestRunTurn_RepeatedRequiresActionNotResubmitted(t *testing.T) {
	pending := []PendingToolCall{{CallID: "call_a", ToolName: "list_tables"}}
	requires := &Run{ID: "run_1", Status: RunStatusRequiresAction, PendingCalls: pending}
	backend := &fakeBackend{
		runs:  []*Run{requires, requires, status(RunStatusCompleted)},
		reply: &Message{Text: "ok"},
	}
	d := NewDriver(backend, driverRegistry(t), testDriverConfig())

	if _, err := d.RunTurn(context.Background(), TurnRequest{ThreadID: "thread_1", Message: "hi"}); err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if len(backend.submissions) != 1 {
		t.Errorf("submissions = %d, want 1", len(backend.submissions))
	}
}

func TestRunTurn_TerminalFailures(t *testing.T) {
	for _, s := range []RunStatus{RunStatusFailed, RunStatusCancelled, RunStatusExpired, RunStatusIncomplete} {
		t.Run(string(s), func(t *testing.T) {
			backend := &fakeBackend{runs: []*Run{
				{ID: "run_1", Status: s, LastError: &RunFailure{Code: "server_error", Message: "model crashed"}},
			}}
			d := NewDriver(backend, driverRegistry(t), testDriverConfig())

			_, err := d.RunTurn(context.Background(), TurnRequest{ThreadID: "thread_1", Message: "hi"})
			if !errors.Is(err, ErrAssistantRunFailed) {
				t.Fatalf("error = %v, want ErrAssistantRunFailed", err)
			}
			var runErr *RunError
			if !errors.As(err, &runErr) || runErr.Status != s || runErr.Code != "server_error" {
				t.Errorf("run error = %+v", runErr)
			}
		})
	}
}

func TestRunTurn_TransientPollErrorsKeepPolling(t *testing.T) {
	backend := &fakeBackend{
		runs:     []*Run{status(RunStatusInProgress), status(RunStatusInProgress), status(RunStatusCompleted)},
		pollErrs: map[int]error{0: transientErr{"503"}, 1: transientErr{"timeout"}},
		reply:    &Message{Text: "ok"},
	}
	d := NewDriver(backend, driverRegistry(t), testDriverConfig())

	result, err := d.RunTurn(context.Background(), TurnRequest{ThreadID: "thread_1", Message: "hi"})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if result.Polls != 3 {
		t.Errorf("Polls = %d, want 3", result.Polls)
	}
}

func TestRunTurn_PermanentPollErrorFailsFast(t *testing.T) {
	backend := &fakeBackend{
		runs:     []*Run{status(RunStatusInProgress)},
		pollErrs: map[int]error{0: permanentErr{"401 unauthorized"}},
	}
	d := NewDriver(backend, driverRegistry(t), testDriverConfig())

	result, err := d.RunTurn(context.Background(), TurnRequest{ThreadID: "thread_1", Message: "hi"})
	if !errors.Is(err, ErrAssistantRunFailed) {
		t.Fatalf("error = %v, want ErrAssistantRunFailed", err)
	}
	if result.Polls != 1 {
		t.Errorf("Polls = %d, want 1", result.Polls)
	}
}

func TestRunTurn_TimeoutCancelsRun(t *testing.T) {
	backend := &fakeBackend{runs: []*Run{status(RunStatusInProgress)}}
	cfg := testDriverConfig()
	cfg.MaxPollAttempts = 5
	d := NewDriver(backend, driverRegistry(t), cfg)

	result, err := d.RunTurn(context.Background(), TurnRequest{ThreadID: "thread_1", Message: "hi"})
	if !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("error = %v, want ErrResponseTimeout", err)
	}
	if result.Polls != 5 {
		t.Errorf("Polls = %d, want 5", result.Polls)
	}
	if len(backend.submissions) != 0 {
		t.Errorf("submissions = %d, want 0", len(backend.submissions))
	}
	if len(backend.cancelled) != 1 || backend.cancelled[0] != "run_1" {
		t.Errorf("cancelled = %v, want [run_1]", backend.cancelled)
	}
}

func TestRunTurn_SubmitRetriesTransientErrors(t *testing.T) {
	backend := &fakeBackend{
		runs: []*Run{
			{ID: "run_1", Status: RunStatusRequiresAction, PendingCalls: []PendingToolCall{{CallID: "c1", ToolName: "list_tables"}}},
			status(RunStatusCompleted),
		},
		submitErrs: []error{transientErr{"502"}, nil},
		reply:      &Message{Text: "ok"},
	}
	d := NewDriver(backend, driverRegistry(t), testDriverConfig())

	if _, err := d.RunTurn(context.Background(), TurnRequest{ThreadID: "thread_1", Message: "hi"}); err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if len(backend.submissions) != 1 {
		t.Errorf("submissions = %d, want 1", len(backend.submissions))
	}
}

func TestRunTurn_SubmitPermanentError(t *testing.T) {
	backend := &fakeBackend{
		runs: []*Run{
			{ID: "run_1", Status: RunStatusRequiresAction, PendingCalls: []PendingToolCall{{CallID: "c1", ToolName: "list_tables"}}},
		},
		submitErrs: []error{permanentErr{"400 bad request"}},
	}
	d := NewDriver(backend, driverRegistry(t), testDriverConfig())

	result, err := d.RunTurn(context.Background(), TurnRequest{ThreadID: "thread_1", Message: "hi"})
	if !errors.Is(err, ErrAssistantRunFailed) {
		t.Fatalf("error = %v, want ErrAssistantRunFailed", err)
	}
	if len(result.ToolCalls) != 1 {
		t.Errorf("ToolCalls = %d, want 1", len(result.ToolCalls))
	}
}

func TestRunTurn_CreateRunFails(t *testing.T) {
	backend := &fakeBackend{createErr: permanentErr{"404 assistant not found"}}
	d := NewDriver(backend, driverRegistry(t), testDriverConfig())

	result, err := d.RunTurn(context.Background(), TurnRequest{ThreadID: "thread_1", Message: "hi"})
	if !errors.Is(err, ErrAssistantRunFailed) {
		t.Fatalf("error = %v, want ErrAssistantRunFailed", err)
	}
	if result != nil {
		t.Errorf("result = %+v, want nil", result)
	}
}

func TestRunTurn_CompletedWithoutReply(t *testing.T) {
	backend := &fakeBackend{runs: []*Run{status(RunStatusCompleted)}}
	d := NewDriver(backend, driverRegistry(t), testDriverConfig())

	result, err := d.RunTurn(context.Background(), TurnRequest{ThreadID: "thread_1", Message: "hi"})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if result.Text != "" {
		t.Errorf("Text = %q, want empty", result.Text)
	}
}

func TestRunTurn_ContextCanceledWhilePolling(t *testing.T) {
	backend := &fakeBackend{runs: []*Run{status(RunStatusInProgress)}}
	cfg := testDriverConfig()
	cfg.PollInterval = time.Hour
	d := NewDriver(backend, driverRegistry(t), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.RunTurn(ctx, TurnRequest{ThreadID: "thread_1", Message: "hi"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context.DeadlineExceeded", err)
	}
	if len(backend.cancelled) != 1 {
		t.Errorf("cancelled = %v, want one cancel", backend.cancelled)
	}
}

func TestRunStatus(t *testing.T) {
	tests := []struct {
		status  RunStatus
		pending bool
		failed  bool
	}{
		{RunStatusQueued, true, false},
		{RunStatusInProgress, true, false},
		{RunStatusCancelling, true, false},
		{RunStatusRequiresAction, false, false},
		{RunStatusCompleted, false, false},
		{RunStatusFailed, false, true},
		{RunStatusCancelled, false, true},
		{RunStatusExpired, false, true},
		{RunStatusIncomplete, false, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			if tt.status.Pending() != tt.pending || tt.status.Failed() != tt.failed {
				t.Errorf("Pending()=%v Failed()=%v", tt.status.Pending(), tt.status.Failed())
			}
		})
	}
}
