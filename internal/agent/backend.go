package agent

import (
	"context"
	"errors"
	"time"
)

// ErrBackendNotFound is matched by backend errors for missing threads, runs
// or assistants.
var ErrBackendNotFound = errors.New("backend resource not found")

// RunStatus is the lifecycle state of an agent run.
type RunStatus string

const (
	RunStatusQueued         RunStatus = "queued"
	RunStatusInProgress     RunStatus = "in_progress"
	RunStatusRequiresAction RunStatus = "requires_action"
	RunStatusCancelling     RunStatus = "cancelling"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCancelled      RunStatus = "cancelled"
	RunStatusExpired        RunStatus = "expired"
	RunStatusIncomplete     RunStatus = "incomplete"
)

// Pending reports whether the run is still being worked on by the backend.
func (s RunStatus) Pending() bool {
	switch s {
	case RunStatusQueued, RunStatusInProgress, RunStatusCancelling:
		return true
	default:
		return false
	}
}

// Failed reports whether the run ended without an answer.
func (s RunStatus) Failed() bool {
	switch s {
	case RunStatusFailed, RunStatusCancelled, RunStatusExpired, RunStatusIncomplete:
		return true
	default:
		return false
	}
}

// PendingToolCall is one function call the backend is waiting on.
type PendingToolCall struct {
	CallID       string
	ToolName     string
	RawArguments string
}

// ToolOutput answers one PendingToolCall.
type ToolOutput struct {
	CallID string
	Output string
}

// RunFailure is the backend's reported reason for a failed run.
type RunFailure struct {
	Code    string
	Message string
}

// Run is a snapshot of an agent run.
type Run struct {
	ID           string
	ThreadID     string
	Status       RunStatus
	PendingCalls []PendingToolCall
	LastError    *RunFailure
}

// Thread is a backend conversation thread.
type Thread struct {
	ID        string
	CreatedAt time.Time
	Metadata  map[string]any
}

// Message is one message on a thread.
type Message struct {
	ID        string
	Role      string
	RunID     string
	Text      string
	CreatedAt time.Time
}

// RunRequest starts a run of an agent definition against a thread.
type RunRequest struct {
	AssistantID            string
	Instructions           string
	AdditionalInstructions string
	Metadata               map[string]any
}

// AgentDefinition is the backend-side assistant: model, instructions and tools.
type AgentDefinition struct {
	ID           string
	Name         string
	Description  string
	Model        string
	Instructions string
	Tools        []FunctionSchema
	Metadata     map[string]any
}

// Backend is the agent backend a Driver talks to. Errors should implement
// Retryable() bool so transient transport failures can be told apart from
// permanent rejections, and should match ErrBackendNotFound for missing
// resources.
type Backend interface {
	CreateThread(ctx context.Context, metadata map[string]any) (*Thread, error)
	RetrieveThread(ctx context.Context, threadID string) (*Thread, error)
	DeleteThread(ctx context.Context, threadID string) error

	AppendMessage(ctx context.Context, threadID, text string) (*Message, error)

	// LatestAssistantMessage returns the newest assistant message produced by
	// runID, or ErrBackendNotFound when the run produced none.
	LatestAssistantMessage(ctx context.Context, threadID, runID string) (*Message, error)

	CreateRun(ctx context.Context, threadID string, req RunRequest) (*Run, error)
	RetrieveRun(ctx context.Context, threadID, runID string) (*Run, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (*Run, error)
	CancelRun(ctx context.Context, threadID, runID string) error
}

// AgentRegistry manages agent definitions on the backend.
type AgentRegistry interface {
	RetrieveAgent(ctx context.Context, id string) (*AgentDefinition, error)

	// FindAgent returns the first definition with the given name, or
	// ErrBackendNotFound.
	FindAgent(ctx context.Context, name string) (*AgentDefinition, error)

	CreateAgent(ctx context.Context, def AgentDefinition) (*AgentDefinition, error)
	UpdateAgent(ctx context.Context, id string, def AgentDefinition) (*AgentDefinition, error)
}
