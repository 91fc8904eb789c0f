package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for agent operations
var (
	// ErrToolNotFound indicates a requested tool doesn't exist
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution
	ErrToolPanic = errors.New("tool panicked")

	// ErrDuplicateTool indicates a tool name was registered twice
	ErrDuplicateTool = errors.New("duplicate tool name")

	// ErrAssistantRunFailed indicates the agent run ended in a terminal failure state
	// or the backend rejected a request outright
	ErrAssistantRunFailed = errors.New("assistant run failed")

	// ErrResponseTimeout indicates the run did not finish within the poll budget
	ErrResponseTimeout = errors.New("assistant response timed out")
)

// ErrorCode classifies a failed tool result. Codes are part of the payload
// returned to the agent so it can explain the failure or ask for confirmation.
type ErrorCode string

const (
	// CodeUnknownTool indicates the agent named a tool that is not registered
	CodeUnknownTool ErrorCode = "UnknownTool"

	// CodeInvalidArguments indicates malformed or structurally invalid arguments
	CodeInvalidArguments ErrorCode = "InvalidArguments"

	// CodeInvalidIdentifier indicates a table, schema or column name failed validation
	CodeInvalidIdentifier ErrorCode = "InvalidIdentifier"

	// CodeMissingPredicate indicates an update or delete without a WHERE clause
	CodeMissingPredicate ErrorCode = "MissingPredicate"

	// CodeImpactLimitExceeded indicates the affected row estimate exceeded the limit
	CodeImpactLimitExceeded ErrorCode = "ImpactLimitExceeded"

	// CodeConfirmationRequired indicates a mass operation needs an explicit confirm flag
	CodeConfirmationRequired ErrorCode = "ConfirmationRequired"

	// CodeProtectedObject indicates the target lives in a protected schema
	CodeProtectedObject ErrorCode = "ProtectedObject"

	// CodeUnsafeOperation indicates read-only SQL contained a mutating construct
	CodeUnsafeOperation ErrorCode = "UnsafeOperation"

	// CodeExecutionFailed indicates the gateway or database rejected the statement
	CodeExecutionFailed ErrorCode = "ExecutionFailed"

	// CodeToolTimeout indicates the tool exceeded its per-call timeout
	CodeToolTimeout ErrorCode = "ToolTimeout"

	// CodeToolPanic indicates the tool panicked
	CodeToolPanic ErrorCode = "ToolPanic"
)

// IsSafetyRejection reports whether the code means a policy refused the call
// before anything reached the database.
func (c ErrorCode) IsSafetyRejection() bool {
	switch c {
	case CodeInvalidIdentifier, CodeMissingPredicate, CodeImpactLimitExceeded,
		CodeConfirmationRequired, CodeProtectedObject, CodeUnsafeOperation:
		return true
	default:
		return false
	}
}

// ToolError is a structured tool failure carrying the code reported to the agent.
type ToolError struct {
	// Code categorizes the failure
	Code ErrorCode

	// ToolName is the name of the tool that failed
	ToolName string

	// ToolCallID is the ID of the tool call that failed
	ToolCallID string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Code))
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// Retryable is false for every tool failure. Tools mutate data, so the
// decision to try again belongs to the agent, not to the dispatcher.
func (e *ToolError) Retryable() bool {
	return false
}

// NewToolError creates a ToolError with a formatted message.
func NewToolError(code ErrorCode, format string, args ...any) *ToolError {
	return &ToolError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithCause sets the underlying error.
func (e *ToolError) WithCause(err error) *ToolError {
	e.Cause = err
	return e
}

// WithToolName sets the tool name.
func (e *ToolError) WithToolName(name string) *ToolError {
	e.ToolName = name
	return e
}

// WithToolCallID sets the tool call ID for correlating errors with specific calls.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// CodeOf extracts the ErrorCode from err, falling back to ExecutionFailed.
func CodeOf(err error) ErrorCode {
	var toolErr *ToolError
	if errors.As(err, &toolErr) && toolErr.Code != "" {
		return toolErr.Code
	}
	switch {
	case errors.Is(err, ErrToolNotFound):
		return CodeUnknownTool
	case errors.Is(err, ErrToolTimeout):
		return CodeToolTimeout
	case errors.Is(err, ErrToolPanic):
		return CodeToolPanic
	default:
		return CodeExecutionFailed
	}
}

// MessageOf returns the message reported to the agent for err.
func MessageOf(err error) string {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		if toolErr.Message != "" {
			return toolErr.Message
		}
		if toolErr.Cause != nil {
			return toolErr.Cause.Error()
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// RunError wraps a terminal run failure with the backend's reported detail.
type RunError struct {
	RunID   string
	Status  RunStatus
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	var b strings.Builder
	b.WriteString(ErrAssistantRunFailed.Error())
	if e.RunID != "" {
		fmt.Fprintf(&b, " (run %s", e.RunID)
		if e.Status != "" {
			fmt.Fprintf(&b, ", status %s", e.Status)
		}
		b.WriteString(")")
	}
	if e.Code != "" {
		fmt.Fprintf(&b, ": %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	} else if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *RunError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrAssistantRunFailed, e.Cause}
	}
	return []error{ErrAssistantRunFailed}
}

// Retryable reports whether a backend error is transient. Backends mark their
// errors by implementing Retryable() bool. Errors without the marker are
// treated as transient so that bare network failures keep polling.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var marker interface{ Retryable() bool }
	if errors.As(err, &marker) {
		return marker.Retryable()
	}
	return true
}
