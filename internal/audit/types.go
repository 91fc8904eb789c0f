// Package audit provides a structured audit trail of tool dispatches, agent
// runs and thread lifecycle events.
package audit

import (
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	// Tool events
	EventToolDispatch EventType = "tool.dispatch"
	EventToolRejected EventType = "tool.rejected"

	// Run events
	EventRunStarted   EventType = "run.started"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunTimeout   EventType = "run.timeout"

	// Thread events
	EventThreadCreated EventType = "thread.created"
	EventThreadEvicted EventType = "thread.evicted"
	EventThreadReset   EventType = "thread.reset"

	// Agent definition events
	EventAgentCreated EventType = "agent.created"
	EventAgentUpdated EventType = "agent.updated"
)

// Level represents audit log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event represents a single audit log entry.
type Event struct {
	// ID is a unique identifier for this audit event.
	ID string `json:"id"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// Level is the severity level.
	Level Level `json:"level"`

	// Timestamp when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// UserID identifies the end user the action ran for.
	UserID string `json:"user_id,omitempty"`

	// ThreadID identifies the conversation thread.
	ThreadID string `json:"thread_id,omitempty"`

	// RunID identifies the agent run.
	RunID string `json:"run_id,omitempty"`

	// ToolName identifies the tool for tool-related events.
	ToolName string `json:"tool_name,omitempty"`

	// ToolCallID links to a specific tool call.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Action describes what happened.
	Action string `json:"action"`

	// Details contains event-specific structured data.
	Details map[string]any `json:"details,omitempty"`

	// Duration is the time taken for timed operations.
	Duration time.Duration `json:"duration,omitempty"`

	// Error contains error information if applicable.
	Error string `json:"error,omitempty"`

	// TraceID for distributed tracing correlation.
	TraceID string `json:"trace_id,omitempty"`
}

// ToolDispatch describes one completed tool dispatch.
type ToolDispatch struct {
	ToolName   string
	ToolCallID string
	UserID     string
	ThreadID   string
	RunID      string
	Arguments  string
	Success    bool
	Code       string
	Error      string
	Duration   time.Duration
	Timestamp  time.Time
}

// OutputFormat specifies the audit log output format.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Config configures the audit logger.
type Config struct {
	// Enabled determines if audit logging is active.
	Enabled bool `yaml:"enabled"`

	// Level is the minimum level to log.
	Level Level `yaml:"level"`

	// Format specifies the output format.
	Format OutputFormat `yaml:"format"`

	// Output specifies where to write logs.
	// Supported: "stdout", "stderr", "file:/path/to/file.log"
	Output string `yaml:"output"`

	// IncludeToolArguments logs raw tool arguments instead of their hash.
	// Arguments may contain row data, so this is off by default.
	IncludeToolArguments bool `yaml:"include_tool_arguments"`

	// MaxFieldSize limits the size of logged fields.
	MaxFieldSize int `yaml:"max_field_size"`

	// EventTypes filters which event types to log (empty = all).
	EventTypes []EventType `yaml:"event_types"`

	// SampleRate controls what fraction of events are logged (0.0 to 1.0).
	SampleRate float64 `yaml:"sample_rate"`

	// BufferSize is the size of the async write buffer.
	BufferSize int `yaml:"buffer_size"`

	// FlushInterval is how often to flush the buffer.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultConfig returns a default audit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		Level:         LevelInfo,
		Format:        FormatJSON,
		Output:        "stdout",
		MaxFieldSize:  1024,
		SampleRate:    1.0,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}
}
