package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/dbpilot/internal/observability"
)

// Logger writes audit events asynchronously through a buffered channel.
//
// Key features:
//   - JSON or text output to stdout, stderr or a file
//   - Tool arguments hashed unless explicitly enabled
//   - Trace correlation from the active span
//   - Event type filtering and sampling
//
// Usage:
//
//	logger, err := audit.NewLogger(audit.Config{Enabled: true, Output: "stderr"})
//	defer logger.Close()
//	logger.LogToolDispatch(ctx, audit.ToolDispatch{ToolName: "list_tables", Success: true})
//
// A nil *Logger and a disabled Logger both discard events.
type Logger struct {
	config     Config
	output     io.Writer
	closer     io.Closer
	slogger    *slog.Logger
	buffer     chan *Event
	wg         sync.WaitGroup
	done       chan struct{}
	closeOnce  sync.Once
	eventTypes map[EventType]bool
}

// NewLogger creates a new audit logger with the given configuration.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}

	var output io.Writer
	var closer io.Closer
	switch {
	case config.Output == "stdout" || config.Output == "":
		output = os.Stdout
	case config.Output == "stderr":
		output = os.Stderr
	case strings.HasPrefix(config.Output, "file:"):
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		output = f
		closer = f
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", config.Output)
	}

	l := NewLoggerWithWriter(config, output)
	l.closer = closer
	return l, nil
}

// NewLoggerWithWriter creates an enabled audit logger writing to w.
func NewLoggerWithWriter(config Config, w io.Writer) *Logger {
	config.Enabled = true
	if config.Level == "" {
		config.Level = LevelInfo
	}
	if config.SampleRate == 0 {
		config.SampleRate = 1.0
	}
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxFieldSize == 0 {
		config.MaxFieldSize = 1024
	}

	eventTypes := make(map[EventType]bool, len(config.EventTypes))
	for _, et := range config.EventTypes {
		eventTypes[et] = true
	}

	l := &Logger{
		config:     config,
		output:     w,
		buffer:     make(chan *Event, config.BufferSize),
		done:       make(chan struct{}),
		eventTypes: eventTypes,
	}

	opts := &slog.HandlerOptions{Level: l.slogLevel()}
	var handler slog.Handler
	if config.Format == FormatText {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	l.slogger = slog.New(handler).With("component", "audit")

	l.wg.Add(1)
	go l.writeLoop()
	return l
}

// Close flushes remaining events and closes the output if it is a file.
func (l *Logger) Close() error {
	if l == nil || !l.config.Enabled || l.done == nil {
		return nil
	}
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
	})
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Log writes an audit event to the log.
func (l *Logger) Log(ctx context.Context, event *Event) {
	if l == nil || !l.config.Enabled || event == nil {
		return
	}
	if l.config.SampleRate < 1.0 && rand.Float64() > l.config.SampleRate { // #nosec G404 -- sampling does not require cryptographic randomness
		return
	}
	if len(l.eventTypes) > 0 && !l.eventTypes[event.Type] {
		return
	}
	if !l.shouldLog(event.Level) {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.TraceID == "" && ctx != nil {
		event.TraceID = observability.GetTraceID(ctx)
	}

	select {
	case l.buffer <- event:
	default:
		// Buffer full: write synchronously rather than drop.
		l.writeEvent(event)
	}
}

// LogToolDispatch records one tool dispatch. Failed dispatches are logged at
// warn level; safety rejections additionally use EventToolRejected.
func (l *Logger) LogToolDispatch(ctx context.Context, d ToolDispatch, rejected bool) {
	if l == nil || !l.config.Enabled {
		return
	}

	level := LevelInfo
	eventType := EventToolDispatch
	if !d.Success {
		level = LevelWarn
		if rejected {
			eventType = EventToolRejected
		}
	}

	details := map[string]any{
		"success": d.Success,
	}
	if d.Code != "" {
		details["code"] = d.Code
	}
	if d.Arguments != "" {
		if l.config.IncludeToolArguments {
			details["arguments"] = l.truncate(d.Arguments)
		} else {
			details["arguments_hash"] = hashString(d.Arguments)
		}
	}

	l.Log(ctx, &Event{
		Type:       eventType,
		Level:      level,
		Timestamp:  d.Timestamp,
		UserID:     d.UserID,
		ThreadID:   d.ThreadID,
		RunID:      d.RunID,
		ToolName:   d.ToolName,
		ToolCallID: d.ToolCallID,
		Action:     "tool_dispatched",
		Details:    details,
		Duration:   d.Duration,
		Error:      l.truncate(d.Error),
	})
}

// LogRun records a run lifecycle event.
func (l *Logger) LogRun(ctx context.Context, eventType EventType, userID, threadID, runID string, duration time.Duration, err error) {
	level := LevelInfo
	var errMsg string
	if err != nil {
		level = LevelError
		errMsg = l.truncate(err.Error())
	}
	l.Log(ctx, &Event{
		Type:     eventType,
		Level:    level,
		UserID:   userID,
		ThreadID: threadID,
		RunID:    runID,
		Action:   string(eventType),
		Duration: duration,
		Error:    errMsg,
	})
}

// LogThread records a thread lifecycle event.
func (l *Logger) LogThread(ctx context.Context, eventType EventType, userID, threadID string, err error) {
	level := LevelInfo
	var errMsg string
	if err != nil {
		level = LevelWarn
		errMsg = l.truncate(err.Error())
	}
	l.Log(ctx, &Event{
		Type:     eventType,
		Level:    level,
		UserID:   userID,
		ThreadID: threadID,
		Action:   string(eventType),
		Error:    errMsg,
	})
}

// LogAgentDefinition records creation or update of the backend agent definition.
func (l *Logger) LogAgentDefinition(ctx context.Context, eventType EventType, agentID, name string, toolCount int) {
	l.Log(ctx, &Event{
		Type:   eventType,
		Level:  LevelInfo,
		Action: string(eventType),
		Details: map[string]any{
			"agent_id":   agentID,
			"agent_name": name,
			"tool_count": toolCount,
		},
	})
}

func (l *Logger) truncate(s string) string {
	if l == nil || l.config.MaxFieldSize <= 0 || len(s) <= l.config.MaxFieldSize {
		return s
	}
	return s[:l.config.MaxFieldSize] + "...(truncated)"
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		case <-ticker.C:
			l.flushBuffer()
		case <-l.done:
			l.flushBuffer()
			return
		}
	}
}

func (l *Logger) flushBuffer() {
	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		default:
			return
		}
	}
}

func (l *Logger) writeEvent(event *Event) {
	attrs := []any{
		"audit_id", event.ID,
		"audit_type", event.Type,
		"action", event.Action,
		"timestamp", event.Timestamp.Format(time.RFC3339Nano),
	}

	optional := []struct{ key, value string }{
		{"user_id", event.UserID},
		{"thread_id", event.ThreadID},
		{"run_id", event.RunID},
		{"tool_name", event.ToolName},
		{"tool_call_id", event.ToolCallID},
		{"trace_id", event.TraceID},
		{"error", event.Error},
	}
	for _, field := range optional {
		if field.value != "" {
			attrs = append(attrs, field.key, field.value)
		}
	}
	if event.Duration > 0 {
		attrs = append(attrs, "duration_ms", event.Duration.Milliseconds())
	}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}

	switch event.Level {
	case LevelDebug:
		l.slogger.Debug("audit", attrs...)
	case LevelWarn:
		l.slogger.Warn("audit", attrs...)
	case LevelError:
		l.slogger.Error("audit", attrs...)
	default:
		l.slogger.Info("audit", attrs...)
	}
}

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

func (l *Logger) shouldLog(level Level) bool {
	return levelRank[level] >= levelRank[l.config.Level]
}

func (l *Logger) slogLevel() slog.Level {
	switch l.config.Level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// hashString creates a SHA256 hash of a string (first 16 chars).
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}
