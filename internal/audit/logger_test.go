package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func newTestLogger(t *testing.T, cfg Config) (*Logger, *syncBuffer) {
	t.Helper()
	buf := &syncBuffer{}
	logger := NewLoggerWithWriter(cfg, buf)
	t.Cleanup(func() { _ = logger.Close() })
	return logger, buf
}

func TestNewLogger_Disabled(t *testing.T) {
	logger, err := NewLogger(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Log(context.Background(), &Event{Type: EventToolDispatch})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestNewLogger_UnsupportedOutput(t *testing.T) {
	_, err := NewLogger(Config{Enabled: true, Output: "syslog"})
	if err == nil {
		t.Fatal("expected error for unsupported output")
	}
}

func TestNilLogger(t *testing.T) {
	var logger *Logger
	logger.LogToolDispatch(context.Background(), ToolDispatch{ToolName: "x"}, false)
	logger.LogThread(context.Background(), EventThreadCreated, "u", "t", nil)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestLogToolDispatch(t *testing.T) {
	logger, buf := newTestLogger(t, Config{})

	logger.LogToolDispatch(context.Background(), ToolDispatch{
		ToolName:   "delete_table_rows",
		ToolCallID: "call_1",
		UserID:     "user-1",
		Arguments:  `{"table":"orders","where":"id = 1"}`,
		Success:    false,
		Code:       "ConfirmationRequired",
		Error:      "150 rows affected",
		Timestamp:  time.Now(),
	}, true)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	lines := buf.lines()
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	line := lines[0]
	if line["audit_type"] != string(EventToolRejected) {
		t.Errorf("audit_type = %v", line["audit_type"])
	}
	if line["tool_name"] != "delete_table_rows" || line["user_id"] != "user-1" {
		t.Errorf("unexpected fields: %v", line)
	}
	if line["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", line["level"])
	}
	if _, ok := line["arguments"]; ok {
		t.Error("raw arguments should not be logged by default")
	}
	if line["arguments_hash"] != hashString(`{"table":"orders","where":"id = 1"}`) {
		t.Errorf("arguments_hash = %v", line["arguments_hash"])
	}
}

func TestLogToolDispatch_IncludeArguments(t *testing.T) {
	logger, buf := newTestLogger(t, Config{IncludeToolArguments: true, MaxFieldSize: 8})

	logger.LogToolDispatch(context.Background(), ToolDispatch{
		ToolName:  "run_sql",
		Arguments: `{"sql":"select 1"}`,
		Success:   true,
	}, false)
	_ = logger.Close()

	lines := buf.lines()
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if got := lines[0]["arguments"]; got != `{"sql":"...(truncated)` {
		t.Errorf("arguments = %v", got)
	}
	if lines[0]["audit_type"] != string(EventToolDispatch) {
		t.Errorf("audit_type = %v", lines[0]["audit_type"])
	}
}

func TestLog_EventTypeFilter(t *testing.T) {
	logger, buf := newTestLogger(t, Config{EventTypes: []EventType{EventThreadCreated}})

	logger.LogThread(context.Background(), EventThreadCreated, "u1", "thread_1", nil)
	logger.LogThread(context.Background(), EventThreadReset, "u1", "thread_1", nil)
	_ = logger.Close()

	lines := buf.lines()
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["thread_id"] != "thread_1" {
		t.Errorf("thread_id = %v", lines[0]["thread_id"])
	}
}

func TestLog_LevelFilter(t *testing.T) {
	logger, buf := newTestLogger(t, Config{Level: LevelError})

	logger.LogThread(context.Background(), EventThreadCreated, "u1", "thread_1", nil)
	logger.LogRun(context.Background(), EventRunFailed, "u1", "thread_1", "run_1", time.Second, errors.New("expired"))
	_ = logger.Close()

	lines := buf.lines()
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["run_id"] != "run_1" || lines[0]["error"] != "expired" {
		t.Errorf("unexpected line: %v", lines[0])
	}
	if lines[0]["duration_ms"] != float64(1000) {
		t.Errorf("duration_ms = %v", lines[0]["duration_ms"])
	}
}

func TestLogAgentDefinition(t *testing.T) {
	logger, buf := newTestLogger(t, Config{Format: FormatText})

	logger.LogAgentDefinition(context.Background(), EventAgentCreated, "asst_1", "dbpilot", 10)
	_ = logger.Close()

	out := buf.buf.String()
	for _, want := range []string{"audit_type=agent.created", "agent_id=asst_1", "tool_count=10"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestShouldLog(t *testing.T) {
	l := &Logger{config: Config{Level: LevelWarn}}
	tests := []struct {
		level Level
		want  bool
	}{
		{LevelDebug, false},
		{LevelInfo, false},
		{LevelWarn, true},
		{LevelError, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			if got := l.shouldLog(tt.level); got != tt.want {
				t.Errorf("shouldLog(%s) = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestHashString(t *testing.T) {
	a := hashString("select 1")
	if len(a) != 16 {
		t.Fatalf("hash length = %d, want 16", len(a))
	}
	if a != hashString("select 1") {
		t.Error("hash should be deterministic")
	}
	if a == hashString("select 2") {
		t.Error("different inputs should hash differently")
	}
}
