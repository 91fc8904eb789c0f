package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	return writeNamedConfig(t, t.TempDir(), "config.yaml", content)
}

func writeNamedConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"OPENAI_API_KEY", "OPENAI_BASE_URL", "DBPILOT_GATEWAY_URL", "DATABASE_URL"} {
		t.Setenv(key, "")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
gateway:
  http:
    base_url: https://api.example.com
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Version != CurrentVersion {
		t.Errorf("Version = %d", cfg.Version)
	}
	if cfg.Agent.Provider != "openai" || cfg.Agent.Name != "dbpilot" || cfg.Agent.Model == "" {
		t.Errorf("agent defaults = %+v", cfg.Agent)
	}
	if cfg.Agent.PollInterval != time.Second || cfg.Agent.MaxPollAttempts != 30 {
		t.Errorf("poll defaults = %v / %d", cfg.Agent.PollInterval, cfg.Agent.MaxPollAttempts)
	}
	if cfg.Gateway.Mode != "http" {
		t.Errorf("Gateway.Mode = %q", cfg.Gateway.Mode)
	}
	if cfg.Threads.Backend != "memory" || cfg.Threads.Database.AutoMigrate == nil || !*cfg.Threads.Database.AutoMigrate {
		t.Errorf("threads defaults = %+v", cfg.Threads)
	}
	if cfg.Safety.DefaultRowLimit != 1000 || cfg.Safety.MaxRowLimit != 10000 || cfg.Safety.MassThreshold != 100 {
		t.Errorf("safety defaults = %+v", cfg.Safety)
	}
	if cfg.Tools.Concurrency != 4 || cfg.Tools.Timeout != 30*time.Second {
		t.Errorf("tools defaults = %+v", cfg.Tools)
	}
	if limiter := cfg.RateLimit.Limiter(); !limiter.Enabled || limiter.RequestsPerSecond <= 0 {
		t.Errorf("rate limit defaults = %+v", limiter)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d", cfg.Server.HTTPPort)
	}
}

func TestLoadParsesSections(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
version: 1
agent:
  agent_id: asst_123
  model: gpt-4o-mini
  poll_interval: 500ms
  max_poll_attempts: 60
gateway:
  mode: postgres
  postgres:
    default_connection_string: postgres://localhost/app
    statement_timeout: 10s
threads:
  backend: redis
  redis:
    addr: localhost:6379
    ttl: 24h
safety:
  default_row_limit: 500
  max_row_limit: 5000
  mass_operation_threshold: 50
  protected_schemas: [billing]
rate_limit:
  enabled: false
audit:
  enabled: true
  output: stderr
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.AgentID != "asst_123" || cfg.Agent.Name != "" {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Agent.PollInterval != 500*time.Millisecond || cfg.Agent.MaxPollAttempts != 60 {
		t.Errorf("poll = %v / %d", cfg.Agent.PollInterval, cfg.Agent.MaxPollAttempts)
	}
	if cfg.Gateway.Postgres.StatementTimeout != 10*time.Second {
		t.Errorf("statement timeout = %v", cfg.Gateway.Postgres.StatementTimeout)
	}
	if cfg.Threads.Redis.TTL != 24*time.Hour {
		t.Errorf("redis ttl = %v", cfg.Threads.Redis.TTL)
	}
	if cfg.Safety.MassThreshold != 50 || len(cfg.Safety.ProtectedSchemas) != 1 {
		t.Errorf("safety = %+v", cfg.Safety)
	}
	if cfg.RateLimit.Limiter().Enabled {
		t.Errorf("rate limit should be disabled")
	}
	if !cfg.Audit.Enabled || cfg.Audit.Output != "stderr" || cfg.Audit.BufferSize == 0 {
		t.Errorf("audit = %+v", cfg.Audit)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
gateway:
  http:
    base_url: https://api.example.com
    extra: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "http gateway without base url",
			content: "gateway:\n  mode: http\n",
			wantErr: "gateway.http.base_url",
		},
		{
			name:    "unknown gateway mode",
			content: "gateway:\n  mode: grpc\n",
			wantErr: "gateway.mode",
		},
		{
			name:    "sqlite threads without dsn",
			content: "gateway:\n  mode: postgres\nthreads:\n  backend: sqlite\n",
			wantErr: "threads.database.dsn",
		},
		{
			name:    "redis threads without addr",
			content: "gateway:\n  mode: postgres\nthreads:\n  backend: redis\n",
			wantErr: "threads.redis.addr",
		},
		{
			name:    "unknown threads backend",
			content: "gateway:\n  mode: postgres\nthreads:\n  backend: etcd\n",
			wantErr: "threads.backend",
		},
		{
			name:    "default limit above max",
			content: "gateway:\n  mode: postgres\nsafety:\n  default_row_limit: 20\n  max_row_limit: 10\n",
			wantErr: "default_row_limit",
		},
		{
			name:    "invalid protected schema",
			content: "gateway:\n  mode: postgres\nsafety:\n  protected_schemas: [\"bad name\"]\n",
			wantErr: "protected_schemas",
		},
		{
			name:    "bad log format",
			content: "gateway:\n  mode: postgres\nlogging:\n  format: xml\n",
			wantErr: "logging.format",
		},
		{
			name:    "unsupported provider",
			content: "gateway:\n  mode: postgres\nagent:\n  provider: anthropic\n",
			wantErr: "agent.provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadReportsAllErrors(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeConfig(t, "gateway:\n  mode: grpc\nlogging:\n  format: xml\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "gateway.mode") || !strings.Contains(err.Error(), "logging.format") {
		t.Fatalf("error should list both problems: %v", err)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "from-env")
	t.Setenv("TEST_GATEWAY_HOST", "gw.internal")
	path := writeConfig(t, `
gateway:
  http:
    base_url: https://${TEST_GATEWAY_HOST}
    timeout: ${TEST_GATEWAY_TIMEOUT:-45s}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.HTTP.BaseURL != "https://gw.internal" {
		t.Errorf("BaseURL = %q", cfg.Gateway.HTTP.BaseURL)
	}
	if cfg.Gateway.HTTP.Timeout != 45*time.Second {
		t.Errorf("Timeout = %v", cfg.Gateway.HTTP.Timeout)
	}
	if cfg.Agent.APIKey != "from-env" {
		t.Errorf("APIKey = %q", cfg.Agent.APIKey)
	}
}

func TestLoadIncludes(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeNamedConfig(t, dir, "base.yaml", `
gateway:
  mode: postgres
  postgres:
    max_open_conns: 9
logging:
  level: debug
`)
	writeNamedConfig(t, dir, "agent.json5", `{
  // comments are allowed in json5 includes
  agent: {model: "gpt-4o-mini"},
}`)
	path := writeNamedConfig(t, dir, "config.yaml", `
$include: [base.yaml, agent.json5]
logging:
  level: warn
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Mode != "postgres" || cfg.Gateway.Postgres.MaxOpenConns != 9 {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Agent.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q", cfg.Agent.Model)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("including file should win, level = %q", cfg.Logging.Level)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeNamedConfig(t, dir, "a.yaml", "$include: b.yaml\n")
	writeNamedConfig(t, dir, "b.yaml", "$include: a.yaml\n")

	_, err := LoadRaw(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestDefaultUsesEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/app")

	cfg := Default()
	if cfg.Gateway.Mode != "postgres" {
		t.Fatalf("Mode = %q, want postgres", cfg.Gateway.Mode)
	}
	if cfg.Gateway.Postgres.MaxPools != 16 {
		t.Errorf("MaxPools = %d, want 16", cfg.Gateway.Postgres.MaxPools)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/dbpilot.yaml")
	if got := ResolvePath(""); got != "/etc/dbpilot.yaml" {
		t.Fatalf("ResolvePath(\"\") = %q", got)
	}
	if got := ResolvePath("local.yaml"); got != "local.yaml" {
		t.Fatalf("ResolvePath(explicit) = %q", got)
	}
}

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		version    int
		wantReason string
	}{
		{version: 0},
		{version: CurrentVersion},
		{version: -1, wantReason: "invalid"},
		{version: CurrentVersion + 1, wantReason: "newer than this build"},
	}
	for _, tt := range tests {
		err := ValidateVersion(tt.version)
		if tt.wantReason == "" {
			if err != nil {
				t.Errorf("ValidateVersion(%d) = %v", tt.version, err)
			}
			continue
		}
		var ve *VersionError
		if !errors.As(err, &ve) || ve.Reason != tt.wantReason {
			t.Errorf("ValidateVersion(%d) = %v, want reason %q", tt.version, err, tt.wantReason)
		}
	}

	var nilErr *VersionError
	if nilErr.Error() != "" {
		t.Error("nil VersionError should format as empty")
	}
}
