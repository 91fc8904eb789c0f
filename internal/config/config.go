// Package config loads the dbpilot YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/dbpilot/internal/audit"
	"github.com/haasonsaas/dbpilot/internal/ratelimit"
	"github.com/haasonsaas/dbpilot/internal/threads"
	"github.com/haasonsaas/dbpilot/internal/tools/security"
)

// EnvConfigPath names the environment variable holding the config path.
const EnvConfigPath = "DBPILOT_CONFIG"

// Config is the main configuration structure for dbpilot.
type Config struct {
	Version       int                  `yaml:"version"`
	Agent         AgentConfig          `yaml:"agent"`
	Gateway       GatewayConfig        `yaml:"gateway"`
	Threads       ThreadsConfig        `yaml:"threads"`
	Safety        security.GuardConfig `yaml:"safety"`
	Tools         ToolsConfig          `yaml:"tools"`
	RateLimit     RateLimitConfig      `yaml:"rate_limit"`
	Audit         audit.Config         `yaml:"audit"`
	Logging       LoggingConfig        `yaml:"logging"`
	Observability ObservabilityConfig  `yaml:"observability"`
	Server        ServerConfig         `yaml:"server"`
}

// AgentConfig configures the agent backend and the agent definition.
type AgentConfig struct {
	Provider     string `yaml:"provider"`
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	Organization string `yaml:"organization"`

	// AgentID pins an existing agent definition.
	AgentID                string `yaml:"agent_id"`
	Name                   string `yaml:"name"`
	Description            string `yaml:"description"`
	Model                  string `yaml:"model"`
	Instructions           string `yaml:"instructions"`
	AdditionalInstructions string `yaml:"additional_instructions"`

	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollAttempts int           `yaml:"max_poll_attempts"`
	SubmitAttempts  int           `yaml:"submit_attempts"`
	CancelTimeout   time.Duration `yaml:"cancel_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// GatewayConfig selects how SQL reaches the database.
type GatewayConfig struct {
	// Mode is "http" (platform query endpoint) or "postgres" (direct).
	Mode     string                `yaml:"mode"`
	HTTP     HTTPGatewayConfig     `yaml:"http"`
	Postgres PostgresGatewayConfig `yaml:"postgres"`
}

type HTTPGatewayConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	ForwardHeaders []string      `yaml:"forward_headers"`
}

type PostgresGatewayConfig struct {
	DefaultConnectionString string        `yaml:"default_connection_string"`
	MaxOpenConns            int           `yaml:"max_open_conns"`
	MaxIdleConns            int           `yaml:"max_idle_conns"`
	ConnMaxLifetime         time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime         time.Duration `yaml:"conn_max_idle_time"`
	StatementTimeout        time.Duration `yaml:"statement_timeout"`
	MaxPools                int           `yaml:"max_pools"`
}

// ThreadsConfig selects where user to thread mappings live.
type ThreadsConfig struct {
	// Backend is "memory", "postgres", "sqlite" or "redis".
	Backend  string               `yaml:"backend"`
	Database ThreadDatabaseConfig `yaml:"database"`
	Redis    threads.RedisConfig  `yaml:"redis"`
}

type ThreadDatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	AutoMigrate     *bool         `yaml:"auto_migrate"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RateLimitConfig throttles turns per user. Enabled defaults to true.
type RateLimitConfig struct {
	Enabled           *bool   `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// Limiter converts the section into a ratelimit.Config.
func (c RateLimitConfig) Limiter() ratelimit.Config {
	return ratelimit.Config{
		Enabled:           c.Enabled == nil || *c.Enabled,
		RequestsPerSecond: c.RequestsPerSecond,
		BurstSize:         c.BurstSize,
	}
}

// ToolsConfig bounds tool dispatch.
type ToolsConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing. An empty endpoint disables export.
type TracingConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Endpoint     string            `yaml:"endpoint"`
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Insecure     bool              `yaml:"insecure"`
	Attributes   map[string]string `yaml:"attributes"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads, merges, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration built from defaults and the environment
// only, for running without a config file.
func Default() *Config {
	cfg := &Config{}
	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg
}

// ResolvePath returns the explicit path, else $DBPILOT_CONFIG.
func ResolvePath(explicit string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	return os.Getenv(EnvConfigPath)
}

func applyEnv(cfg *Config) {
	if cfg.Agent.APIKey == "" {
		cfg.Agent.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Agent.BaseURL == "" {
		cfg.Agent.BaseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if cfg.Gateway.HTTP.BaseURL == "" {
		cfg.Gateway.HTTP.BaseURL = os.Getenv("DBPILOT_GATEWAY_URL")
	}
	if cfg.Gateway.Postgres.DefaultConnectionString == "" {
		cfg.Gateway.Postgres.DefaultConnectionString = os.Getenv("DATABASE_URL")
	}
	// Without a platform endpoint, a database URL implies direct mode.
	if cfg.Gateway.Mode == "" && cfg.Gateway.HTTP.BaseURL == "" && cfg.Gateway.Postgres.DefaultConnectionString != "" {
		cfg.Gateway.Mode = "postgres"
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}

	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = "openai"
	}
	if cfg.Agent.Name == "" && cfg.Agent.AgentID == "" {
		cfg.Agent.Name = "dbpilot"
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = "gpt-4o"
	}
	if cfg.Agent.Instructions == "" {
		cfg.Agent.Instructions = DefaultInstructions
	}
	if cfg.Agent.PollInterval == 0 {
		cfg.Agent.PollInterval = time.Second
	}
	if cfg.Agent.MaxPollAttempts == 0 {
		cfg.Agent.MaxPollAttempts = 30
	}
	if cfg.Agent.SubmitAttempts == 0 {
		cfg.Agent.SubmitAttempts = 3
	}
	if cfg.Agent.CancelTimeout == 0 {
		cfg.Agent.CancelTimeout = 5 * time.Second
	}
	if cfg.Agent.RequestTimeout == 0 {
		cfg.Agent.RequestTimeout = 60 * time.Second
	}

	if cfg.Gateway.Mode == "" {
		cfg.Gateway.Mode = "http"
	}
	if cfg.Gateway.HTTP.Timeout == 0 {
		cfg.Gateway.HTTP.Timeout = 30 * time.Second
	}
	if cfg.Gateway.Postgres.MaxOpenConns == 0 {
		cfg.Gateway.Postgres.MaxOpenConns = 5
	}
	if cfg.Gateway.Postgres.MaxIdleConns == 0 {
		cfg.Gateway.Postgres.MaxIdleConns = 2
	}
	if cfg.Gateway.Postgres.ConnMaxLifetime == 0 {
		cfg.Gateway.Postgres.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Gateway.Postgres.ConnMaxIdleTime == 0 {
		cfg.Gateway.Postgres.ConnMaxIdleTime = 2 * time.Minute
	}
	if cfg.Gateway.Postgres.StatementTimeout == 0 {
		cfg.Gateway.Postgres.StatementTimeout = 30 * time.Second
	}
	if cfg.Gateway.Postgres.MaxPools == 0 {
		cfg.Gateway.Postgres.MaxPools = 16
	}

	if cfg.Threads.Backend == "" {
		cfg.Threads.Backend = "memory"
	}
	if cfg.Threads.Database.AutoMigrate == nil {
		enabled := true
		cfg.Threads.Database.AutoMigrate = &enabled
	}

	guardDefaults := security.DefaultGuardConfig()
	if cfg.Safety.DefaultRowLimit == 0 {
		cfg.Safety.DefaultRowLimit = guardDefaults.DefaultRowLimit
	}
	if cfg.Safety.MaxRowLimit == 0 {
		cfg.Safety.MaxRowLimit = guardDefaults.MaxRowLimit
	}
	if cfg.Safety.MassThreshold == 0 {
		cfg.Safety.MassThreshold = guardDefaults.MassThreshold
	}

	if cfg.Tools.Concurrency == 0 {
		cfg.Tools.Concurrency = 4
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 30 * time.Second
	}

	limitDefaults := ratelimit.DefaultConfig()
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = limitDefaults.RequestsPerSecond
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = limitDefaults.BurstSize
	}

	auditDefaults := audit.DefaultConfig()
	if cfg.Audit.Level == "" {
		cfg.Audit.Level = auditDefaults.Level
	}
	if cfg.Audit.Format == "" {
		cfg.Audit.Format = auditDefaults.Format
	}
	if cfg.Audit.Output == "" {
		cfg.Audit.Output = auditDefaults.Output
	}
	if cfg.Audit.MaxFieldSize == 0 {
		cfg.Audit.MaxFieldSize = auditDefaults.MaxFieldSize
	}
	if cfg.Audit.SampleRate == 0 {
		cfg.Audit.SampleRate = auditDefaults.SampleRate
	}
	if cfg.Audit.BufferSize == 0 {
		cfg.Audit.BufferSize = auditDefaults.BufferSize
	}
	if cfg.Audit.FlushInterval == 0 {
		cfg.Audit.FlushInterval = auditDefaults.FlushInterval
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "dbpilot"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		// A turn may poll for up to MaxPollAttempts * PollInterval.
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Agent.Provider != "openai" {
		add("agent.provider: unsupported provider %q", c.Agent.Provider)
	}
	if c.Agent.MaxPollAttempts < 0 {
		add("agent.max_poll_attempts must be positive")
	}
	if c.Agent.PollInterval < 0 {
		add("agent.poll_interval must be positive")
	}

	switch c.Gateway.Mode {
	case "http":
		if strings.TrimSpace(c.Gateway.HTTP.BaseURL) == "" {
			add("gateway.http.base_url is required when gateway.mode is http")
		}
	case "postgres":
	default:
		add("gateway.mode: must be http or postgres, got %q", c.Gateway.Mode)
	}

	switch c.Threads.Backend {
	case "memory":
	case "postgres", "sqlite":
		if strings.TrimSpace(c.Threads.Database.DSN) == "" {
			add("threads.database.dsn is required for the %s backend", c.Threads.Backend)
		}
	case "redis":
		if strings.TrimSpace(c.Threads.Redis.Addr) == "" {
			add("threads.redis.addr is required for the redis backend")
		}
	default:
		add("threads.backend: must be memory, postgres, sqlite or redis, got %q", c.Threads.Backend)
	}

	if c.Safety.DefaultRowLimit < 0 || c.Safety.MaxRowLimit < 0 || c.Safety.MassThreshold < 0 {
		add("safety limits must not be negative")
	}
	if c.Safety.MaxRowLimit > 0 && c.Safety.DefaultRowLimit > c.Safety.MaxRowLimit {
		add("safety.default_row_limit (%d) exceeds safety.max_row_limit (%d)", c.Safety.DefaultRowLimit, c.Safety.MaxRowLimit)
	}
	for _, schema := range c.Safety.ProtectedSchemas {
		if err := security.ValidateIdentifier("schema", strings.TrimSpace(schema)); err != nil {
			add("safety.protected_schemas: %v", err)
		}
	}

	if c.Tools.Concurrency < 0 {
		add("tools.concurrency must not be negative")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.BurstSize < 0 {
		add("rate_limit values must not be negative")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format: must be json or text, got %q", c.Logging.Format)
	}

	if rate := c.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		add("observability.tracing.sampling_rate must be between 0 and 1")
	}
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		add("server.http_port out of range: %d", c.Server.HTTPPort)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %w", errors.Join(errs...))
}

// DefaultInstructions are the system instructions of the agent definition.
const DefaultInstructions = `You are a careful database assistant. Use the available tools to inspect and change the user's Postgres database.
Inspect before you change: list and describe tables before writing to them.
Never guess table or column names.
When a tool reports ConfirmationRequired, explain the impact and ask the user before retrying with the confirmation flag.
When a tool fails, explain the error in plain language.`
