package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/dbpilot/internal/agent"
	"github.com/haasonsaas/dbpilot/internal/agent/providers"
	"github.com/haasonsaas/dbpilot/internal/assistant"
	"github.com/haasonsaas/dbpilot/internal/audit"
	"github.com/haasonsaas/dbpilot/internal/backoff"
	"github.com/haasonsaas/dbpilot/internal/config"
	"github.com/haasonsaas/dbpilot/internal/observability"
	"github.com/haasonsaas/dbpilot/internal/ratelimit"
	"github.com/haasonsaas/dbpilot/internal/sqlgateway"
	"github.com/haasonsaas/dbpilot/internal/threads"
	"github.com/haasonsaas/dbpilot/internal/tools/database"
	"github.com/haasonsaas/dbpilot/internal/tools/security"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg       *config.Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	registry  *prometheus.Registry
	tracer    *observability.Tracer
	audit     *audit.Logger
	assistant *assistant.Assistant

	closers []func(context.Context) error
}

// loadConfig loads the config file, or falls back to defaults plus
// environment when no path is given.
func loadConfig(path string) (*config.Config, error) {
	path = config.ResolvePath(path)
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("no config file given and the environment is incomplete: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: out,
	})
}

// buildApp wires the agent backend, SQL gateway, tools and thread store.
func buildApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	if strings.TrimSpace(cfg.Agent.APIKey) == "" {
		return nil, errors.New("agent.api_key is required (or set OPENAI_API_KEY)")
	}

	a := &app{cfg: cfg, logger: newLogger(cfg, logOut)}
	if cfg.Observability.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = observability.NewMetrics(a.registry)
	}
	if cfg.Observability.Tracing.Enabled {
		tracer, shutdown := observability.NewTracer(observability.TraceConfig{
			ServiceName:    cfg.Observability.Tracing.ServiceName,
			ServiceVersion: version,
			Environment:    cfg.Observability.Tracing.Environment,
			Endpoint:       cfg.Observability.Tracing.Endpoint,
			SamplingRate:   cfg.Observability.Tracing.SamplingRate,
			Attributes:     cfg.Observability.Tracing.Attributes,
			EnableInsecure: cfg.Observability.Tracing.Insecure,
		})
		a.tracer = tracer
		a.closers = append(a.closers, shutdown)
	}

	auditLogger, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		return nil, err
	}
	a.audit = auditLogger
	a.closers = append(a.closers, func(context.Context) error { return auditLogger.Close() })

	gw, closeGateway, err := buildGateway(cfg)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.closers = append(a.closers, closeGateway)
	instrumented := sqlgateway.Instrument(gw, a.logger, a.metrics, a.tracer)

	registry := agent.NewToolRegistry()
	if err := database.Register(registry, instrumented, security.NewGuard(cfg.Safety)); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	store, closeStore, err := openThreadStore(ctx, cfg.Threads)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.closers = append(a.closers, closeStore)

	backend := providers.NewOpenAIAssistants(providers.OpenAIConfig{
		APIKey:       cfg.Agent.APIKey,
		BaseURL:      cfg.Agent.BaseURL,
		Organization: cfg.Agent.Organization,
	})

	a.assistant, err = assistant.New(backend, backend, registry, assistant.Config{
		AgentID:                cfg.Agent.AgentID,
		Name:                   cfg.Agent.Name,
		Description:            cfg.Agent.Description,
		Model:                  cfg.Agent.Model,
		Instructions:           cfg.Agent.Instructions,
		AdditionalInstructions: cfg.Agent.AdditionalInstructions,
	},
		assistant.WithThreadStore(store),
		assistant.WithRateLimiter(ratelimit.NewLimiter(cfg.RateLimit.Limiter())),
		assistant.WithDriverConfig(agent.DriverConfig{
			PollInterval:    cfg.Agent.PollInterval,
			MaxPollAttempts: cfg.Agent.MaxPollAttempts,
			SubmitAttempts:  cfg.Agent.SubmitAttempts,
			SubmitPolicy:    backoff.DefaultPolicy(),
			CancelTimeout:   cfg.Agent.CancelTimeout,
			ToolExec: agent.ToolExecConfig{
				Concurrency:    cfg.Tools.Concurrency,
				PerToolTimeout: cfg.Tools.Timeout,
			},
		}),
		assistant.WithLogger(a.logger),
		assistant.WithMetrics(a.metrics),
		assistant.WithTracer(a.tracer),
		assistant.WithAuditLogger(a.audit),
	)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func buildGateway(cfg *config.Config) (sqlgateway.Gateway, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch cfg.Gateway.Mode {
	case "http":
		gw, err := sqlgateway.NewHTTPGateway(sqlgateway.HTTPConfig{
			BaseURL:        cfg.Gateway.HTTP.BaseURL,
			Timeout:        cfg.Gateway.HTTP.Timeout,
			ForwardHeaders: cfg.Gateway.HTTP.ForwardHeaders,
		})
		if err != nil {
			return nil, nil, err
		}
		return gw, noop, nil
	case "postgres":
		gw := sqlgateway.NewPostgresGateway(sqlgateway.PostgresConfig{
			DefaultConnectionString: cfg.Gateway.Postgres.DefaultConnectionString,
			MaxOpenConns:            cfg.Gateway.Postgres.MaxOpenConns,
			MaxIdleConns:            cfg.Gateway.Postgres.MaxIdleConns,
			ConnMaxLifetime:         cfg.Gateway.Postgres.ConnMaxLifetime,
			ConnMaxIdleTime:         cfg.Gateway.Postgres.ConnMaxIdleTime,
			StatementTimeout:        cfg.Gateway.Postgres.StatementTimeout,
			MaxPools:                cfg.Gateway.Postgres.MaxPools,
		})
		return gw, func(context.Context) error { return gw.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported gateway mode %q", cfg.Gateway.Mode)
	}
}

func openThreadStore(ctx context.Context, cfg config.ThreadsConfig) (threads.Store, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch cfg.Backend {
	case "", "memory":
		return threads.NewMemoryStore(), noop, nil
	case "postgres", "sqlite":
		store, err := threads.OpenSQLStore(ctx, threads.SQLConfig{
			Dialect:         threads.Dialect(cfg.Backend),
			DSN:             cfg.Database.DSN,
			AutoMigrate:     cfg.Database.AutoMigrate == nil || *cfg.Database.AutoMigrate,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open thread store: %w", err)
		}
		return store, func(context.Context) error { return store.Close() }, nil
	case "redis":
		store, err := threads.NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("open thread store: %w", err)
		}
		return store, func(context.Context) error { return store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported thread store %q", cfg.Backend)
	}
}

// offlineRegistry builds the tool registry without connecting to anything,
// for commands that only describe the tools.
func offlineRegistry(cfg *config.Config) (*agent.ToolRegistry, error) {
	registry := agent.NewToolRegistry()
	gw := sqlgateway.NewPostgresGateway(sqlgateway.PostgresConfig{})
	if err := database.Register(registry, gw, security.NewGuard(cfg.Safety)); err != nil {
		return nil, err
	}
	return registry, nil
}

