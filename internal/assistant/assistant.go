// Package assistant is the entry point the chat layer calls: it resolves a
// user's thread, runs one turn with the database tools and keeps the
// backend agent definition in sync with the registry.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/haasonsaas/dbpilot/internal/agent"
	"github.com/haasonsaas/dbpilot/internal/audit"
	"github.com/haasonsaas/dbpilot/internal/observability"
	"github.com/haasonsaas/dbpilot/internal/ratelimit"
	"github.com/haasonsaas/dbpilot/internal/threads"
)

// Config describes the backend agent definition.
type Config struct {
	// AgentID pins an existing definition. When empty the definition is
	// looked up by Name and created if missing.
	AgentID string

	Name         string
	Description  string
	Model        string
	Instructions string

	// AdditionalInstructions is appended to every run.
	AdditionalInstructions string
}

// ManagerContext carries the per-request database target and caller identity.
type ManagerContext struct {
	ProjectRef       string
	ConnectionString string
	UserID           string
	Headers          http.Header
}

func (mc ManagerContext) toolContext() agent.ToolContext {
	return agent.ToolContext{
		ProjectRef:       mc.ProjectRef,
		ConnectionString: mc.ConnectionString,
		UserID:           mc.UserID,
		Headers:          mc.Headers.Clone(),
	}
}

// Assistant orchestrates conversations against an agent backend.
type Assistant struct {
	config   Config
	agents   agent.AgentRegistry
	registry *agent.ToolRegistry
	driver   *agent.Driver
	threads  *threads.Manager
	locker   *threads.Locker
	limiter  *ratelimit.Limiter

	setupMu sync.Mutex
	mu      sync.RWMutex
	agentID string

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	audit   *audit.Logger
}

type options struct {
	store        threads.Store
	limiter      *ratelimit.Limiter
	driverConfig agent.DriverConfig
	logger       *observability.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	audit        *audit.Logger
}

// Option configures an Assistant.
type Option func(*options)

// WithThreadStore persists user to thread mappings. Default: in memory.
func WithThreadStore(store threads.Store) Option {
	return func(o *options) { o.store = store }
}

// WithRateLimiter throttles turns per user.
func WithRateLimiter(limiter *ratelimit.Limiter) Option {
	return func(o *options) { o.limiter = limiter }
}

// WithDriverConfig overrides the run polling settings.
func WithDriverConfig(cfg agent.DriverConfig) Option {
	return func(o *options) { o.driverConfig = cfg }
}

// WithLogger sets the structured logger.
func WithLogger(logger *observability.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(o *options) { o.metrics = metrics }
}

// WithTracer enables tracing.
func WithTracer(tracer *observability.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

// WithAuditLogger records tool dispatches, runs and thread lifecycle events.
func WithAuditLogger(logger *audit.Logger) Option {
	return func(o *options) { o.audit = logger }
}

// New wires the thread manager and run driver around backend.
func New(backend agent.Backend, agents agent.AgentRegistry, registry *agent.ToolRegistry, cfg Config, opts ...Option) (*Assistant, error) {
	if backend == nil {
		return nil, errors.New("assistant: backend is required")
	}
	if registry == nil {
		return nil, errors.New("assistant: tool registry is required")
	}
	if cfg.AgentID == "" && strings.TrimSpace(cfg.Name) == "" {
		return nil, errors.New("assistant: agent id or name is required")
	}

	o := options{driverConfig: agent.DefaultDriverConfig(), logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = observability.NopLogger()
	}

	locker := threads.NewLocker()
	manager := threads.NewManager(backend, o.store,
		threads.WithLocker(locker),
		threads.WithLogger(o.logger),
		threads.WithMetrics(o.metrics),
		threads.WithAuditLogger(o.audit),
	)
	driver := agent.NewDriver(backend, registry, o.driverConfig,
		agent.WithLogger(o.logger),
		agent.WithMetrics(o.metrics),
		agent.WithTracer(o.tracer),
		agent.WithAuditLogger(o.audit),
	)

	return &Assistant{
		config:   cfg,
		agents:   agents,
		registry: registry,
		driver:   driver,
		threads:  manager,
		locker:   locker,
		limiter:  o.limiter,
		agentID:  cfg.AgentID,
		logger:   o.logger,
		metrics:  o.metrics,
		tracer:   o.tracer,
		audit:    o.audit,
	}, nil
}

// Registry returns the tool registry.
func (a *Assistant) Registry() *agent.ToolRegistry {
	return a.registry
}

// Threads returns the thread manager.
func (a *Assistant) Threads() *threads.Manager {
	return a.threads
}

// AgentID returns the backend agent definition id, if known.
func (a *Assistant) AgentID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.agentID
}

// ResolveThread returns the user's live thread id, creating one if needed.
func (a *Assistant) ResolveThread(ctx context.Context, userID string) (string, error) {
	return a.threads.Resolve(ctx, userID)
}

// SendMessage runs one turn on threadID and returns the agent's answer with
// the tool calls that produced it. Turns on the same thread are serialized.
func (a *Assistant) SendMessage(ctx context.Context, threadID, message string, mc ManagerContext) (*agent.TurnResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}
	if strings.TrimSpace(threadID) == "" {
		return nil, fmt.Errorf("%w: thread id is required", ErrAssistantRunFailed)
	}
	ctx = observability.AddThreadID(ctx, threadID)
	if mc.UserID != "" {
		ctx = observability.AddUserID(ctx, mc.UserID)
	}

	limitKey := mc.UserID
	if limitKey == "" {
		limitKey = "thread:" + threadID
	}
	if !a.limiter.Allow(limitKey) {
		wait := a.limiter.WaitTime(limitKey)
		a.logger.Warn(ctx, "turn rate limited", "retry_after", wait.String())
		return nil, fmt.Errorf("%w: retry after %s", ErrRateLimited, wait)
	}

	agentID, err := a.ensureAgent(ctx)
	if err != nil {
		return nil, err
	}

	unlock, err := a.locker.Lock(ctx, threads.ThreadLockKey(threadID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	a.logger.Debug(ctx, "turn started", "message_length", len(message))
	return a.driver.RunTurn(ctx, agent.TurnRequest{
		ThreadID:               threadID,
		AssistantID:            agentID,
		Message:                message,
		AdditionalInstructions: a.config.AdditionalInstructions,
		ToolContext:            mc.toolContext(),
	})
}

// Chat resolves the user's thread and runs one turn on it.
func (a *Assistant) Chat(ctx context.Context, userID, message string, mc ManagerContext) (*agent.TurnResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}
	if mc.UserID == "" {
		mc.UserID = userID
	}
	threadID, err := a.ResolveThread(ctx, userID)
	if err != nil {
		return nil, err
	}
	return a.SendMessage(ctx, threadID, message, mc)
}

// ClearThread forgets the user's conversation. It never fails; backend
// cleanup problems are only logged. The user's rate limit budget is kept.
func (a *Assistant) ClearThread(ctx context.Context, userID string) {
	a.threads.Reset(ctx, userID)
}

func (a *Assistant) ensureAgent(ctx context.Context) (string, error) {
	if id := a.AgentID(); id != "" {
		return id, nil
	}
	id, err := a.SetupAgentDefinition(ctx)
	if err != nil {
		return "", &agent.RunError{Message: "set up agent definition", Cause: err}
	}
	return id, nil
}

// SetupAgentDefinition creates or updates the backend agent definition so
// its tools match the registry. A configured id is updated in place;
// otherwise a definition with the configured name is updated, or a new one
// is created. Calling it repeatedly converges on one definition.
func (a *Assistant) SetupAgentDefinition(ctx context.Context) (string, error) {
	if a.agents == nil {
		return "", errors.New("assistant: backend does not manage agent definitions")
	}
	a.setupMu.Lock()
	defer a.setupMu.Unlock()

	def := agent.AgentDefinition{
		Name:         a.config.Name,
		Description:  a.config.Description,
		Model:        a.config.Model,
		Instructions: a.config.Instructions,
		Tools:        a.registry.Schemas(),
		Metadata:     map[string]any{"managed_by": "dbpilot"},
	}

	id := a.AgentID()
	if id == "" {
		id = a.config.AgentID
	}
	if id != "" {
		updated, err := a.agents.UpdateAgent(ctx, id, def)
		switch {
		case err == nil:
			return a.recordAgent(ctx, audit.EventAgentUpdated, updated, id), nil
		case errors.Is(err, agent.ErrBackendNotFound) && def.Name != "":
			a.logger.Warn(ctx, "configured agent definition not found, looking up by name", "agent_id", id)
		default:
			return "", fmt.Errorf("update agent definition %s: %w", id, err)
		}
	}

	existing, err := a.agents.FindAgent(ctx, def.Name)
	switch {
	case err == nil:
		updated, err := a.agents.UpdateAgent(ctx, existing.ID, def)
		if err != nil {
			return "", fmt.Errorf("update agent definition %s: %w", existing.ID, err)
		}
		return a.recordAgent(ctx, audit.EventAgentUpdated, updated, existing.ID), nil
	case errors.Is(err, agent.ErrBackendNotFound):
	default:
		return "", fmt.Errorf("find agent definition %q: %w", def.Name, err)
	}

	created, err := a.agents.CreateAgent(ctx, def)
	if err != nil {
		return "", fmt.Errorf("create agent definition: %w", err)
	}
	return a.recordAgent(ctx, audit.EventAgentCreated, created, ""), nil
}

func (a *Assistant) recordAgent(ctx context.Context, event audit.EventType, def *agent.AgentDefinition, fallbackID string) string {
	id := fallbackID
	if def != nil && def.ID != "" {
		id = def.ID
	}
	a.mu.Lock()
	a.agentID = id
	a.mu.Unlock()

	toolCount := len(a.registry.Names())
	a.audit.LogAgentDefinition(ctx, event, id, a.config.Name, toolCount)
	a.logger.Info(ctx, "agent definition synced", "agent_id", id, "event", string(event), "tools", toolCount)
	return id
}
