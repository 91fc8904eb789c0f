package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/dbpilot/internal/agent"
	"github.com/haasonsaas/dbpilot/internal/assistant"
	"github.com/haasonsaas/dbpilot/internal/config"
	"github.com/haasonsaas/dbpilot/internal/server"
	"github.com/haasonsaas/dbpilot/internal/threads"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads the config, wires the assistant and serves until a
// shutdown signal arrives.
func runServe(cmd *cobra.Command, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting dbpilot",
		"version", version,
		"commit", commit,
		"gateway", cfg.Gateway.Mode,
		"threads", cfg.Threads.Backend,
	)

	a, err := buildApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			slog.Warn("shutdown cleanup failed", "error", err)
		}
	}()

	if agentID, err := a.assistant.SetupAgentDefinition(ctx); err != nil {
		// The first chat turn retries the setup.
		slog.Warn("agent definition setup failed", "error", err)
	} else {
		slog.Info("agent definition ready", "agent_id", agentID)
	}

	opts := []server.Option{server.WithLogger(a.logger)}
	if a.registry != nil {
		opts = append(opts, server.WithMetrics(a.metrics, a.registry))
	}
	srv := server.New(a.assistant, server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.HTTPPort,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, opts...)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	slog.Info("dbpilot started", "addr", srv.Addr())

	<-ctx.Done()
	slog.Info("shutdown signal received, initiating graceful shutdown")

	if err := srv.Stop(context.Background()); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	slog.Info("dbpilot stopped gracefully")
	return nil
}

// =============================================================================
// Conversation Command Handlers
// =============================================================================

// runChat runs one turn, or an interactive session when no message is given.
func runChat(cmd *cobra.Command, configPath string, opts chatOptions, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := promptMissingSecrets(cmd.InOrStdin(), cmd.ErrOrStderr(), cfg, &opts); err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := buildApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	mc := assistant.ManagerContext{
		ProjectRef:       opts.projectRef,
		ConnectionString: opts.connectionString,
	}
	out := cmd.OutOrStdout()

	if len(args) > 0 {
		return chatTurn(ctx, out, a.assistant, cfg.Agent.RequestTimeout, opts, mc, strings.Join(args, " "))
	}
	return chatLoop(ctx, cmd.InOrStdin(), out, a.assistant, cfg.Agent.RequestTimeout, opts, mc)
}

// promptMissingSecrets asks for the API key and, in direct Postgres mode, the
// connection string when neither config nor flags supply them. It only
// prompts when in is a terminal.
func promptMissingSecrets(in io.Reader, out io.Writer, cfg *config.Config, opts *chatOptions) error {
	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil
	}
	read := func(label string) (string, error) {
		return promptSecret(out, label, func() ([]byte, error) { return term.ReadPassword(int(f.Fd())) })
	}

	if strings.TrimSpace(cfg.Agent.APIKey) == "" {
		key, err := read("OpenAI API key")
		if err != nil {
			return err
		}
		cfg.Agent.APIKey = key
	}
	if cfg.Gateway.Mode == "postgres" && opts.connectionString == "" && cfg.Gateway.Postgres.DefaultConnectionString == "" {
		dsn, err := read("Database connection string")
		if err != nil {
			return err
		}
		opts.connectionString = dsn
	}
	return nil
}

// promptSecret prints label and reads a value without echoing it.
func promptSecret(out io.Writer, label string, readPassword func() ([]byte, error)) (string, error) {
	fmt.Fprintf(out, "%s: ", label)
	text, err := readPassword()
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", strings.ToLower(label), err)
	}
	return strings.TrimSpace(string(text)), nil
}

// chatService is the part of the assistant the terminal chat needs.
type chatService interface {
	Chat(ctx context.Context, userID, message string, mc assistant.ManagerContext) (*agent.TurnResult, error)
	ClearThread(ctx context.Context, userID string)
}

func chatLoop(ctx context.Context, in io.Reader, out io.Writer, svc chatService, timeout time.Duration, opts chatOptions, mc assistant.ManagerContext) error {
	fmt.Fprintf(out, "Chatting as %s. Type /reset to start over, /exit to quit.\n", opts.userID)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/reset":
			svc.ClearThread(ctx, opts.userID)
			fmt.Fprintln(out, "Conversation cleared.")
			continue
		}
		if err := chatTurn(ctx, out, svc, timeout, opts, mc, line); err != nil && ctx.Err() != nil {
			return err
		}
	}
}

// chatTurn prints the reply, or the user-facing message on failure.
func chatTurn(ctx context.Context, out io.Writer, svc chatService, timeout time.Duration, opts chatOptions, mc assistant.ManagerContext, message string) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	result, err := svc.Chat(ctx, opts.userID, message, mc)
	if opts.verbose && result != nil {
		for _, call := range result.ToolCalls {
			fmt.Fprintf(out, "  [tool] %s %s -> %s (%s)\n", call.ToolName, call.Arguments, call.Result.String(), call.Duration.Round(time.Millisecond))
		}
	}
	if err != nil {
		fmt.Fprintln(out, assistant.UserMessage(err))
		if opts.verbose {
			fmt.Fprintf(out, "  [error] %v\n", err)
		}
		return err
	}
	fmt.Fprintln(out, result.Text)
	return nil
}

// runClear forgets the user's thread.
func runClear(cmd *cobra.Command, configPath, userID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := buildApp(cmd.Context(), cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	a.assistant.ClearThread(cmd.Context(), userID)
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared conversation for %s\n", userID)
	return nil
}

// =============================================================================
// Agent Command Handlers
// =============================================================================

// runAgentSetup creates or updates the agent definition.
func runAgentSetup(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := buildApp(cmd.Context(), cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	agentID, err := a.assistant.SetupAgentDefinition(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Agent definition ready: %s\n", agentID)
	fmt.Fprintf(out, "Tools: %s\n", strings.Join(a.assistant.Registry().Names(), ", "))
	if cfg.Agent.AgentID == "" {
		fmt.Fprintf(out, "Set agent.agent_id: %s to skip the lookup by name on startup.\n", agentID)
	}
	return nil
}

// runTools prints the tool schemas without contacting any backend.
func runTools(cmd *cobra.Command, configPath string, namesOnly bool) error {
	cfg := config.Default()
	if config.ResolvePath(configPath) != "" {
		loaded, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	registry, err := offlineRegistry(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if namesOnly {
		for _, name := range registry.Names() {
			fmt.Fprintln(out, name)
		}
		return nil
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(registry.Schemas())
}

// =============================================================================
// Migration Command Handlers
// =============================================================================

// openMigrator opens the SQL thread store named by the config.
func openMigrator(ctx context.Context, configPath string) (*threads.Migrator, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	switch cfg.Threads.Backend {
	case "postgres", "sqlite":
	default:
		return nil, nil, fmt.Errorf("threads.backend %q has no migrations", cfg.Threads.Backend)
	}
	store, err := threads.OpenSQLStore(ctx, threads.SQLConfig{
		Dialect:         threads.Dialect(cfg.Threads.Backend),
		DSN:             cfg.Threads.Database.DSN,
		MaxOpenConns:    cfg.Threads.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Threads.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, err
	}
	migrator, err := threads.NewMigrator(store.DB(), store.Dialect())
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return migrator, func() { _ = store.Close() }, nil
}

// runMigrateUp handles the migrate up command.
func runMigrateUp(cmd *cobra.Command, configPath string, steps int) error {
	slog.Info("running thread store migrations", "steps", steps)
	migrator, closeFn, err := openMigrator(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeFn()

	applied, err := migrator.Up(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		slog.Info("no pending migrations")
		return nil
	}
	for _, id := range applied {
		slog.Info("applied migration", "id", id)
	}
	slog.Info("migrations completed successfully")
	return nil
}

// runMigrateDown handles the migrate down command.
func runMigrateDown(cmd *cobra.Command, configPath string, steps int) error {
	slog.Warn("rolling back thread store migrations", "steps", steps)
	migrator, closeFn, err := openMigrator(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeFn()

	rolledBack, err := migrator.Down(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(rolledBack) == 0 {
		slog.Info("no migrations to roll back")
		return nil
	}
	for _, id := range rolledBack {
		slog.Info("rolled back migration", "id", id)
	}
	return nil
}

// runMigrateStatus prints applied and pending migrations.
func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	migrator, closeFn, err := openMigrator(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeFn()

	applied, pending, err := migrator.Status(cmd.Context())
	if err != nil {
		return err
	}
	printMigrationStatus(cmd.OutOrStdout(), applied, pending)
	return nil
}

func printMigrationStatus(out io.Writer, applied []threads.AppliedMigration, pending []threads.Migration) {
	fmt.Fprintln(out, "Applied migrations:")
	if len(applied) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, m := range applied {
		fmt.Fprintf(out, "  %s  %s\n", m.ID, m.AppliedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(out, "Pending migrations:")
	if len(pending) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, m := range pending {
		fmt.Fprintf(out, "  %s\n", m.ID)
	}
}
