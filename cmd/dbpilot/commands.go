package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the HTTP service.
func buildServeCmd(configPath *string) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dbpilot HTTP service",
		Long: `Start the dbpilot HTTP service.

The server will:
1. Load configuration from the given file (or defaults plus environment)
2. Connect the SQL gateway and the thread store
3. Create or update the backend agent definition
4. Serve POST /v1/chat, DELETE /v1/threads/{user_id}, /healthz and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with a config file
  dbpilot serve --config /etc/dbpilot/production.yaml

  # Start from environment only
  OPENAI_API_KEY=... DATABASE_URL=postgres://... dbpilot serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, *configPath, debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Conversation Commands
// =============================================================================

// chatOptions holds the flags of the chat command.
type chatOptions struct {
	userID           string
	projectRef       string
	connectionString string
	verbose          bool
}

// buildChatCmd creates the "chat" command for terminal conversations.
func buildChatCmd(configPath *string) *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the assistant from the terminal",
		Long: `Send a message to the assistant as the given user.

With a message argument a single turn is run and the reply printed.
Without one an interactive session starts; type /reset to forget the
conversation and /exit to quit.`,
		Example: `  # One turn
  dbpilot chat --user alice "how many rows are in orders?"

  # Interactive session against a specific database
  dbpilot chat --user alice --connection-string postgres://localhost/app`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, *configPath, opts, args)
		},
	}
	cmd.Flags().StringVarP(&opts.userID, "user", "u", "cli", "User id that owns the conversation")
	cmd.Flags().StringVar(&opts.projectRef, "project-ref", "", "Project reference forwarded to the SQL gateway")
	cmd.Flags().StringVar(&opts.connectionString, "connection-string", "", "Database connection string for direct Postgres mode")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Print the tool calls made during each turn")
	return cmd
}

// buildClearCmd creates the "clear" command that forgets a user's thread.
func buildClearCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <user-id>",
		Short: "Forget a user's conversation thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClear(cmd, *configPath, args[0])
		},
	}
}

// =============================================================================
// Agent Commands
// =============================================================================

// buildAgentCmd creates the "agent" command group.
func buildAgentCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage the backend agent definition",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "Create or update the agent definition with the current tools",
		Long: `Create the backend agent definition, or update it in place when one
with the configured id or name already exists. The tool list is taken from
the registered database tools.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentSetup(cmd, *configPath)
		},
	})
	return cmd
}

// buildToolsCmd creates the "tools" command that prints the tool schemas.
func buildToolsCmd(configPath *string) *cobra.Command {
	var namesOnly bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Print the registered tool schemas as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd, *configPath, namesOnly)
		},
	}
	cmd.Flags().BoolVar(&namesOnly, "names", false, "Print only the tool names")
	return cmd
}

// =============================================================================
// Migration Commands
// =============================================================================

// buildMigrateCmd creates the "migrate" command group for the thread store.
func buildMigrateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Thread store migration commands",
		Long: `Manage schema migrations of the SQL thread store.

Only applies when threads.backend is postgres or sqlite.`,
	}

	var upSteps, downSteps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd, *configPath, upSteps)
		},
	}
	up.Flags().IntVar(&upSteps, "steps", 0, "Number of migrations to apply (0 = all)")

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateDown(cmd, *configPath, downSteps)
		},
	}
	down.Flags().IntVar(&downSteps, "steps", 1, "Number of migrations to roll back")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd, *configPath)
		},
	}

	cmd.AddCommand(up, down, status)
	return cmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("dbpilot %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
