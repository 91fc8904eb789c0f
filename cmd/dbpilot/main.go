// Package main provides the CLI entry point for dbpilot, a conversational
// database assistant that lets an agent inspect and change a Postgres
// database through safety-checked tools.
//
// # Basic Usage
//
// Start the HTTP service:
//
//	dbpilot serve --config dbpilot.yaml
//
// Ask a one-off question from the terminal:
//
//	dbpilot chat --user alice "which tables reference orders?"
//
// Sync the backend agent definition with the tool registry:
//
//	dbpilot agent setup
//
// # Environment Variables
//
//   - DBPILOT_CONFIG: Path to the configuration file
//   - OPENAI_API_KEY: API key for the agent backend
//   - DBPILOT_GATEWAY_URL: Base URL of the platform query endpoint
//   - DATABASE_URL: Connection string for direct Postgres mode
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "dbpilot",
		Short: "dbpilot - conversational database assistant",
		Long: `dbpilot lets a conversational agent inspect and modify a Postgres database
through a registry of tools. Every mutation is validated: identifiers are
checked, updates and deletes need a predicate, mass operations need
confirmation and system schemas are off limits.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file (or set DBPILOT_CONFIG)")

	rootCmd.AddCommand(
		buildServeCmd(&configPath),
		buildChatCmd(&configPath),
		buildClearCmd(&configPath),
		buildAgentCmd(&configPath),
		buildToolsCmd(&configPath),
		buildMigrateCmd(&configPath),
		buildVersionCmd(),
	)
	return rootCmd
}
