// Package main provides the CLI entry point for Cascade, a router-agnostic
// coding assistant that classifies natural-language input into commands,
// file operations, or task plans and executes them through a
// safety-checked tool orchestrator.
//
// # Basic Usage
//
// Process one line of natural language:
//
//	cascade process-line "refactor the router for clarity"
//
// Run a registered fast-path command directly:
//
//	cascade run-command status
//
// Check provider/router health and cost accounting:
//
//	cascade status
//
// # Environment Variables
//
//   - CASCADE_CONFIG: path to the YAML configuration file
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY: provider credentials
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached,
// separated from main() to make it directly testable.
func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "cascade",
		Short:        "Cascade - natural-language driven coding assistant",
		Version:      version + " (commit: " + commit + ", built: " + date + ")",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CASCADE_CONFIG"), "Path to YAML configuration file")

	rootCmd.AddCommand(
		buildProcessLineCmd(&configPath),
		buildRunCommandCmd(&configPath),
		buildRunTaskCmd(&configPath),
		buildRunFileOpCmd(&configPath),
		buildStatusCmd(&configPath),
	)
	return rootCmd
}
