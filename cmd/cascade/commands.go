package main

import (
	"encoding/json"
	"io"

	"github.com/cascadehq/cascade/internal/config"
	"github.com/spf13/cobra"
)

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}

// buildProcessLineCmd creates "process-line": run one line of natural
// language input through the full routing pipeline (fast-path, intent
// analysis, file-op classification) and print the resulting decision.
func buildProcessLineCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process-line [text]",
		Short: "Route one line of natural language to a command, file operation, task plan, or conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			app := buildApp(cfg, nil)
			return runProcessLine(cmd, app, args[0])
		},
	}
	return cmd
}

// buildRunCommandCmd creates "run-command": resolve a name directly against
// the fast-path registry, bypassing intent analysis entirely.
func buildRunCommandCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-command [name]",
		Short: "Resolve a command name directly through the fast-path router",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			app := buildApp(cfg, nil)
			return runRunCommand(cmd, app, args[0])
		},
	}
	return cmd
}

// buildRunTaskCmd creates "run-task": drive one conversational turn through
// the provider router and tool orchestrator.
func buildRunTaskCmd(configPath *string) *cobra.Command {
	var maxRounds int
	cmd := &cobra.Command{
		Use:   "run-task [text]",
		Short: "Run one turn through the provider router and tool orchestrator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if maxRounds > 0 {
				cfg.Tools.MaxRounds = maxRounds
			}
			app := buildApp(cfg, nil)
			return runRunTask(cmd, app, args[0])
		},
	}
	cmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "override the orchestrator's max tool-call rounds")
	return cmd
}

// buildRunFileOpCmd creates "run-file-op": classify a line of text into a
// file operation and run it through the safety pipeline.
func buildRunFileOpCmd(configPath *string) *cobra.Command {
	var dryRun bool
	var yes bool
	cmd := &cobra.Command{
		Use:   "run-file-op [text]",
		Short: "Classify text into a file operation and run it through preview/assess/backup/execute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			app := buildApp(cfg, nil)
			return runRunFileOp(cmd, app, args[0], dryRun, yes)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview and assess risk without backing up or executing")
	cmd.Flags().BoolVar(&yes, "yes", false, "auto-approve the operation instead of prompting")
	return cmd
}

// buildStatusCmd creates "status": provider health and accumulated
// request/token usage. The adapters record no cost, so the cost total in
// the metrics stays zero.
func buildStatusCmd(configPath *string) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show provider health and usage metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			app := buildApp(cfg, nil)
			return runStatus(cmd, app, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	return cmd
}
