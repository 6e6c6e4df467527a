package main

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/cascadehq/cascade/internal/conversation"
	"github.com/cascadehq/cascade/internal/fastpath"
	"github.com/cascadehq/cascade/internal/fileop"
	"github.com/cascadehq/cascade/internal/intent"
	"github.com/cascadehq/cascade/internal/nlrouter"
	"github.com/cascadehq/cascade/internal/orchestrator"
	"github.com/cascadehq/cascade/internal/provider"
	"github.com/cascadehq/cascade/internal/router"
	"github.com/cascadehq/cascade/internal/safety"
	"github.com/cascadehq/cascade/pkg/models"
	"github.com/spf13/cobra"
)

// projectIndex walks the workspace root (bounded to 5000 entries so a huge
// checkout doesn't stall a single CLI invocation) into the small index the
// file-operation classifier consults for glob and recent-file resolution.
func projectIndex(root string) fileop.ProjectIndex {
	idx := fileop.ProjectIndex{Root: root}
	const maxFiles = 5000
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if len(idx.Files) >= maxFiles {
			return filepath.SkipAll
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" || name == ".backups" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		idx.Files = append(idx.Files, fileop.FileStat{
			Path: rel, Size: info.Size(), LastModified: info.ModTime(), Exists: true,
		})
		return nil
	})
	return idx
}

func analysisContext(app *App, store *conversation.Store) models.AnalysisContext {
	return models.AnalysisContext{
		RecentTurns: store.Recent(10),
		ProjectRoot: workspaceRoot(),
	}
}

func runProcessLine(cmd *cobra.Command, app *App, text string) error {
	ctx := cmd.Context()

	nl, err := app.Container.Resolve(ctx, "nlrouter")
	if err != nil {
		return err
	}
	convAny, err := app.Container.Resolve(ctx, "conversation")
	if err != nil {
		return err
	}
	store := convAny.(*conversation.Store)

	idx := projectIndex(workspaceRoot())
	decision := nl.(*nlrouter.Router).Route(ctx, text, analysisContext(app, store), idx)

	id := store.AddTurn(models.ConversationTurn{UserInput: text, Intent: string(decision.Type)})
	store.UpdateOutcome(id, models.OutcomeSuccess)
	if err := store.Persist(conversationPath(app.Cfg)); err != nil {
		app.Logger.Warn("failed to persist conversation log", "error", err)
	}

	return printJSON(cmd.OutOrStdout(), decision)
}

func runRunCommand(cmd *cobra.Command, app *App, name string) error {
	ctx := cmd.Context()
	fpAny, err := app.Container.Resolve(ctx, "fastpath")
	if err != nil {
		return err
	}
	fp := fpAny.(*fastpath.Router)

	decision, ok := fp.Classify(name)
	if !ok || (decision.Method != "exact" && decision.Method != "alias") {
		return fmt.Errorf("no registered command resolves %q directly (got %+v)", name, decision)
	}
	return printJSON(cmd.OutOrStdout(), decision)
}

func runRunTask(cmd *cobra.Command, app *App, text string) error {
	ctx := cmd.Context()
	orchAny, err := app.Container.Resolve(ctx, "orchestrator")
	if err != nil {
		return err
	}
	orch := orchAny.(*orchestrator.Orchestrator)

	rc := router.RoutingContext{QualitySensitive: true}
	response, _, err := orch.RunTurn(ctx, nil, text, rc, models.CompletionOptions{}, func(ev *models.RuntimeEvent) {
		app.Logger.Debug("orchestrator event", "type", ev.Type, "tool", ev.ToolName)
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), response)
	return nil
}

func runRunFileOp(cmd *cobra.Command, app *App, text string, dryRun, autoYes bool) error {
	ctx := cmd.Context()

	intentAny, err := app.Container.Resolve(ctx, "intent")
	if err != nil {
		return err
	}
	fileopAny, err := app.Container.Resolve(ctx, "fileop")
	if err != nil {
		return err
	}
	safetyAny, err := app.Container.Resolve(ctx, "safety")
	if err != nil {
		return err
	}
	convAny, err := app.Container.Resolve(ctx, "conversation")
	if err != nil {
		return err
	}
	store := convAny.(*conversation.Store)

	root := workspaceRoot()
	idx := projectIndex(root)

	analyzer := intentAny.(*intent.Analyzer)
	ui := analyzer.Analyze(ctx, text, analysisContext(app, store))

	fi := fileopAny.(*fileop.Classifier).Classify(ui, idx)
	if fi == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "no file operation could be resolved from that input")
		return nil
	}

	so := safetyAny.(*safety.Orchestrator)

	if dryRun {
		assessment := safety.Assess(fi, safety.RiskFactorOverrides{})
		preview, err := so.Preview(fi)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), struct {
			Intent     *models.FileOperationIntent `json:"file_operation"`
			Assessment *models.RiskAssessment       `json:"assessment"`
			Preview    *models.ChangePreview        `json:"preview"`
		}{fi, assessment, preview})
	}

	approve := func(ra *models.RiskAssessment) (bool, error) {
		if autoYes || ra.AutomaticApproval {
			return true, nil
		}
		return stdinTerminal{}.PromptApproval(ctx, string(fi.Operation), string(fi.Safety),
			fmt.Sprintf("risk tier %s over %d target(s)", ra.Tier, len(fi.Targets)))
	}

	exec := func(ctx context.Context) error {
		fmt.Fprintf(cmd.OutOrStdout(), "executing %s over %d target(s)\n", fi.Operation, len(fi.Targets))
		return nil
	}

	result, err := so.RunOperation(ctx, fi, approve, exec)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func runStatus(cmd *cobra.Command, app *App, jsonOutput bool) error {
	ctx := cmd.Context()
	providersAny, err := app.Container.Resolve(ctx, "providers")
	if err != nil {
		return err
	}
	routerAny, err := app.Container.Resolve(ctx, "router")
	if err != nil {
		return err
	}
	r := routerAny.(*router.Router)
	health := r.Health()

	type providerStatus struct {
		Name    string                `json:"name"`
		Health  models.ProviderHealth `json:"health"`
		Metrics models.ProviderMetrics `json:"metrics"`
	}

	var rows []providerStatus
	for _, p := range providersAny.([]provider.LLMProvider) {
		rows = append(rows, providerStatus{Name: p.Name(), Health: health[p.Name()], Metrics: p.Metrics()})
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, rows)
	}

	fmt.Fprintln(out, "Provider status:")
	for _, row := range rows {
		fmt.Fprintf(out, "  - %s: %s (failures: %d, requests: %d, tokens: %d)\n",
			row.Name, row.Health.Status, row.Health.ConsecutiveFailures, row.Metrics.Requests, row.Metrics.TotalTokens)
	}
	return nil
}
