// Package nlrouter implements the natural-language router (C8): it
// composes the fast-path router (C7), intent analyzer (C6), and
// file-operation classifier (C9) into a single models.RoutingDecision,
// grounded in the teacher's routing.Router.Complete candidate-then-fallback
// control flow, generalized from "pick a provider" to "pick a decision
// type".
package nlrouter

import (
	"context"
	"strings"

	"github.com/cascadehq/cascade/internal/fastpath"
	"github.com/cascadehq/cascade/internal/fileop"
	"github.com/cascadehq/cascade/internal/intent"
	"github.com/cascadehq/cascade/pkg/models"
)

// highConfidence is the fast-path confidence bar above which the router
// short-circuits straight to a command decision (spec §4.8 step 1).
const highConfidence = 0.8

// complexTaskConfidence is the minimum intent confidence required to hand a
// complex task off to the planner (spec §4.8 step 5).
const complexTaskConfidence = 0.6

var destructiveVerbs = map[string]bool{
	"delete": true, "remove": true, "drop": true, "rm": true,
}

// PlannerAvailable reports whether a task planner is reachable; the spec
// treats the planner itself as an external collaborator out of scope for
// this module, so callers inject availability rather than this package
// owning a client.
type PlannerAvailable func() bool

// Router composes the fast-path, intent, and file-op classifiers.
type Router struct {
	FastPath             *fastpath.Router
	Intent               *intent.Analyzer
	FileOp               *fileop.Classifier
	Planner              PlannerAvailable
	RequireConfirmation  bool // user-preference override (spec §4.8 confirmation policy)
}

// New builds a Router. planner may be nil, meaning no planner is ever
// available.
func New(fp *fastpath.Router, an *intent.Analyzer, fo *fileop.Classifier, planner PlannerAvailable) *Router {
	if planner == nil {
		planner = func() bool { return false }
	}
	return &Router{FastPath: fp, Intent: an, FileOp: fo, Planner: planner}
}

// Route implements spec §4.8's six-step composition.
func (r *Router) Route(ctx context.Context, input string, actx models.AnalysisContext, idx fileop.ProjectIndex) *models.RoutingDecision {
	if r.FastPath != nil {
		if d, ok := r.FastPath.Classify(input); ok && d.Confidence > highConfidence {
			return &models.RoutingDecision{
				Type:   models.DecisionCommand,
				Action: d.Action,
				Risk:   models.RiskLow,
			}
		}
	}

	ui := r.Intent.Analyze(ctx, input, actx)

	if ui.RequiresClarification {
		return &models.RoutingDecision{
			Type: models.DecisionClarification,
			Payload: &models.ClarificationRequest{
				Questions: ui.SuggestedClarifications,
				Context:   input,
				Required:  true,
			},
			Risk:                 ui.RiskLevel,
			RequiresConfirmation: r.requiresConfirmation(ui, nil),
		}
	}

	var fi *models.FileOperationIntent
	if r.FileOp != nil {
		fi = r.FileOp.Classify(ui, idx)
	}
	if fi != nil {
		return &models.RoutingDecision{
			Type:                 models.DecisionFileOperation,
			Action:               string(fi.Operation),
			Payload:              fi,
			Risk:                 ui.RiskLevel,
			EstimatedSeconds:     ui.EstimatedDurationSec,
			RequiresConfirmation: r.requiresConfirmation(ui, fi),
		}
	}

	if ui.Complexity == models.ComplexityComplex && r.Planner() && ui.Confidence > complexTaskConfidence {
		return &models.RoutingDecision{
			Type:                 models.DecisionTaskPlan,
			Payload:              &models.TaskPlanRef{},
			Risk:                 ui.RiskLevel,
			EstimatedSeconds:     ui.EstimatedDurationSec,
			RequiresConfirmation: r.requiresConfirmation(ui, nil),
		}
	}

	return &models.RoutingDecision{
		Type:                 models.DecisionConversation,
		Payload:              contextualPrompt(input, ui, actx),
		Risk:                 ui.RiskLevel,
		RequiresConfirmation: r.requiresConfirmation(ui, nil),
	}
}

// HandleClarification re-routes after a clarification answer by merging it
// into the original question and rerunning Route (spec §4.8).
func (r *Router) HandleClarification(ctx context.Context, original, answer string, actx models.AnalysisContext, idx fileop.ProjectIndex) *models.RoutingDecision {
	merged := strings.TrimSpace(original) + " " + strings.TrimSpace(answer)
	return r.Route(ctx, merged, actx, idx)
}

// requiresConfirmation implements spec §4.8's confirmation policy.
func (r *Router) requiresConfirmation(ui *models.UserIntent, fi *models.FileOperationIntent) bool {
	if r.RequireConfirmation {
		return true
	}
	if ui.RiskLevel == models.RiskHigh {
		return true
	}
	if ui.MultiStep && ui.Complexity == models.ComplexityComplex {
		return true
	}
	if destructiveVerbs[ui.Action] {
		return true
	}
	if fi != nil && (fi.Safety == models.SafetyRisky || fi.Safety == models.SafetyDangerous) {
		return true
	}
	return false
}

// contextualPrompt builds the prompt string handed to the conversation path,
// combining recent turns with a short intent summary.
func contextualPrompt(input string, ui *models.UserIntent, actx models.AnalysisContext) string {
	var b strings.Builder
	for _, turn := range actx.RecentTurns {
		b.WriteString(turn.UserInput)
		b.WriteString("\n")
	}
	if ui != nil {
		b.WriteString("Intent: " + string(ui.Type))
		if ui.Action != "" {
			b.WriteString(" (" + ui.Action + ")")
		}
		b.WriteString("\n")
	}
	b.WriteString(input)
	return b.String()
}
