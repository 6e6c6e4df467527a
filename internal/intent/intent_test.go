package intent

import (
	"context"
	"testing"

	"github.com/cascadehq/cascade/pkg/models"
)

func TestAnalyze_HeuristicOnly_DeleteIsHighRisk(t *testing.T) {
	a := New(nil)
	ui := a.Analyze(context.Background(), "delete the old config.yaml file", models.AnalysisContext{})

	if ui.Action != "delete" {
		t.Fatalf("action = %q, want delete", ui.Action)
	}
	if ui.RiskLevel != models.RiskHigh {
		t.Fatalf("risk = %q, want high", ui.RiskLevel)
	}
	if len(ui.Entities.Files) == 0 {
		t.Fatalf("expected a file entity to be extracted")
	}
}

func TestAnalyze_Question(t *testing.T) {
	a := New(nil)
	ui := a.Analyze(context.Background(), "What does this function do?", models.AnalysisContext{})
	if ui.Type != models.IntentQuestion {
		t.Fatalf("type = %q, want question", ui.Type)
	}
}

func TestAnalyze_NoRouter_NoConfidenceAttenuation(t *testing.T) {
	a := New(nil)
	ui := a.Analyze(context.Background(), "refactor the auth module", models.AnalysisContext{})
	if ui.Confidence != 0.75 {
		t.Fatalf("confidence = %v, want unattenuated heuristic baseline", ui.Confidence)
	}
}

func TestAnalyze_MultiStepComplex(t *testing.T) {
	a := New(nil)
	ui := a.Analyze(context.Background(), "create a new handler and then refactor the router and then add tests", models.AnalysisContext{})
	if !ui.MultiStep {
		t.Fatalf("expected multi_step=true")
	}
	if ui.Complexity != models.ComplexityComplex {
		t.Fatalf("complexity = %q, want complex", ui.Complexity)
	}
}

func TestAnalyze_ClarificationAnswerType(t *testing.T) {
	a := New(nil)
	actx := models.AnalysisContext{LastIntent: &models.UserIntent{RequiresClarification: true}}
	ui := a.Analyze(context.Background(), "the auth.go file", actx)
	if ui.Type != models.IntentClarificationAnswer {
		t.Fatalf("type = %q, want clarification_response", ui.Type)
	}
}
