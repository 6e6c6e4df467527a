package fileop

import (
	"testing"

	"github.com/cascadehq/cascade/pkg/models"
)

func TestClassify_ExplicitFileDelete(t *testing.T) {
	c := New()
	ui := &models.UserIntent{
		Action:   "delete",
		Entities: models.Entities{Files: []string{"config.yaml"}},
	}
	fi := c.Classify(ui, ProjectIndex{})
	if fi == nil {
		t.Fatalf("expected a classification")
	}
	if fi.Operation != models.OpDelete {
		t.Fatalf("operation = %q, want delete", fi.Operation)
	}
	if fi.Safety != models.SafetyDangerous {
		t.Fatalf("safety = %q, want dangerous", fi.Safety)
	}
	if !fi.RequiresApproval || !fi.BackupRequired {
		t.Fatalf("delete must require approval and a backup")
	}
	if len(fi.Targets) != 1 || fi.Targets[0].Confidence != 1.0 {
		t.Fatalf("targets = %+v", fi.Targets)
	}
}

func TestClassify_TechnologyGlobSingleMatch(t *testing.T) {
	c := New()
	ui := &models.UserIntent{
		Action:   "edit",
		Entities: models.Entities{Technologies: []string{"react"}},
	}
	idx := ProjectIndex{Files: []FileStat{
		{Path: "src/Button.tsx", Exists: true, Size: 500},
		{Path: "src/server.go", Exists: true, Size: 500},
	}}
	fi := c.Classify(ui, idx)
	if fi == nil {
		t.Fatalf("expected a classification")
	}
	if len(fi.Targets) != 1 || fi.Targets[0].Path != "src/Button.tsx" {
		t.Fatalf("targets = %+v", fi.Targets)
	}
}

func TestClassify_AmbiguousMultipleMatches(t *testing.T) {
	c := New()
	ui := &models.UserIntent{
		Action:   "edit",
		Entities: models.Entities{Technologies: []string{"go"}},
	}
	idx := ProjectIndex{Files: []FileStat{
		{Path: "a.go", Exists: true},
		{Path: "b.go", Exists: true},
	}}
	fi := c.Classify(ui, idx)
	if fi == nil {
		t.Fatalf("expected a classification")
	}
	if len(fi.Targets) != 0 || len(fi.AmbiguousTargets) != 2 {
		t.Fatalf("expected ambiguous targets, got %+v / %+v", fi.Targets, fi.AmbiguousTargets)
	}
	if len(fi.Suggestions) != 2 {
		t.Fatalf("expected suggestions, got %v", fi.Suggestions)
	}
}

func TestClassify_RecentFilesFallback(t *testing.T) {
	c := New()
	ui := &models.UserIntent{
		Action:   "edit",
		Entities: models.Entities{Concepts: []string{"authentication"}},
	}
	idx := ProjectIndex{RecentFiles: []string{"auth.go", "session.go", "login.go", "extra.go"}}
	fi := c.Classify(ui, idx)
	if fi == nil {
		t.Fatalf("expected a classification")
	}
	if len(fi.Targets) != 3 {
		t.Fatalf("expected top-3 recent fallback, got %d", len(fi.Targets))
	}
	for _, tgt := range fi.Targets {
		if tgt.Confidence != 0.6 {
			t.Fatalf("recent fallback confidence = %v, want 0.6", tgt.Confidence)
		}
	}
}

func TestClassify_SystemFileIsDangerousEvenOnEdit(t *testing.T) {
	c := New()
	ui := &models.UserIntent{
		Action:   "edit",
		Entities: models.Entities{Files: []string{"Dockerfile"}},
	}
	fi := c.Classify(ui, ProjectIndex{})
	if fi.Safety != models.SafetyDangerous {
		t.Fatalf("safety = %q, want dangerous", fi.Safety)
	}
}

func TestClassify_MultiTargetImpact(t *testing.T) {
	c := New()
	ui := &models.UserIntent{
		Action:   "refactor",
		Entities: models.Entities{Files: []string{"a.go", "b.go", "c.go", "d.go", "e.go", "f.go"}},
	}
	fi := c.Classify(ui, ProjectIndex{})
	if fi.Impact != models.ImpactMajor {
		t.Fatalf("impact = %q, want major for 6 targets", fi.Impact)
	}
}

func TestClassify_NoEntitiesNoRecentFiles_ReturnsNil(t *testing.T) {
	c := New()
	ui := &models.UserIntent{Action: "edit", Type: models.IntentQuestion}
	fi := c.Classify(ui, ProjectIndex{})
	if fi != nil {
		t.Fatalf("expected nil classification, got %+v", fi)
	}
}
