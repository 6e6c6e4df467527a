package safety

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cascadehq/cascade/pkg/models"
)

func TestAssess_DeleteIsHighOrAbove(t *testing.T) {
	fi := &models.FileOperationIntent{
		ID:        "op1",
		Operation: models.OpDelete,
		Safety:    models.SafetyDangerous,
		Targets:   []models.FileTarget{{Path: "config.yaml"}},
	}
	ra := Assess(fi, RiskFactorOverrides{})
	if ra.Tier != models.RiskTierCritical {
		t.Fatalf("tier = %q, want critical (deletion+system_file weights sum to 1.7, clamped)", ra.Tier)
	}
	if ra.AutomaticApproval {
		t.Fatalf("critical-tier operations must never auto-approve")
	}
	if len(ra.RequiredApprovers) == 0 {
		t.Fatalf("expected required approvers for critical tier")
	}
}

func TestAssess_SafeEditIsMinimal(t *testing.T) {
	fi := &models.FileOperationIntent{
		ID:        "op2",
		Operation: models.OpEdit,
		Safety:    models.SafetySafe,
		Impact:    models.ImpactMinimal,
		Targets:   []models.FileTarget{{Path: "internal/foo.go", Size: 500}},
	}
	ra := Assess(fi, RiskFactorOverrides{})
	if ra.Tier != models.RiskTierMinimal {
		t.Fatalf("tier = %q, want minimal", ra.Tier)
	}
	if !ra.AutomaticApproval {
		t.Fatalf("minimal-tier should auto-approve")
	}
}

func TestBackupAndRollback_RestoresOriginalContent(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "foo.txt")
	if err := os.WriteFile(target, []byte("original content"), 0644); err != nil {
		t.Fatal(err)
	}

	o := New(dir, DefaultConfig(dir), nil)
	fi := &models.FileOperationIntent{
		ID:        "op3",
		Operation: models.OpEdit,
		Safety:    models.SafetySafe,
		Targets:   []models.FileTarget{{Path: "foo.txt"}},
	}

	backups, plan, err := o.Backup(fi)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if len(backups) != 1 || backups[0].Checksum == "" {
		t.Fatalf("expected one checksummed backup, got %+v", backups)
	}

	if err := os.WriteFile(target, []byte("mutated content"), 0644); err != nil {
		t.Fatal(err)
	}

	report := o.Rollback(plan)
	if !report.Success {
		t.Fatalf("rollback failed: %v", report.Errors)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "original content" {
		t.Fatalf("content = %q, want original restored", string(data))
	}
}

func TestBackup_IntentBackupForNewFile(t *testing.T) {
	dir := t.TempDir()
	o := New(dir, DefaultConfig(dir), nil)
	fi := &models.FileOperationIntent{
		ID:        "op4",
		Operation: models.OpCreate,
		Safety:    models.SafetySafe,
		Targets:   []models.FileTarget{{Path: "new.txt"}},
	}

	backups, plan, err := o.Backup(fi)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if !backups[0].IsIntent {
		t.Fatalf("expected an intent backup for a nonexistent target")
	}

	created := filepath.Join(dir, "new.txt")
	if err := os.WriteFile(created, []byte("new"), 0644); err != nil {
		t.Fatal(err)
	}
	report := o.Rollback(plan)
	if !report.Success {
		t.Fatalf("rollback failed: %v", report.Errors)
	}
	if _, err := os.Stat(created); !os.IsNotExist(err) {
		t.Fatalf("expected created file to be removed by intent-backup rollback")
	}
}

func TestRunOperation_RollsBackOnExecuteFailure(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "foo.txt")
	if err := os.WriteFile(target, []byte("keep me"), 0644); err != nil {
		t.Fatal(err)
	}

	o := New(dir, DefaultConfig(dir), nil)
	fi := &models.FileOperationIntent{
		ID:        "op5",
		Operation: models.OpEdit,
		Safety:    models.SafetySafe,
		Impact:    models.ImpactMinimal,
		Targets:   []models.FileTarget{{Path: "foo.txt"}},
	}

	_, err := o.RunOperation(context.Background(), fi, func(*models.RiskAssessment) (bool, error) {
		return true, nil
	}, func(ctx context.Context) error {
		if werr := os.WriteFile(target, []byte("corrupted"), 0644); werr != nil {
			return werr
		}
		return errStub{}
	})
	if err == nil {
		t.Fatalf("expected RunOperation to surface the execute failure")
	}

	data, rerr := os.ReadFile(target)
	if rerr != nil {
		t.Fatal(rerr)
	}
	if string(data) != "keep me" {
		t.Fatalf("content = %q, want rollback to have restored original", string(data))
	}
}

type errStub struct{}

func (errStub) Error() string { return "boom" }
