// Package safety implements the safety orchestrator (C10): the
// assess -> preview -> approve -> backup -> execute -> [rollback] pipeline
// that guards every file mutation the rest of the system performs.
//
// Checksummed backups and permission hardening are grounded in the
// teacher's internal/security package (itself stdlib-only for file
// hashing/permissions); change-preview diffing is grounded in
// github.com/sergi/go-diff, wired as a new direct dependency because no
// example repo in the retrieved pack carries a diff library and unified
// diffs with bounded context need line-level diffing beyond naive string
// comparison.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cascadehq/cascade/pkg/models"
)

// riskWeights is the fixed factor-weight table from spec §4.10.
var riskWeights = map[string]float64{
	"system_file":  0.9,
	"deletion":     0.8,
	"config_file":  0.7,
	"security_file": 0.9,
	"db_schema":    0.8,
	"large_file":   0.6,
	"bulk_op":      0.5,
	"cross_module": 0.4,
	"external_dep": 0.6,
}

const largeFileBytes = 100_000

var securityPathHints = []string{"secret", "credential", "token", "apikey", "api_key", "auth", "private_key", "password"}
var schemaPathHints = []string{"migration", "schema", ".sql"}

// RiskFactorOverrides lets a caller assert factors this package cannot
// infer from path/metadata alone (e.g. that a preview's dependency scan
// found external packages).
type RiskFactorOverrides struct {
	ExternalDep *bool
}

// Assess implements spec §4.10's risk assessment: combines the file-op
// safety classification with the fixed risk-factor weight table, mapping
// the aggregate score to a five-tier RiskTier by threshold.
func Assess(fi *models.FileOperationIntent, overrides RiskFactorOverrides) *models.RiskAssessment {
	factors := map[string]bool{
		"deletion":      fi.Operation == models.OpDelete,
		"system_file":   fi.Safety == models.SafetyDangerous,
		"config_file":   fi.Safety == models.SafetyRisky,
		"large_file":    anyTargetLarge(fi.Targets),
		"bulk_op":       fi.Impact == models.ImpactMajor || fi.Impact == models.ImpactSignificant,
		"cross_module":  crossesModules(fi.Targets),
		"security_file": anyPathMatches(fi.Targets, securityPathHints),
		"db_schema":     anyPathMatches(fi.Targets, schemaPathHints),
		"external_dep":  overrides.ExternalDep != nil && *overrides.ExternalDep,
	}

	weighted := make(map[string]float64)
	var score float64
	var reasoning []string
	for name, active := range factors {
		if !active {
			continue
		}
		w := riskWeights[name]
		weighted[name] = w
		score += w
		reasoning = append(reasoning, fmt.Sprintf("%s contributes %.1f", name, w))
	}
	if score > 1.0 {
		score = 1.0
	}
	sort.Strings(reasoning)

	tier := tierFor(score)
	ra := &models.RiskAssessment{
		Tier:              tier,
		Score:             score,
		Factors:           weighted,
		Reasoning:         reasoning,
		AutomaticApproval: tier == models.RiskTierMinimal || tier == models.RiskTierLow,
		RequiredApprovers: requiredApprovers(tier),
	}
	if fi.RequiresApproval && ra.AutomaticApproval {
		ra.AutomaticApproval = false
	}
	ra.Mitigations = mitigationsFor(factors)
	return ra
}

func tierFor(score float64) models.RiskTier {
	switch {
	case score >= 0.9:
		return models.RiskTierCritical
	case score >= 0.8:
		return models.RiskTierHigh
	case score >= 0.6:
		return models.RiskTierMedium
	case score >= 0.3:
		return models.RiskTierLow
	default:
		return models.RiskTierMinimal
	}
}

// requiredApprovers implements spec §4.10's approval table.
func requiredApprovers(tier models.RiskTier) []string {
	switch tier {
	case models.RiskTierCritical:
		return []string{"admin", "peer_review"}
	case models.RiskTierHigh:
		return []string{"user", "peer_review"}
	case models.RiskTierMedium:
		return []string{"user"}
	default:
		return nil
	}
}

func mitigationsFor(factors map[string]bool) []string {
	var out []string
	if factors["deletion"] {
		out = append(out, "take a backup before deleting")
	}
	if factors["system_file"] {
		out = append(out, "review system/config file changes carefully")
	}
	if factors["bulk_op"] {
		out = append(out, "consider splitting into smaller operations")
	}
	if factors["external_dep"] {
		out = append(out, "re-run the dependent test suite after applying")
	}
	return out
}

func anyTargetLarge(targets []models.FileTarget) bool {
	for _, t := range targets {
		if t.Size > largeFileBytes {
			return true
		}
	}
	return false
}

func crossesModules(targets []models.FileTarget) bool {
	dirs := make(map[string]bool)
	for _, t := range targets {
		dirs[filepath.Dir(t.Path)] = true
		if len(dirs) > 1 {
			return true
		}
	}
	return false
}

func anyPathMatches(targets []models.FileTarget, hints []string) bool {
	for _, t := range targets {
		lower := strings.ToLower(t.Path)
		for _, h := range hints {
			if strings.Contains(lower, h) {
				return true
			}
		}
	}
	return false
}

// ApprovalRequest tracks a pending multi-approver decision for one
// operation (spec §4.10: all required approvers must grant; any reject
// denies). Requests expire defaultApprovalExpiry (five minutes) after
// creation; no Config field changes that duration.
type ApprovalRequest struct {
	OperationID string
	Tier        models.RiskTier
	Required    []string
	Decisions   map[string]bool
	ExpiresAt   time.Time
}

// Expired reports whether the request's timeout has elapsed.
func (r *ApprovalRequest) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Decided walks Required in order: it reports not done at the first
// approver without a decision, done and denied at the first reject, and
// done and granted once every required approver has granted.
func (r *ApprovalRequest) Decided() (done bool, granted bool) {
	if len(r.Decisions) == 0 && len(r.Required) > 0 {
		return false, false
	}
	for _, who := range r.Required {
		d, ok := r.Decisions[who]
		if !ok {
			return false, false
		}
		if !d {
			return true, false
		}
	}
	return true, true
}

const defaultApprovalExpiry = 5 * time.Minute

// NewApprovalRequest builds a pending approval request for assessment.
func NewApprovalRequest(operationID string, assessment *models.RiskAssessment, now time.Time) *ApprovalRequest {
	return &ApprovalRequest{
		OperationID: operationID,
		Tier:        assessment.Tier,
		Required:    assessment.RequiredApprovers,
		Decisions:   make(map[string]bool),
		ExpiresAt:   now.Add(defaultApprovalExpiry),
	}
}

// Config tunes the orchestrator's policy knobs.
type Config struct {
	BackupDir             string
	RetentionDays         int
	MaxBackupsPerTarget   int
	AutoRollback          bool
	AutoRollbackMaxTier   models.RiskTier // rollback only auto-triggers at or below this tier
}

// DefaultConfig mirrors spec §4.10's defaults.
func DefaultConfig(root string) Config {
	return Config{
		BackupDir:           filepath.Join(root, ".backups"),
		RetentionDays:       7,
		MaxBackupsPerTarget: 10,
		AutoRollback:        true,
		AutoRollbackMaxTier: models.RiskTierMedium,
	}
}

// Orchestrator runs the full safety pipeline for file operations rooted at
// Root.
type Orchestrator struct {
	Root   string
	Cfg    Config
	Logger *slog.Logger
}

// New builds an Orchestrator. logger may be nil (defaults to slog.Default()).
func New(root string, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{Root: root, Cfg: cfg, Logger: logger}
}

func (o *Orchestrator) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(o.Root, path)
}

// ExecuteFunc performs the actual mutation, after backups have succeeded.
type ExecuteFunc func(ctx context.Context) error

// Result is what RunOperation returns: the assessment, preview, backups
// taken, and (if the callback failed and rollback ran) the rollback report.
type Result struct {
	Assessment *models.RiskAssessment
	Preview    *models.ChangePreview
	Backups    []models.BackupInfo
	Plan       *models.RollbackPlan
	Executed   bool
	ExecErr    error
	Rollback   *models.RollbackReport
}

// RunOperation drives the full pipeline for fi: preview, assess, backup,
// execute, and (on failure, policy permitting) rollback. approve is called
// with the assessment and must return whether the operation is cleared to
// proceed (the caller owns soliciting the actual approvers).
func (o *Orchestrator) RunOperation(ctx context.Context, fi *models.FileOperationIntent, approve func(*models.RiskAssessment) (bool, error), exec ExecuteFunc) (*Result, error) {
	preview, err := o.Preview(fi)
	if err != nil {
		o.Logger.Warn("preview failed", "operation", fi.ID, "error", err)
	}

	extDep := preview != nil && len(preview.AffectedDependencies) > 0
	assessment := Assess(fi, RiskFactorOverrides{ExternalDep: &extDep})

	res := &Result{Assessment: assessment, Preview: preview}

	if !assessment.AutomaticApproval {
		ok, err := approve(assessment)
		if err != nil {
			return res, fmt.Errorf("approval: %w", err)
		}
		if !ok {
			return res, fmt.Errorf("operation denied by approver")
		}
	}

	backups, plan, err := o.Backup(fi)
	if err != nil {
		return res, fmt.Errorf("backup: %w", err)
	}
	res.Backups = backups
	res.Plan = plan

	execErr := exec(ctx)
	res.Executed = execErr == nil
	res.ExecErr = execErr
	if execErr == nil {
		return res, nil
	}

	if o.Cfg.AutoRollback && tierRank(assessment.Tier) <= tierRank(o.Cfg.AutoRollbackMaxTier) && plan.CanAutoRollback {
		report := o.Rollback(plan)
		res.Rollback = report
		if !report.Success {
			return res, fmt.Errorf("execute failed (%v) and rollback failed: %v", execErr, report.Errors)
		}
		return res, fmt.Errorf("execute failed, rolled back: %w", execErr)
	}

	return res, fmt.Errorf("execute failed: %w", execErr)
}

var tierOrder = map[models.RiskTier]int{
	models.RiskTierMinimal:  0,
	models.RiskTierLow:      1,
	models.RiskTierMedium:   2,
	models.RiskTierHigh:     3,
	models.RiskTierCritical: 4,
}

func tierRank(t models.RiskTier) int { return tierOrder[t] }

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
