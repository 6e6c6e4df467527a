package safety

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cascadehq/cascade/pkg/models"
)

// backupMeta is the JSON sidecar written alongside every backup file,
// grounded in the teacher's internal/security chmod-hardening convention
// for files holding sensitive state.
type backupMeta struct {
	ID             string    `json:"id"`
	OriginalPath   string    `json:"original_path"`
	BackupPath     string    `json:"backup_path,omitempty"`
	Size           int64     `json:"size"`
	Checksum       string    `json:"checksum"`
	Mode           uint32    `json:"mode,omitempty"`
	Created        time.Time `json:"created"`
	RetentionUntil time.Time `json:"retention_until"`
	IsIntent       bool      `json:"is_intent"`
	Operation      string    `json:"operation"`
}

// Backup takes a checksummed backup of every existing target of fi (an
// "intent backup" for targets that do not yet exist, since a create's
// rollback is a delete rather than a restore) and returns both the backup
// records and the resulting rollback plan. Retention is pruned after every
// backup creation.
func (o *Orchestrator) Backup(fi *models.FileOperationIntent) ([]models.BackupInfo, *models.RollbackPlan, error) {
	if err := os.MkdirAll(o.Cfg.BackupDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("create backup dir: %w", err)
	}
	if err := fixDirPerms(o.Cfg.BackupDir); err != nil {
		o.Logger.Warn("failed to harden backup dir permissions", "dir", o.Cfg.BackupDir, "error", err)
	}

	now := time.Now()
	var infos []models.BackupInfo
	var steps []models.RollbackStep
	order := 1

	for _, t := range fi.Targets {
		abs := o.resolve(t.Path)
		info, meta, err := o.backupOne(abs, t.Path, string(fi.Operation), now)
		if err != nil {
			return infos, nil, fmt.Errorf("backup %s: %w", t.Path, err)
		}
		infos = append(infos, *info)

		if fi.Operation == models.OpMove {
			// The data model tracks only the pre-move path per target, so this
			// delete_file step targets that same path, not the move's
			// destination. It runs before the restore and is a no-op when
			// nothing exists there; rollback does not remove the moved file
			// at its destination.
			steps = append(steps, models.RollbackStep{
				Order:     order,
				Action:    models.ActionDeleteFile,
				Target:    t.Path,
				Automated: true,
			})
			order++
		}
		steps = append(steps, models.RollbackStep{
			Order:     order,
			Action:    models.ActionRestoreFile,
			Target:    t.Path,
			Automated: true,
		})
		order++
		_ = meta
	}
	if err := o.pruneRetention(); err != nil {
		o.Logger.Warn("backup retention prune failed", "error", err)
	}

	plan := &models.RollbackPlan{
		OperationID:     fi.ID,
		Strategy:        models.RollbackBackupRestore,
		Steps:           steps,
		CanAutoRollback: len(steps) > 0,
	}
	return infos, plan, nil
}

func (o *Orchestrator) backupOne(abs, relPath, op string, now time.Time) (*models.BackupInfo, *backupMeta, error) {
	id := fmt.Sprintf("%s_%s_%d", op, sanitizeBase(filepath.Base(relPath)), now.UnixNano())
	retentionUntil := now.AddDate(0, 0, maxInt(o.Cfg.RetentionDays, 1))

	data, statErr := os.ReadFile(abs)
	if statErr != nil {
		if !os.IsNotExist(statErr) {
			return nil, nil, statErr
		}
		meta := &backupMeta{
			ID: id, OriginalPath: relPath, Created: now, RetentionUntil: retentionUntil,
			IsIntent: true, Operation: op,
		}
		if err := o.writeMeta(id, meta); err != nil {
			return nil, nil, err
		}
		return &models.BackupInfo{
			ID: id, OriginalPath: relPath, Created: now, RetentionUntil: retentionUntil, IsIntent: true,
		}, meta, nil
	}

	var mode uint32
	if fi, err := os.Stat(abs); err == nil {
		mode = uint32(fi.Mode().Perm())
	}
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	backupPath := filepath.Join(o.Cfg.BackupDir, id)
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return nil, nil, err
	}
	if err := os.Chmod(backupPath, 0600); err != nil {
		o.Logger.Warn("failed to harden backup file permissions", "path", backupPath, "error", err)
	}

	meta := &backupMeta{
		ID: id, OriginalPath: relPath, BackupPath: backupPath, Size: int64(len(data)),
		Checksum: checksum, Mode: mode, Created: now, RetentionUntil: retentionUntil, Operation: op,
	}
	if err := o.writeMeta(id, meta); err != nil {
		return nil, nil, err
	}

	return &models.BackupInfo{
		ID: id, OriginalPath: relPath, BackupPath: backupPath, Size: int64(len(data)),
		Checksum: checksum, Mode: mode, Created: now, RetentionUntil: retentionUntil,
	}, meta, nil
}

func sanitizeBase(base string) string {
	out := make([]rune, 0, len(base))
	for _, r := range base {
		if r == '/' || r == os.PathSeparator {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

func (o *Orchestrator) writeMeta(id string, meta *backupMeta) error {
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(o.Cfg.BackupDir, id+".meta")
	if err := os.WriteFile(path, b, 0600); err != nil {
		return err
	}
	return os.Chmod(path, 0600)
}

func (o *Orchestrator) readMeta(path string) (*backupMeta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta backupMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// pruneRetention deletes backups older than RetentionDays, and beyond
// MaxBackupsPerTarget keeps only the newest per original path (oldest-first
// eviction by timestamp in the sidecar, per spec §4.10).
func (o *Orchestrator) pruneRetention() error {
	entries, err := os.ReadDir(o.Cfg.BackupDir)
	if err != nil {
		return err
	}

	var metas []*backupMeta
	var metaPaths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".meta" {
			continue
		}
		mp := filepath.Join(o.Cfg.BackupDir, e.Name())
		meta, err := o.readMeta(mp)
		if err != nil {
			continue
		}
		metas = append(metas, meta)
		metaPaths = append(metaPaths, mp)
	}

	now := time.Now()
	byTarget := make(map[string][]int)
	for i, m := range metas {
		if now.After(m.RetentionUntil) {
			o.removeBackup(metaPaths[i], m)
			continue
		}
		byTarget[m.OriginalPath] = append(byTarget[m.OriginalPath], i)
	}

	limit := o.Cfg.MaxBackupsPerTarget
	if limit <= 0 {
		limit = 10
	}
	for _, idxs := range byTarget {
		if len(idxs) <= limit {
			continue
		}
		sort.Slice(idxs, func(a, b int) bool { return metas[idxs[a]].Created.Before(metas[idxs[b]].Created) })
		excess := len(idxs) - limit
		for _, i := range idxs[:excess] {
			o.removeBackup(metaPaths[i], metas[i])
		}
	}
	return nil
}

func (o *Orchestrator) removeBackup(metaPath string, meta *backupMeta) {
	if meta.BackupPath != "" {
		_ = os.Remove(meta.BackupPath)
	}
	_ = os.Remove(metaPath)
}

func fixDirPerms(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm() == 0700 {
		return nil
	}
	return os.Chmod(path, 0700)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Rollback executes plan's steps in ascending order, trying declared
// fallbacks on failure; it stops (leaving the remaining steps unexecuted)
// the moment a step and all its fallbacks fail.
func (o *Orchestrator) Rollback(plan *models.RollbackPlan) *models.RollbackReport {
	steps := make([]models.RollbackStep, len(plan.Steps))
	copy(steps, plan.Steps)
	sort.Slice(steps, func(a, b int) bool { return steps[a].Order < steps[b].Order })

	var errs []string
	for _, step := range steps {
		if err := o.runRollbackStep(step); err != nil {
			if !o.tryFallbacks(step.Fallback, &errs) {
				errs = append(errs, fmt.Sprintf("step %d (%s %s): %v", step.Order, step.Action, step.Target, err))
				return &models.RollbackReport{Success: false, Errors: errs}
			}
		}
	}
	return &models.RollbackReport{Success: len(errs) == 0, Errors: errs}
}

func (o *Orchestrator) tryFallbacks(fallbacks []models.RollbackStep, errs *[]string) bool {
	for _, fb := range fallbacks {
		if err := o.runRollbackStep(fb); err == nil {
			return true
		}
		if !o.tryFallbacks(fb.Fallback, errs) {
			continue
		}
		return true
	}
	return false
}

func (o *Orchestrator) runRollbackStep(step models.RollbackStep) error {
	switch step.Action {
	case models.ActionRestoreFile, models.ActionRevertChanges:
		return o.restoreFile(step.Target)
	case models.ActionDeleteFile:
		return o.deleteFile(step.Target)
	case models.ActionManualStep, models.ActionRebuildDependency:
		return fmt.Errorf("manual step required: %s", step.Target)
	default:
		return fmt.Errorf("unknown rollback action %q", step.Action)
	}
}

func (o *Orchestrator) restoreFile(relPath string) error {
	meta, err := o.findMetaFor(relPath)
	if err != nil {
		return err
	}
	abs := o.resolve(relPath)
	if meta.IsIntent {
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	data, err := os.ReadFile(meta.BackupPath)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != meta.Checksum {
		return fmt.Errorf("backup checksum mismatch for %s", relPath)
	}
	mode := os.FileMode(0644)
	if meta.Mode != 0 {
		mode = os.FileMode(meta.Mode)
	}
	if err := os.WriteFile(abs, data, mode); err != nil {
		return err
	}
	return os.Chmod(abs, mode)
}

func (o *Orchestrator) deleteFile(relPath string) error {
	abs := o.resolve(relPath)
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (o *Orchestrator) findMetaFor(relPath string) (*backupMeta, error) {
	entries, err := os.ReadDir(o.Cfg.BackupDir)
	if err != nil {
		return nil, err
	}
	var best *backupMeta
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".meta" {
			continue
		}
		meta, err := o.readMeta(filepath.Join(o.Cfg.BackupDir, e.Name()))
		if err != nil || meta.OriginalPath != relPath {
			continue
		}
		if best == nil || meta.Created.After(best.Created) {
			best = meta
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no backup found for %s", relPath)
	}
	return best, nil
}
