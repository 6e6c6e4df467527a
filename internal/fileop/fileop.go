// Package fileop implements the file-operation classifier (C9): it maps a
// models.UserIntent to a models.FileOperationIntent, resolving concrete file
// targets and annotating the result with a safety/impact classification.
//
// Target globbing and path scoping follow the teacher's tools/files.Resolver
// convention; no glob library is used beyond stdlib path/filepath, matching
// the teacher, which does not use one for this concern either.
package fileop

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cascadehq/cascade/pkg/models"
)

// verbToOp maps the intent analyzer's action label to a file operation.
var verbToOp = map[string]models.FileOperationType{
	"create":   models.OpCreate,
	"edit":     models.OpEdit,
	"delete":   models.OpDelete,
	"move":     models.OpMove,
	"copy":     models.OpCopy,
	"refactor": models.OpRefactor,
	"test":     models.OpTest,
}

// techGlobs maps a technology entity to glob patterns likely to hold
// relevant files, per spec §4.9 ("React -> *.tsx|*.jsx|*component*").
var techGlobs = map[string][]string{
	"react":      {"*.tsx", "*.jsx", "*component*"},
	"vue":        {"*.vue"},
	"angular":    {"*.component.ts", "*.module.ts"},
	"svelte":     {"*.svelte"},
	"python":     {"*.py"},
	"go":         {"*.go"},
	"golang":     {"*.go"},
	"rust":       {"*.rs"},
	"typescript": {"*.ts", "*.tsx"},
	"javascript": {"*.js", "*.jsx"},
	"graphql":    {"*.graphql", "*.gql"},
	"terraform":  {"*.tf"},
}

// configPatterns are files treated as configuration for the risky-safety
// tier (spec §4.9).
var configPatterns = []string{
	"*.env", "*.env.*", "package.json", "go.mod", "go.sum",
	"*config*.yaml", "*config*.yml", "*config*.json", "*config*.toml",
	".eslintrc*", ".prettierrc*",
}

// systemPatterns are always dangerous regardless of verb.
var systemPatterns = []string{
	"*.lock", "tsconfig.json", "Dockerfile", "docker-compose*.yml", "docker-compose*.yaml",
}

const largeFileBytes = 100_000

// FileStat is the minimal file metadata the classifier needs about a
// candidate target; callers supply these from their own project index
// (this package performs no directory walking of its own).
type FileStat struct {
	Path         string
	Size         int64
	LastModified time.Time
	Exists       bool
}

// ProjectIndex is the small slice of project state the classifier consults
// to resolve glob-derived and recent-file targets.
type ProjectIndex struct {
	Root        string
	Files       []FileStat // every known project file
	RecentFiles []string   // most-recently-touched paths, most recent first
}

func (p ProjectIndex) find(path string) (FileStat, bool) {
	for _, f := range p.Files {
		if f.Path == path {
			return f, true
		}
	}
	return FileStat{}, false
}

// Classifier maps user intents to file operations.
type Classifier struct{}

// New returns a Classifier.
func New() *Classifier {
	return &Classifier{}
}

// Classify produces a FileOperationIntent for ui given the current project
// index, or nil if no target can be resolved at all (no file entity, no
// project file matching a glob derived from its technology, function,
// class, or concept entities, and no recent files to fall back on).
func (c *Classifier) Classify(ui *models.UserIntent, idx ProjectIndex) *models.FileOperationIntent {
	op, _ := resolveOp(ui.Action)

	targets, ambiguous, suggestions := resolveTargets(ui, idx)
	if len(targets) == 0 && len(ambiguous) == 0 {
		// Nothing to act on: let the caller fall through to task-planning
		// or plain conversation instead of emitting an empty file operation.
		return nil
	}

	fi := &models.FileOperationIntent{
		ID:               uuid.NewString(),
		Operation:        op,
		Targets:          targets,
		AmbiguousTargets: ambiguous,
		Suggestions:      suggestions,
	}

	fi.Safety, fi.Impact = classifySafetyImpact(op, targets)
	fi.RequiresApproval = fi.Safety == models.SafetyDangerous || fi.Safety == models.SafetyRisky ||
		fi.Impact == models.ImpactMajor || fi.Impact == models.ImpactSignificant
	fi.BackupRequired = op == models.OpDelete || op == models.OpMove ||
		(op == models.OpEdit && (fi.Safety == models.SafetyRisky || fi.Safety == models.SafetyDangerous))

	return fi
}

func resolveOp(action string) (models.FileOperationType, bool) {
	if op, ok := verbToOp[action]; ok {
		return op, true
	}
	return models.OpEdit, false
}

// resolveTargets implements spec §4.9's resolution cascade: explicit file
// entities first (confidence 1.0), then glob-derived matches from
// technology/function/class/concept entities (deduplicated; more than one
// candidate file becomes ambiguous), then a recent-files fallback
// (confidence 0.6, top 3).
func resolveTargets(ui *models.UserIntent, idx ProjectIndex) (targets, ambiguous []models.FileTarget, suggestions []string) {
	if len(ui.Entities.Files) > 0 {
		for _, f := range ui.Entities.Files {
			targets = append(targets, toTarget(f, idx, 1.0, "explicit file entity"))
		}
		return targets, nil, nil
	}

	patterns := derivePatterns(ui)
	if len(patterns) > 0 {
		matches := matchGlobs(patterns, idx)
		switch len(matches) {
		case 0:
			// fall through to recent-files fallback below
		case 1:
			targets = append(targets, toTarget(matches[0], idx, 0.8, "matched from entity-derived glob pattern"))
			return targets, nil, nil
		default:
			for _, m := range matches {
				ambiguous = append(ambiguous, toTarget(m, idx, 0.5, "multiple glob matches, disambiguation needed"))
				suggestions = append(suggestions, m)
			}
			return nil, ambiguous, suggestions
		}
	}

	if len(idx.RecentFiles) > 0 {
		n := 3
		if len(idx.RecentFiles) < n {
			n = len(idx.RecentFiles)
		}
		for _, f := range idx.RecentFiles[:n] {
			targets = append(targets, toTarget(f, idx, 0.6, "recent file fallback"))
		}
	}
	return targets, ambiguous, suggestions
}

func derivePatterns(ui *models.UserIntent) []string {
	var patterns []string
	for _, tech := range ui.Entities.Technologies {
		if globs, ok := techGlobs[strings.ToLower(tech)]; ok {
			patterns = append(patterns, globs...)
		}
	}
	for _, fn := range ui.Entities.Functions {
		patterns = append(patterns, "*"+strings.ToLower(fn)+"*")
	}
	for _, cls := range ui.Entities.Classes {
		patterns = append(patterns, "*"+strings.ToLower(cls)+"*")
	}
	for _, concept := range ui.Entities.Concepts {
		patterns = append(patterns, "*"+strings.ToLower(concept)+"*")
	}
	return patterns
}

func matchGlobs(patterns []string, idx ProjectIndex) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range idx.Files {
		base := strings.ToLower(filepath.Base(f.Path))
		for _, p := range patterns {
			if ok, _ := filepath.Match(strings.ToLower(p), base); ok {
				if !seen[f.Path] {
					seen[f.Path] = true
					out = append(out, f.Path)
				}
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func toTarget(path string, idx ProjectIndex, confidence float64, reason string) models.FileTarget {
	t := models.FileTarget{Path: path, Confidence: confidence, Reason: reason, Language: languageOf(path)}
	if stat, ok := idx.find(path); ok {
		t.Exists = stat.Exists
		t.Size = stat.Size
		t.LastModified = stat.LastModified
		return t
	}
	if info, err := os.Stat(filepath.Join(idx.Root, path)); err == nil {
		t.Exists = true
		t.Size = info.Size()
		t.LastModified = info.ModTime()
	}
	return t
}

var languageExt = map[string]string{
	".go": "go", ".py": "python", ".ts": "typescript", ".tsx": "typescript",
	".js": "javascript", ".jsx": "javascript", ".rs": "rust", ".java": "java",
	".rb": "ruby", ".vue": "vue", ".svelte": "svelte",
}

func languageOf(path string) string {
	return languageExt[strings.ToLower(filepath.Ext(path))]
}

// classifySafetyImpact implements spec §4.9's fixed safety/impact tables.
func classifySafetyImpact(op models.FileOperationType, targets []models.FileTarget) (models.SafetyLevel, models.ImpactLevel) {
	safety := models.SafetySafe

	switch op {
	case models.OpDelete:
		safety = models.SafetyDangerous
	case models.OpMove:
		safety = models.SafetyRisky
	default:
		for _, t := range targets {
			s := safetyForFile(t)
			if riskier(s, safety) {
				safety = s
			}
		}
	}

	impact := models.ImpactMinimal
	switch n := len(targets); {
	case n > 5:
		impact = models.ImpactMajor
	case n > 2:
		impact = models.ImpactSignificant
	default:
		impact = models.ImpactMinimal
	}
	return safety, impact
}

func safetyForFile(t models.FileTarget) models.SafetyLevel {
	base := filepath.Base(t.Path)
	if strings.HasPrefix(base, ".") || matchesAny(systemPatterns, base) {
		return models.SafetyDangerous
	}
	if matchesAny(configPatterns, base) {
		return models.SafetyRisky
	}
	if t.Size > largeFileBytes {
		return models.SafetyCautious
	}
	return models.SafetySafe
}

func matchesAny(patterns []string, base string) bool {
	lower := strings.ToLower(base)
	for _, p := range patterns {
		if ok, _ := filepath.Match(strings.ToLower(p), lower); ok {
			return true
		}
	}
	return false
}

var safetyRank = map[models.SafetyLevel]int{
	models.SafetySafe:      0,
	models.SafetyCautious:  1,
	models.SafetyRisky:     2,
	models.SafetyDangerous: 3,
}

func riskier(a, b models.SafetyLevel) bool {
	return safetyRank[a] > safetyRank[b]
}
