package safety

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/cascadehq/cascade/pkg/models"
)

const (
	contextLines   = 3
	maxPreviewLines = 50
)

// importRes is a small per-language regexp table for the naive
// dependency-detection import scan (spec §4.10), matching the teacher's own
// regex-driven-heuristics style.
var importRes = map[string]*regexp.Regexp{
	"go":         regexp.MustCompile(`(?m)^\s*(?:import\s+)?"([^"]+)"\s*$`),
	"python":     regexp.MustCompile(`(?m)^\s*(?:import|from)\s+([\w\.]+)`),
	"typescript": regexp.MustCompile(`(?m)^\s*import\s+.*from\s+['"]([^'"]+)['"]`),
	"javascript": regexp.MustCompile(`(?m)^\s*import\s+.*from\s+['"]([^'"]+)['"]|require\(['"]([^'"]+)['"]\)`),
}

// Preview implements spec §4.10's change preview: for targets with content
// available, produces per-file unified diffs bounded by context_lines=3 and
// max_preview_lines=50, plus a naive import-scan dependency list.
func (o *Orchestrator) Preview(fi *models.FileOperationIntent) (*models.ChangePreview, error) {
	if fi.Operation != models.OpCreate && fi.Operation != models.OpEdit && fi.Operation != models.OpRefactor {
		return &models.ChangePreview{}, nil
	}
	if fi.ContentSpec == nil || fi.ContentSpec.Content == "" {
		return &models.ChangePreview{}, nil
	}

	preview := &models.ChangePreview{}
	seenDeps := make(map[string]bool)

	for _, t := range fi.Targets {
		before := ""
		abs := o.resolve(t.Path)
		if b, err := os.ReadFile(abs); err == nil {
			before = string(b)
		}
		after := fi.ContentSpec.Content

		diff, truncated := unifiedDiff(t.Path, before, after)
		preview.Diffs = append(preview.Diffs, models.FileDiff{Path: t.Path, Unified: diff, Truncated: truncated})

		for _, dep := range scanImports(t.Language, after) {
			if !seenDeps[dep] {
				seenDeps[dep] = true
				preview.AffectedDependencies = append(preview.AffectedDependencies, dep)
			}
		}
		if before != "" && looksLikeBreakingChange(before, after) {
			preview.BreakingChange = true
		}
		if issue := syntaxSmell(after); issue != "" {
			preview.PotentialIssues = append(preview.PotentialIssues, fmt.Sprintf("%s: %s", t.Path, issue))
		}
	}

	return preview, nil
}

// unifiedDiff builds a unified-style diff from before/after using go-diff's
// line-level Myers diff, windowed to contextLines of surrounding context
// and capped at maxPreviewLines total output lines.
func unifiedDiff(path, before, after string) (string, bool) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	var hunk []string
	addLines := func(prefix string, text string) {
		text = strings.TrimSuffix(text, "\n")
		if text == "" {
			return
		}
		for _, l := range strings.Split(text, "\n") {
			hunk = append(hunk, prefix+l)
		}
	}

	for i, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			ls := strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n")
			if i == 0 || i == len(diffs)-1 {
				if len(ls) > contextLines {
					ls = trimContext(ls, i == 0, contextLines)
				}
			} else if len(ls) > contextLines*2 {
				ls = append(trimHead(ls, contextLines), trimTail(ls, contextLines)...)
			}
			for _, l := range ls {
				hunk = append(hunk, " "+l)
			}
		case diffmatchpatch.DiffInsert:
			addLines("+", d.Text)
		case diffmatchpatch.DiffDelete:
			addLines("-", d.Text)
		}
	}

	truncated := false
	if len(hunk) > maxPreviewLines {
		hunk = hunk[:maxPreviewLines]
		truncated = true
	}

	header := fmt.Sprintf("--- a/%s\n+++ b/%s\n", path, path)
	return header + strings.Join(hunk, "\n"), truncated
}

func trimContext(lines []string, fromStart bool, n int) []string {
	if fromStart {
		if len(lines) <= n {
			return lines
		}
		return lines[len(lines)-n:]
	}
	if len(lines) <= n {
		return lines
	}
	return lines[:n]
}

func trimHead(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[:n]
}

func trimTail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

func scanImports(language, content string) []string {
	re, ok := importRes[language]
	if !ok {
		return nil
	}
	var deps []string
	for _, m := range re.FindAllStringSubmatch(content, -1) {
		for _, g := range m[1:] {
			if g != "" {
				deps = append(deps, g)
				break
			}
		}
	}
	return deps
}

func looksLikeBreakingChange(before, after string) bool {
	removedExported := regexp.MustCompile(`(?m)^func [A-Z]\w*\(`)
	beforeFuncs := removedExported.FindAllString(before, -1)
	afterSet := make(map[string]bool)
	for _, f := range removedExported.FindAllString(after, -1) {
		afterSet[f] = true
	}
	for _, f := range beforeFuncs {
		if !afterSet[f] {
			return true
		}
	}
	return false
}

func syntaxSmell(content string) string {
	open := strings.Count(content, "{")
	closeB := strings.Count(content, "}")
	if open != closeB {
		return "unbalanced braces"
	}
	return ""
}
