// Package intent implements the intent analyzer (C6): lightweight
// pattern-heuristic classification of user text into a models.UserIntent,
// composed with an optional model-based refinement call bounded by a
// timeout. Per spec §4.6/§9's resolved Open Question, a failed or timed-out
// refinement call silently downgrades to the heuristic result with
// attenuated confidence rather than surfacing a warning.
//
// No ecosystem NLP library appears anywhere in the retrieved example pack;
// every comparable router/classifier in the pack hand-rolls this with
// regexp/strings, which this package follows.
package intent

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/cascadehq/cascade/internal/provider"
	"github.com/cascadehq/cascade/internal/router"
	"github.com/cascadehq/cascade/pkg/models"
)

// verbGroups maps a class of verbs to the action label the analyzer
// reports.
var verbGroups = map[string][]string{
	"create":   {"create", "add", "generate", "scaffold", "write", "new"},
	"edit":     {"edit", "update", "change", "modify", "fix", "improve"},
	"delete":   {"delete", "remove", "drop", "clean up", "rm"},
	"move":     {"move", "rename", "relocate"},
	"copy":     {"copy", "duplicate", "clone"},
	"refactor": {"refactor", "restructure", "reorganize", "simplify"},
	"test":     {"test", "verify", "validate"},
}

var destructiveVerbs = []string{"delete", "remove", "drop", "rm", "wipe", "erase", "truncate", "force push", "force-push"}

var technologyTokens = []string{
	"react", "vue", "angular", "svelte", "next.js", "nextjs",
	"python", "go", "golang", "rust", "typescript", "javascript",
	"docker", "kubernetes", "k8s", "postgres", "postgresql", "mysql",
	"redis", "graphql", "grpc", "terraform", "aws", "gcp", "azure",
}

var pathLikeRe = regexp.MustCompile(`[A-Za-z0-9_./-]+\.[A-Za-z0-9]{1,8}\b`)
var functionLikeRe = regexp.MustCompile(`\b([a-z][A-Za-z0-9]*)\(\)`)
var classLikeRe = regexp.MustCompile(`\b([A-Z][A-Za-z0-9]*[A-Z][A-Za-z0-9]*)\b`)
var questionWords = []string{"what", "why", "how", "when", "where", "who", "which", "can you explain", "could you explain"}

// defaultRefineTimeout bounds the optional model-based refinement call when
// Analyzer.RefineTimeout is unset.
const defaultRefineTimeout = 4 * time.Second

// Analyzer classifies user text into a UserIntent using heuristics, with an
// optional model refinement call through the provider router.
type Analyzer struct {
	Router        *router.Router // nil disables refinement entirely
	RefineTimeout time.Duration
	RoutingCtx    router.RoutingContext
}

// New builds an Analyzer. r may be nil to run heuristics-only.
func New(r *router.Router) *Analyzer {
	return &Analyzer{Router: r, RefineTimeout: defaultRefineTimeout}
}

// Analyze produces a UserIntent for text given the small analysis context
// (spec §4.6). The heuristic pass always runs; the optional refinement call
// only ever adjusts complexity/confidence/entities, never the underlying
// heuristic action classification.
func (a *Analyzer) Analyze(ctx context.Context, text string, actx models.AnalysisContext) *models.UserIntent {
	ui := a.heuristic(text, actx)

	if a.Router == nil {
		return ui
	}

	timeout := a.RefineTimeout
	if timeout <= 0 {
		timeout = defaultRefineTimeout
	}
	refineCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	patch, err := a.refine(refineCtx, text, ui)
	if err != nil || patch == nil {
		ui.Confidence *= 0.8 // silent downgrade, per spec's chosen Open Question resolution
		return ui
	}
	applyPatch(ui, patch)
	return ui
}

func (a *Analyzer) heuristic(text string, actx models.AnalysisContext) *models.UserIntent {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	ui := &models.UserIntent{
		Type:       classifyType(lower, actx),
		Confidence: 0.75,
	}

	action, verbFound := extractAction(lower)
	ui.Action = action

	ui.Entities = extractEntities(trimmed, lower)
	ui.MultiStep = isMultiStep(lower)
	ui.Complexity = estimateComplexity(lower, ui.MultiStep, len(ui.Entities.Files)+len(ui.Entities.Technologies))
	ui.RiskLevel = estimateRisk(lower)
	ui.EstimatedDurationSec = estimateDuration(ui.Complexity, ui.MultiStep)

	if !verbFound && ui.Type == models.IntentTaskRequest {
		ui.Confidence = 0.55
	}

	ui.RequiresClarification, ui.SuggestedClarifications = needsClarification(ui, lower)
	return ui
}

func classifyType(lower string, actx models.AnalysisContext) models.IntentType {
	if actx.LastIntent != nil && actx.LastIntent.RequiresClarification {
		return models.IntentClarificationAnswer
	}
	if strings.HasSuffix(strings.TrimSpace(lower), "?") {
		return models.IntentQuestion
	}
	for _, q := range questionWords {
		if strings.HasPrefix(lower, q) {
			return models.IntentQuestion
		}
	}
	return models.IntentTaskRequest
}

// actionOrder fixes the order extractAction checks verbGroups in, so input
// naming verbs from several groups always yields the same action.
var actionOrder = []string{"create", "edit", "delete", "move", "copy", "refactor", "test"}

func extractAction(lower string) (string, bool) {
	for _, action := range actionOrder {
		for _, v := range verbGroups[action] {
			if containsWord(lower, v) {
				return action, true
			}
		}
	}
	return "edit", false // default verb per spec §4.9's classifier convention
}

func containsWord(haystack, needle string) bool {
	if strings.Contains(needle, " ") {
		return strings.Contains(haystack, needle)
	}
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(needle) + `\b`)
	return re.MatchString(haystack)
}

func extractEntities(original, lower string) models.Entities {
	var e models.Entities

	for _, m := range pathLikeRe.FindAllString(original, -1) {
		e.Files = append(e.Files, m)
	}
	for _, tech := range technologyTokens {
		if strings.Contains(lower, tech) {
			e.Technologies = append(e.Technologies, tech)
		}
	}
	for _, m := range functionLikeRe.FindAllStringSubmatch(original, -1) {
		e.Functions = append(e.Functions, m[1])
	}
	for _, m := range classLikeRe.FindAllStringSubmatch(original, -1) {
		e.Classes = append(e.Classes, m[1])
	}
	for _, concept := range []string{"authentication", "authorization", "caching", "logging", "routing", "validation", "pagination", "migration"} {
		if strings.Contains(lower, concept) {
			e.Concepts = append(e.Concepts, concept)
		}
	}
	return e
}

func isMultiStep(lower string) bool {
	if strings.Contains(lower, " and then ") || strings.Contains(lower, " after that ") {
		return true
	}
	verbHits := 0
	for _, verbs := range verbGroups {
		for _, v := range verbs {
			if containsWord(lower, v) {
				verbHits++
				break
			}
		}
	}
	return verbHits > 1
}

func estimateComplexity(lower string, multiStep bool, entityCount int) models.Complexity {
	words := len(strings.Fields(lower))
	switch {
	case multiStep || entityCount > 3 || words > 40:
		return models.ComplexityComplex
	case entityCount > 1 || words > 15:
		return models.ComplexityModerate
	default:
		return models.ComplexitySimple
	}
}

func estimateRisk(lower string) models.RiskLevel {
	for _, v := range destructiveVerbs {
		if containsWord(lower, v) {
			return models.RiskHigh
		}
	}
	if strings.Contains(lower, "production") || strings.Contains(lower, "prod ") {
		return models.RiskMedium
	}
	return models.RiskLow
}

func estimateDuration(c models.Complexity, multiStep bool) int {
	base := map[models.Complexity]int{
		models.ComplexitySimple:   30,
		models.ComplexityModerate: 120,
		models.ComplexityComplex:  300,
	}[c]
	if multiStep {
		base += 120
	}
	return base
}

func needsClarification(ui *models.UserIntent, lower string) (bool, []string) {
	if ui.Type != models.IntentTaskRequest {
		return false, nil
	}
	var missing []string
	if len(ui.Entities.Files) == 0 && len(ui.Entities.Technologies) == 0 && len(ui.Entities.Concepts) == 0 {
		missing = append(missing, "Which file(s) or area of the codebase should this apply to?")
	}
	if strings.Contains(lower, "this") && len(ui.Entities.Files) == 0 {
		missing = append(missing, "Could you clarify what \"this\" refers to?")
	}
	return len(missing) > 0 && ui.Complexity != models.ComplexitySimple, missing
}

// refinePatch is the subset of fields the optional model refinement call is
// allowed to adjust.
type refinePatch struct {
	Complexity           *models.Complexity `json:"complexity,omitempty"`
	Confidence           *float64           `json:"confidence,omitempty"`
	AdditionalConcepts   []string           `json:"additional_concepts,omitempty"`
	AdditionalTechnology []string           `json:"additional_technologies,omitempty"`
}

func applyPatch(ui *models.UserIntent, p *refinePatch) {
	if p.Complexity != nil {
		ui.Complexity = *p.Complexity
	}
	if p.Confidence != nil {
		ui.Confidence = *p.Confidence
	}
	ui.Entities.Concepts = append(ui.Entities.Concepts, p.AdditionalConcepts...)
	ui.Entities.Technologies = append(ui.Entities.Technologies, p.AdditionalTechnology...)
}

// refine asks the router for a small JSON patch refining the heuristic
// result. It reuses the same provider/router stack as conversation
// completions (spec §4.6's domain-stack note) rather than a bespoke client.
func (a *Analyzer) refine(ctx context.Context, text string, ui *models.UserIntent) (*refinePatch, error) {
	sys := "You refine a heuristic intent classification. Reply with compact JSON matching " +
		`{"complexity":"simple|moderate|complex","confidence":0.0,"additional_concepts":[],"additional_technologies":[]}` +
		" and nothing else."
	req := provider.CompletionRequest{
		Messages: []models.Message{
			{Role: models.RoleUser, Content: text},
		},
		Options: models.CompletionOptions{
			System:      sys,
			Temperature: floatPtr(0),
			MaxTokens:   200,
		},
	}

	resp, err := a.Router.Complete(ctx, req, a.RoutingCtx)
	if err != nil {
		return nil, err
	}

	var patch refinePatch
	content := strings.TrimSpace(resp.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	if err := json.Unmarshal([]byte(content), &patch); err != nil {
		return nil, err
	}
	return &patch, nil
}

func floatPtr(f float64) *float64 { return &f }
