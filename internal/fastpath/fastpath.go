// Package fastpath implements the fast-path router (C7): resolving obvious
// commands without an AI call via four strategies tried in order — exact,
// alias, pattern, fuzzy — under a hard wall-clock budget. Exact/alias
// matching and the command/alias map are grounded in the teacher's
// commands.Parser/commands.Registry; pattern and fuzzy scoring follow
// spec §4.7's formulas directly, since no fuzzy-matching library appears
// anywhere in the retrieved example pack.
package fastpath

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/puzpuzpuz/xsync/v3"
)

// Budget is the hard wall-clock cap for the whole strategy chain
// (spec §4.7): remaining strategies are skipped once exceeded.
const Budget = 50 * time.Millisecond

// MatchThreshold (pattern strategy) and FuzzyThreshold (fuzzy strategy) are
// the minimum confidence a strategy must clear to be considered a match at
// all. The 0.8 "high confidence" bar the natural-language router (C8) uses
// to bypass intent analysis is applied by that router to Decision.Confidence.
const (
	MatchThreshold = 0.6
	FuzzyThreshold = 0.7
)

// Command is one fast-path-resolvable command: an exact name, any aliases,
// and free-form trigger phrases matched via pattern/fuzzy scoring.
type Command struct {
	Name     string
	Aliases  []string
	Patterns []string
}

// Decision is the fast-path's classification of one input.
type Decision struct {
	Action     string
	Method     string // exact | alias | pattern | fuzzy
	Confidence float64
}

// Registry holds the commands the fast-path can resolve to.
type Registry struct {
	commands map[string]Command // name -> command
	aliases  map[string]string  // alias -> name
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command), aliases: make(map[string]string)}
}

// Register adds a command, indexing its aliases.
func (r *Registry) Register(c Command) {
	name := strings.ToLower(strings.TrimSpace(c.Name))
	r.commands[name] = c
	for _, a := range c.Aliases {
		r.aliases[strings.ToLower(strings.TrimSpace(a))] = name
	}
}

// Router resolves normalized input to a Decision via the four strategies,
// backed by a small LRU decision cache.
type Router struct {
	registry *Registry
	cache    *xsync.MapOf[string, Decision]
	cacheCap int
	order    []string // least- to most-recently used keys, for bounding the cache
}

// NewRouter builds a Router over registry with a decision cache capped at
// cacheCap entries (0 disables capping at a sensible default of 256).
func NewRouter(registry *Registry, cacheCap int) *Router {
	if cacheCap <= 0 {
		cacheCap = 256
	}
	return &Router{
		registry: registry,
		cache:    xsync.NewMapOf[string, Decision](),
		cacheCap: cacheCap,
	}
}

func normalize(input string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(input))), " ")
}

// Classify runs the exact/alias/pattern/fuzzy strategy chain in order,
// stopping at the first strategy whose confidence clears MatchThreshold.
// It returns ok=false if no strategy matched or the wall-clock budget was
// exceeded before every strategy ran.
func (r *Router) Classify(input string) (Decision, bool) {
	norm := normalize(input)
	if norm == "" {
		return Decision{}, false
	}

	if cached, ok := r.cache.Load(norm); ok {
		r.touch(norm)
		return cached, true
	}

	deadline := time.Now().Add(Budget)

	if d, ok := r.exact(norm); ok {
		return r.remember(norm, d), true
	}
	if time.Now().After(deadline) {
		return Decision{}, false
	}

	if d, ok := r.alias(norm); ok {
		return r.remember(norm, d), true
	}
	if time.Now().After(deadline) {
		return Decision{}, false
	}

	if d, ok := r.pattern(norm); ok {
		return r.remember(norm, d), true
	}
	if time.Now().After(deadline) {
		return Decision{}, false
	}

	if d, ok := r.fuzzy(norm); ok {
		return r.remember(norm, d), true
	}
	return Decision{}, false
}

func (r *Router) remember(norm string, d Decision) Decision {
	r.cache.Store(norm, d)
	r.order = append(r.order, norm)
	for len(r.order) > r.cacheCap {
		oldest := r.order[0]
		r.order = r.order[1:]
		r.cache.Delete(oldest)
	}
	return d
}

// touch moves norm to the most-recently-used end of the eviction order.
func (r *Router) touch(norm string) {
	for i, k := range r.order {
		if k == norm {
			r.order = append(append(r.order[:i:i], r.order[i+1:]...), norm)
			return
		}
	}
}

func (r *Router) exact(norm string) (Decision, bool) {
	if _, ok := r.registry.commands[norm]; ok {
		return Decision{Action: norm, Method: "exact", Confidence: 1.0}, true
	}
	return Decision{}, false
}

func (r *Router) alias(norm string) (Decision, bool) {
	if name, ok := r.registry.aliases[norm]; ok {
		return Decision{Action: name, Method: "alias", Confidence: 0.95}, true
	}
	return Decision{}, false
}

// pattern implements spec §4.7's pattern scoring exactly: 1.0 for exact
// equality, 0.9 if input contains pattern, 0.8 if pattern contains input,
// else word-overlap ratio if > 0.3 clamped to >= 0.7, else 0.
func (r *Router) pattern(norm string) (Decision, bool) {
	best := Decision{}
	for name, cmd := range r.registry.commands {
		for _, p := range cmd.Patterns {
			score := patternScore(norm, strings.ToLower(strings.TrimSpace(p)))
			if score > best.Confidence {
				best = Decision{Action: name, Method: "pattern", Confidence: score}
			}
		}
	}
	if best.Confidence >= MatchThreshold {
		return best, true
	}
	return Decision{}, false
}

func patternScore(input, pattern string) float64 {
	if pattern == "" {
		return 0
	}
	switch {
	case input == pattern:
		return 1.0
	case strings.Contains(input, pattern):
		return 0.9
	case strings.Contains(pattern, input):
		return 0.8
	}
	overlap := wordOverlapRatio(input, pattern)
	if overlap > 0.3 {
		if overlap < 0.7 {
			return 0.7
		}
		return overlap
	}
	return 0
}

func wordOverlapRatio(a, b string) float64 {
	aw := strings.Fields(a)
	bw := strings.Fields(b)
	if len(aw) == 0 || len(bw) == 0 {
		return 0
	}
	set := make(map[string]bool, len(bw))
	for _, w := range bw {
		set[w] = true
	}
	hits := 0
	for _, w := range aw {
		if set[w] {
			hits++
		}
	}
	denom := len(aw)
	if len(bw) > denom {
		denom = len(bw)
	}
	return float64(hits) / float64(denom)
}

// fuzzy implements spec §4.7's Levenshtein-similarity-with-prefix-boost
// scoring against every registered command name and alias.
func (r *Router) fuzzy(norm string) (Decision, bool) {
	best := Decision{}
	check := func(candidate, name string) {
		score := fuzzyScore(norm, candidate)
		if score > best.Confidence {
			best = Decision{Action: name, Method: "fuzzy", Confidence: score}
		}
	}
	for name := range r.registry.commands {
		check(name, name)
	}
	for alias, name := range r.registry.aliases {
		check(alias, name)
	}
	if best.Confidence >= FuzzyThreshold {
		return best, true
	}
	return Decision{}, false
}

func fuzzyScore(a, b string) float64 {
	d := levenshtein(a, b)
	maxLen := utf8.RuneCountInString(a)
	if l := utf8.RuneCountInString(b); l > maxLen {
		maxLen = l
	}
	if maxLen == 0 {
		return 1.0
	}
	similarity := 1 - float64(d)/float64(maxLen)

	if strings.HasPrefix(a, b) || strings.HasPrefix(b, a) {
		similarity += 0.1
		if similarity < 0.85 {
			similarity = 0.85
		}
	}
	if similarity > 1.0 {
		similarity = 1.0
	}
	return similarity
}

// levenshtein computes the edit distance between a and b over runes.
func levenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)
	la, lb := len(ra), len(rb)

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = min3(del, ins, sub)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
