// Package approval implements the session-scoped tool approval cache (C5):
// a tri-state (tool, category) -> bool? decision cache with pattern
// precedence, grounded in the teacher's ApprovalChecker/matchesPattern
// (exact, prefix*, *suffix, mcp:*, bare *), collapsed here to the spec's
// simpler (tool, category) precedence model: tool > category > undefined.
package approval

import (
	"strings"
	"sync"
	"time"

	"github.com/cascadehq/cascade/pkg/models"
)

// Stats reports how many distinct tool-scoped and category-scoped
// decisions are cached.
type Stats struct {
	Specific int
	Category int
}

// Cache holds approval decisions for the lifetime of a session; it is
// never persisted across process restarts.
type Cache struct {
	mu         sync.RWMutex
	byTool     map[string]bool
	byCategory map[string]bool
	history    []models.ApprovalDecision
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{
		byTool:     make(map[string]bool),
		byCategory: make(map[string]bool),
	}
}

// matchesPattern reports whether name matches pattern, supporting exact
// equality, a trailing-wildcard prefix ("git*"), a leading-wildcard suffix
// ("*.sh"), the literal MCP namespace wildcard ("mcp:*"), and the bare "*"
// matching everything.
func matchesPattern(name, pattern string) bool {
	switch {
	case pattern == "*":
		return true
	case pattern == name:
		return true
	case strings.HasSuffix(pattern, "*") && strings.HasPrefix(name, strings.TrimSuffix(pattern, "*")):
		return true
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(name, strings.TrimPrefix(pattern, "*")):
		return true
	default:
		return false
	}
}

// IsApproved returns tri-state approval for (tool, category): tool-specific
// entries take precedence over category entries, which take precedence
// over an undefined (nil) result. Pattern entries registered via
// SetApproval are consulted when no exact tool entry exists.
func (c *Cache) IsApproved(tool, category string) *bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if v, ok := c.byTool[tool]; ok {
		return &v
	}
	for pattern, v := range c.byTool {
		if matchesPattern(tool, pattern) {
			result := v
			return &result
		}
	}
	if category != "" {
		if v, ok := c.byCategory[category]; ok {
			return &v
		}
	}
	return nil
}

// SetApproval caches a tool-scoped decision (or pattern, if tool contains a
// wildcard marker understood by matchesPattern). Denials are cached
// symmetrically to approvals so the user is never re-prompted for the same
// tool within the session.
func (c *Cache) SetApproval(tool string, approved bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byTool[tool] = approved
	c.history = append(c.history, models.ApprovalDecision{
		ToolName: tool, Approved: approved, Scope: models.ApprovalScopeTool, At: time.Now(),
	})
}

// SetCategoryApproval caches a category-scoped decision.
func (c *Cache) SetCategoryApproval(category string, approved bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byCategory[category] = approved
	c.history = append(c.history, models.ApprovalDecision{
		Category: category, Approved: approved, Scope: models.ApprovalScopeCategory, At: time.Now(),
	})
}

// Clear resets all cached decisions.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byTool = make(map[string]bool)
	c.byCategory = make(map[string]bool)
	c.history = nil
}

// Stats reports the number of distinct cached tool and category decisions.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Specific: len(c.byTool), Category: len(c.byCategory)}
}

// History returns every decision made this session, oldest first.
func (c *Cache) History() []models.ApprovalDecision {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.ApprovalDecision, len(c.history))
	copy(out, c.history)
	return out
}
