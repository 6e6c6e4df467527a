// Package conversation implements the conversation store (C11): a bounded,
// append-only log of turns with atomic on-disk persistence, grounded in the
// teacher's internal/sessions.MemoryStore conventions (mutex-guarded maps,
// UUID ids, clone-on-read/write) generalized from multi-channel session
// storage down to a single local conversation log.
package conversation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cascadehq/cascade/pkg/models"
)

// MaxTurns bounds the in-memory log; the oldest turn is evicted once the
// limit is exceeded.
const MaxTurns = 200

// Store is the append-only, bounded conversation log.
type Store struct {
	mu    sync.RWMutex
	turns []models.ConversationTurn
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// AddTurn appends a new turn (assigning an id and timestamp if unset) and
// returns its id, trimming the oldest turn once MaxTurns is exceeded.
func (s *Store) AddTurn(turn models.ConversationTurn) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.At.IsZero() {
		turn.At = time.Now()
	}
	if turn.Outcome == "" {
		turn.Outcome = models.OutcomePending
	}
	s.turns = append(s.turns, turn)
	if len(s.turns) > MaxTurns {
		s.turns = s.turns[len(s.turns)-MaxTurns:]
	}
	return turn.ID
}

// UpdateOutcome sets the outcome of the turn with the given id, if present.
func (s *Store) UpdateOutcome(id string, outcome models.TurnOutcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.turns {
		if s.turns[i].ID == id {
			s.turns[i].Outcome = outcome
			return true
		}
	}
	return false
}

// Recent returns up to n of the most recent turns, oldest first.
func (s *Store) Recent(n int) []models.ConversationTurn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.turns) {
		n = len(s.turns)
	}
	out := make([]models.ConversationTurn, n)
	copy(out, s.turns[len(s.turns)-n:])
	return out
}

// All returns every retained turn, oldest first.
func (s *Store) All() []models.ConversationTurn {
	return s.Recent(0)
}

// tokenBudgetDefault bounds GenerateContextualPrompt's size; no tokenizer
// library appears anywhere in the retrieved pack, so this approximates
// tokens as whitespace-split words (a common, conservative stand-in).
const tokenBudgetDefault = 2000

// GenerateContextualPrompt concatenates a system instruction, recent turns,
// and an intent summary under a token budget (spec §4.11), trimming the
// oldest recent turns first when the budget is exceeded.
func (s *Store) GenerateContextualPrompt(userInput string, intentSummary string, tokenBudget int) string {
	if tokenBudget <= 0 {
		tokenBudget = tokenBudgetDefault
	}
	recent := s.Recent(20)

	var b strings.Builder
	b.WriteString("You are a coding assistant. Use the conversation history below for context.\n")
	if intentSummary != "" {
		b.WriteString("Intent: ")
		b.WriteString(intentSummary)
		b.WriteString("\n")
	}

	budget := tokenBudget - wordCount(b.String()) - wordCount(userInput)
	var historyLines []string
	for i := len(recent) - 1; i >= 0; i-- {
		turn := recent[i]
		line := fmt.Sprintf("User: %s\nAssistant: %s", turn.UserInput, turn.Response)
		cost := wordCount(line)
		if cost > budget {
			break
		}
		budget -= cost
		historyLines = append([]string{line}, historyLines...)
	}

	if len(historyLines) > 0 {
		b.WriteString("\n--- recent history ---\n")
		b.WriteString(strings.Join(historyLines, "\n\n"))
		b.WriteString("\n--- end history ---\n\n")
	}
	b.WriteString(userInput)
	return b.String()
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// persistedLog is the on-disk JSON shape.
type persistedLog struct {
	Turns []models.ConversationTurn `json:"turns"`
}

// Persist atomically writes the store's turns to path: write a temp file in
// the same directory, fsync it, then rename over the destination, matching
// the teacher's own config-loader temp-then-rename idiom.
func (s *Store) Persist(path string) error {
	s.mu.RLock()
	payload := persistedLog{Turns: append([]models.ConversationTurn(nil), s.turns...)}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation log: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create conversation dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".conversation-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Load replaces the store's turns with the contents of path. A missing
// file is not an error: it simply leaves the store empty.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read conversation log: %w", err)
	}
	var payload persistedLog
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("unmarshal conversation log: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(payload.Turns) > MaxTurns {
		payload.Turns = payload.Turns[len(payload.Turns)-MaxTurns:]
	}
	s.turns = payload.Turns
	return nil
}

// DefaultPath returns the well-known per-user conversation log path,
// matching the teacher's DefaultStateDir convention.
func DefaultPath(stateDir string) string {
	return filepath.Join(stateDir, "conversation.json")
}
