package conversation

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/cascadehq/cascade/pkg/models"
)

func TestAddTurn_AssignsIDAndTimestamp(t *testing.T) {
	s := New()
	id := s.AddTurn(models.ConversationTurn{UserInput: "hello"})
	if id == "" {
		t.Fatalf("expected a generated id")
	}
	recent := s.Recent(1)
	if len(recent) != 1 || recent[0].At.IsZero() {
		t.Fatalf("expected a timestamped turn, got %+v", recent)
	}
}

func TestAddTurn_BoundedAtMaxTurns(t *testing.T) {
	s := New()
	for i := 0; i < MaxTurns+10; i++ {
		s.AddTurn(models.ConversationTurn{UserInput: "turn"})
	}
	if len(s.All()) != MaxTurns {
		t.Fatalf("len = %d, want %d", len(s.All()), MaxTurns)
	}
}

func TestUpdateOutcome(t *testing.T) {
	s := New()
	id := s.AddTurn(models.ConversationTurn{UserInput: "do a thing"})
	if !s.UpdateOutcome(id, models.OutcomeSuccess) {
		t.Fatalf("expected update to find the turn")
	}
	recent := s.Recent(1)
	if recent[0].Outcome != models.OutcomeSuccess {
		t.Fatalf("outcome = %q, want success", recent[0].Outcome)
	}
}

func TestGenerateContextualPrompt_IncludesHistoryAndInput(t *testing.T) {
	s := New()
	s.AddTurn(models.ConversationTurn{UserInput: "what is this repo", Response: "a coding assistant"})
	prompt := s.GenerateContextualPrompt("add a test", "task_request", 0)
	if !strings.Contains(prompt, "what is this repo") || !strings.Contains(prompt, "add a test") {
		t.Fatalf("prompt missing expected content: %s", prompt)
	}
}

func TestPersistAndLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conversation.json")

	s := New()
	s.AddTurn(models.ConversationTurn{UserInput: "first turn"})
	s.AddTurn(models.ConversationTurn{UserInput: "second turn"})

	if err := s.Persist(path); err != nil {
		t.Fatalf("persist: %v", err)
	}

	s2 := New()
	if err := s2.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(s2.All()) != 2 {
		t.Fatalf("loaded %d turns, want 2", len(s2.All()))
	}
	if s2.All()[0].UserInput != "first turn" {
		t.Fatalf("unexpected order: %+v", s2.All())
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	s := New()
	if err := s.Load(filepath.Join(t.TempDir(), "does-not-exist.json")); err != nil {
		t.Fatalf("load of missing file should be a no-op, got %v", err)
	}
}
