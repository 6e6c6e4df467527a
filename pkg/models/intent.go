package models

// IntentType classifies what a user turn is asking for.
type IntentType string

const (
	IntentQuestion             IntentType = "question"
	IntentTaskRequest          IntentType = "task_request"
	IntentCommand              IntentType = "command"
	IntentClarificationAnswer  IntentType = "clarification_response"
)

// Complexity is the intent analyzer's estimate of how involved a task is.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Entities are the nouns the intent analyzer extracted from user text.
type Entities struct {
	Files        []string `json:"files,omitempty"`
	Technologies []string `json:"technologies,omitempty"`
	Functions    []string `json:"functions,omitempty"`
	Classes      []string `json:"classes,omitempty"`
	Concepts     []string `json:"concepts,omitempty"`
}

// UserIntent is the structured output of the intent analyzer (C6).
type UserIntent struct {
	Type                    IntentType `json:"type"`
	Action                  string     `json:"action"`
	Entities                Entities   `json:"entities"`
	Complexity              Complexity `json:"complexity"`
	MultiStep               bool       `json:"multi_step"`
	RiskLevel               RiskLevel  `json:"risk_level"`
	EstimatedDurationSec    int        `json:"estimated_duration_seconds"`
	Confidence              float64    `json:"confidence"`
	RequiresClarification   bool       `json:"requires_clarification"`
	SuggestedClarifications []string   `json:"suggested_clarifications,omitempty"`
}

// AnalysisContext is the small slice of conversational/project state the
// intent analyzer (and command fast-path) consult when classifying input.
type AnalysisContext struct {
	RecentTurns  []ConversationTurn `json:"recent_turns,omitempty"`
	ProjectRoot  string             `json:"project_root,omitempty"`
	Languages    []string           `json:"languages,omitempty"`
	FileCount    int                `json:"file_count,omitempty"`
	RecentFiles  []string           `json:"recent_files,omitempty"`
	LastIntent   *UserIntent        `json:"last_intent,omitempty"`
}
