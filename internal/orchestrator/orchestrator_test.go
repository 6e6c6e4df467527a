package orchestrator

import (
	"context"
	"testing"

	"github.com/cascadehq/cascade/internal/approval"
	"github.com/cascadehq/cascade/internal/provider"
	"github.com/cascadehq/cascade/internal/router"
	"github.com/cascadehq/cascade/internal/tool"
	"github.com/cascadehq/cascade/pkg/models"
)

// scriptedProvider replays a fixed sequence of stream-event batches, one
// batch per CompleteStream call, so a test can script an entire multi-round
// tool-call loop deterministically.
type scriptedProvider struct {
	name    string
	batches [][]models.StreamEvent
	calls   int
}

func (p *scriptedProvider) Name() string        { return p.name }
func (p *scriptedProvider) DisplayName() string { return p.name }
func (p *scriptedProvider) Capabilities() models.Capabilities {
	return models.Capabilities{Streaming: true, Supported: []string{"streaming", "function_calling"}}
}
func (p *scriptedProvider) Initialize(ctx context.Context) error    { return nil }
func (p *scriptedProvider) TestConnection(ctx context.Context) bool { return true }
func (p *scriptedProvider) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	return &provider.CompletionResponse{}, nil
}
func (p *scriptedProvider) CompleteStream(ctx context.Context, req provider.CompletionRequest, onEvent provider.StreamHandler) error {
	idx := p.calls
	p.calls++
	if idx >= len(p.batches) {
		onEvent(models.StreamEvent{Done: true})
		return nil
	}
	for _, ev := range p.batches[idx] {
		onEvent(ev)
	}
	return nil
}
func (p *scriptedProvider) ListModels() []models.Model              { return nil }
func (p *scriptedProvider) GetModel(id string) (models.Model, bool) { return models.Model{}, false }
func (p *scriptedProvider) CalculateCost(promptTokens, completionTokens int, model string) float64 {
	return 0
}
func (p *scriptedProvider) Health() models.ProviderHealth {
	return models.ProviderHealth{Status: models.ProviderHealthy}
}
func (p *scriptedProvider) Metrics() models.ProviderMetrics         { return models.ProviderMetrics{} }
func (p *scriptedProvider) UpdateConfig(partial map[string]any) error { return nil }
func (p *scriptedProvider) Cleanup() error                           { return nil }

func newTestRouter(p *scriptedProvider) *router.Router {
	return router.New([]provider.LLMProvider{p}, router.HealthConfig{}, router.Weights{Quality: 1, Latency: 1, Cost: 1}, nil)
}

func echoTool() tool.Tool {
	return tool.Tool{
		Schema: models.ToolSchema{
			Name:     "read_file",
			Category: "fs",
			Parameters: []models.ToolParameter{
				{Name: "path", Type: "string", Required: true},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
			return &models.ToolResult{Ok: true, Data: "file contents"}, nil
		},
	}
}

func dangerousTool() tool.Tool {
	return tool.Tool{
		Schema: models.ToolSchema{
			Name:      "delete_file",
			Category:  "fs",
			Dangerous: true,
			Parameters: []models.ToolParameter{
				{Name: "path", Type: "string", Required: true},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
			return &models.ToolResult{Ok: true, Data: "deleted"}, nil
		},
	}
}

type fakeTerminal struct{ approve bool }

func (t *fakeTerminal) PromptApproval(ctx context.Context, toolName, category, reason string) (bool, error) {
	return t.approve, nil
}

func TestRunTurn_NoToolCalls(t *testing.T) {
	p := &scriptedProvider{name: "local", batches: [][]models.StreamEvent{
		{{Delta: "he"}, {Delta: "llo"}, {Delta: "!", Done: true, Usage: &models.Usage{Prompt: 1, Completion: 3, Total: 4}}},
	}}
	reg := tool.NewRegistry()
	o := New(newTestRouter(p), reg, approval.New(), nil, DefaultConfig(), nil)

	final, _, err := o.RunTurn(context.Background(), nil, "hello", router.RoutingContext{}, models.CompletionOptions{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final != "hello!" {
		t.Fatalf("got %q, want %q", final, "hello!")
	}
}

func TestRunTurn_ToolCallLoop(t *testing.T) {
	p := &scriptedProvider{name: "local", batches: [][]models.StreamEvent{
		{{Done: true, ToolCalls: []models.ToolCall{{ID: "call_1", Name: "read_file", Arguments: map[string]any{"path": "README.md"}}}}},
		{{Delta: "File has 42 lines", Done: true}},
	}}
	reg := tool.NewRegistry()
	if err := reg.Register(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}
	o := New(newTestRouter(p), reg, approval.New(), nil, DefaultConfig(), nil)

	final, messages, err := o.RunTurn(context.Background(), nil, "what does the readme say", router.RoutingContext{}, models.CompletionOptions{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final != "File has 42 lines" {
		t.Fatalf("got %q", final)
	}
	if o.ResultsCacheLen() != 1 {
		t.Fatalf("expected results cache to grow by exactly one tool call, got %d", o.ResultsCacheLen())
	}

	var toolMsg *models.Message
	for i := range messages {
		if messages[i].Role == models.RoleTool {
			toolMsg = &messages[i]
		}
	}
	if toolMsg == nil || toolMsg.ToolCallID != "call_1" {
		t.Fatalf("expected a tool message referencing call_1, got %+v", messages)
	}
}

func TestRunTurn_ApprovalDenied_CachedAcrossCalls(t *testing.T) {
	p := &scriptedProvider{name: "local", batches: [][]models.StreamEvent{
		{{Done: true, ToolCalls: []models.ToolCall{{ID: "call_1", Name: "delete_file", Arguments: map[string]any{"path": "src/old.ts"}}}}},
		{{Delta: "done", Done: true}},
		{{Done: true, ToolCalls: []models.ToolCall{{ID: "call_2", Name: "delete_file", Arguments: map[string]any{"path": "src/old.ts"}}}}},
		{{Delta: "done again", Done: true}},
	}}
	reg := tool.NewRegistry()
	if err := reg.Register(dangerousTool()); err != nil {
		t.Fatalf("register: %v", err)
	}
	approvals := approval.New()
	term := &fakeTerminal{approve: false}
	o := New(newTestRouter(p), reg, approvals, term, DefaultConfig(), nil)

	_, messages, err := o.RunTurn(context.Background(), nil, "delete the old file", router.RoutingContext{}, models.CompletionOptions{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var first *models.Message
	for i := range messages {
		if messages[i].Role == models.RoleTool {
			first = &messages[i]
		}
	}
	if first == nil || first.Content != "error: denied" {
		t.Fatalf("expected denied tool result, got %+v", first)
	}

	// A second identical call within the same session must not re-prompt:
	// flip the terminal's answer and confirm the cached denial still wins.
	term.approve = true
	_, messages2, err := o.RunTurn(context.Background(), nil, "delete the old file again", router.RoutingContext{}, models.CompletionOptions{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var second *models.Message
	for i := range messages2 {
		if messages2[i].Role == models.RoleTool {
			second = &messages2[i]
		}
	}
	if second == nil || second.Content != "error: denied" {
		t.Fatalf("expected cached denial on second call, got %+v", second)
	}
}

func TestRunTurn_UnknownTool(t *testing.T) {
	p := &scriptedProvider{name: "local", batches: [][]models.StreamEvent{
		{{Done: true, ToolCalls: []models.ToolCall{{ID: "call_1", Name: "does_not_exist"}}}},
		{{Delta: "fallback answer", Done: true}},
	}}
	reg := tool.NewRegistry()
	o := New(newTestRouter(p), reg, approval.New(), nil, DefaultConfig(), nil)

	final, messages, err := o.RunTurn(context.Background(), nil, "run a nonexistent tool", router.RoutingContext{}, models.CompletionOptions{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final != "fallback answer" {
		t.Fatalf("got %q", final)
	}
	var toolMsg *models.Message
	for i := range messages {
		if messages[i].Role == models.RoleTool {
			toolMsg = &messages[i]
		}
	}
	if toolMsg == nil || toolMsg.Content != "error: unknown_tool" {
		t.Fatalf("expected unknown_tool error, got %+v", toolMsg)
	}
}

func TestRunTurn_ResultsCacheBounded(t *testing.T) {
	batches := make([][]models.StreamEvent, 0, 4)
	batches = append(batches, []models.StreamEvent{
		{Done: true, ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "read_file", Arguments: map[string]any{"path": "a"}},
			{ID: "c2", Name: "read_file", Arguments: map[string]any{"path": "b"}},
			{ID: "c3", Name: "read_file", Arguments: map[string]any{"path": "c"}},
		}},
	})
	batches = append(batches, []models.StreamEvent{{Delta: "ok", Done: true}})

	p := &scriptedProvider{name: "local", batches: batches}
	reg := tool.NewRegistry()
	if err := reg.Register(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}
	cfg := DefaultConfig()
	cfg.ResultsCacheSize = 2
	o := New(newTestRouter(p), reg, approval.New(), nil, cfg, nil)

	_, _, err := o.RunTurn(context.Background(), nil, "read three files", router.RoutingContext{}, models.CompletionOptions{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.ResultsCacheLen() > cfg.ResultsCacheSize {
		t.Fatalf("results cache exceeded bound: %d > %d", o.ResultsCacheLen(), cfg.ResultsCacheSize)
	}
}

func TestRunTurn_Cancelled(t *testing.T) {
	p := &scriptedProvider{name: "local", batches: [][]models.StreamEvent{
		{{Delta: "", Done: true}},
	}}
	reg := tool.NewRegistry()
	o := New(newTestRouter(p), reg, approval.New(), nil, DefaultConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := o.RunTurn(ctx, nil, "hello", router.RoutingContext{}, models.CompletionOptions{}, nil)
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}
