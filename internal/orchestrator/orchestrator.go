// Package orchestrator implements the streaming tool-call orchestrator
// (C4): the S0-S3/S-final/S-cancel state machine of spec §4.4, grounded in
// the teacher's ToolExecutor.ExecuteConcurrently/executeWithTimeout
// (buffered-channel semaphore, goroutine-per-call, non-blocking result
// send) and the RuntimeEvent/ToolEvent lifecycle vocabulary reused
// verbatim from pkg/models.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cascadehq/cascade/internal/approval"
	"github.com/cascadehq/cascade/internal/cerrors"
	"github.com/cascadehq/cascade/internal/provider"
	"github.com/cascadehq/cascade/internal/router"
	"github.com/cascadehq/cascade/internal/tool"
	"github.com/cascadehq/cascade/pkg/models"
)

// Terminal is the external prompt UI the orchestrator blocks on for
// approval decisions (spec §1: "consumes a Terminal interface the core
// defines"). Implementations must honor ctx cancellation by resolving as
// denied.
type Terminal interface {
	PromptApproval(ctx context.Context, toolName, category, reason string) (bool, error)
}

// Config tunes the per-turn termination policy and execution bounds
// (spec §4.4).
type Config struct {
	MaxToolCallsPerTurn int
	MaxRounds           int
	PerToolTimeout      time.Duration
	ResultsCacheSize    int
	SkipUnapproved      bool
	ParallelConcurrency int
}

// DefaultConfig returns spec §4.4's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxToolCallsPerTurn: 10,
		MaxRounds:           5,
		PerToolTimeout:      30 * time.Second,
		ResultsCacheSize:    1000,
		ParallelConcurrency: 4,
	}
}

// EventCallback receives orchestrator lifecycle events, non-blocking.
type EventCallback func(*models.RuntimeEvent)

// Orchestrator drives the chat<->tool loop over a router.Router,
// gating each tool call through a tool.Registry and an approval.Cache.
type Orchestrator struct {
	router    *router.Router
	registry  *tool.Registry
	approvals *approval.Cache
	terminal  Terminal
	cfg       Config
	logger    *slog.Logger

	resultsMu sync.Mutex
	results   map[string]models.ToolResult
	order     []string
}

// New builds an Orchestrator. terminal may be nil only when cfg.SkipUnapproved
// is true for every dangerous tool the registry holds, otherwise an
// approval prompt with no Terminal will return a denied synthetic result.
func New(r *router.Router, registry *tool.Registry, approvals *approval.Cache, terminal Terminal, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.MaxToolCallsPerTurn <= 0 {
		cfg.MaxToolCallsPerTurn = 10
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 5
	}
	if cfg.PerToolTimeout <= 0 {
		cfg.PerToolTimeout = 30 * time.Second
	}
	if cfg.ResultsCacheSize <= 0 {
		cfg.ResultsCacheSize = 1000
	}
	if cfg.ParallelConcurrency <= 0 {
		cfg.ParallelConcurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		router:    r,
		registry:  registry,
		approvals: approvals,
		terminal:  terminal,
		cfg:       cfg,
		logger:    logger,
		results:   make(map[string]models.ToolResult),
	}
}

// ResultsCacheLen reports the current size of the bounded results cache,
// for testing invariant 7 (spec §8).
func (o *Orchestrator) ResultsCacheLen() int {
	o.resultsMu.Lock()
	defer o.resultsMu.Unlock()
	return len(o.order)
}

// cacheResult inserts call_id -> result, evicting the oldest entry by
// insertion when the bound N is exceeded (spec §3's invariant on the
// tool-results cache).
func (o *Orchestrator) cacheResult(callID string, result models.ToolResult) {
	o.resultsMu.Lock()
	defer o.resultsMu.Unlock()
	if _, exists := o.results[callID]; !exists {
		o.order = append(o.order, callID)
	}
	o.results[callID] = result
	for len(o.order) > o.cfg.ResultsCacheSize {
		oldest := o.order[0]
		o.order = o.order[1:]
		delete(o.results, oldest)
	}
}

func emit(cb EventCallback, ev *models.RuntimeEvent) {
	if cb != nil {
		cb(ev)
	}
}

// RunTurn drives one user turn through the S0-S3/S-final/S-cancel state
// machine. history is the prior conversation (system + earlier turns);
// userInput is appended as the new user message. rc selects the provider
// candidate set for every completion round in this turn.
func (o *Orchestrator) RunTurn(ctx context.Context, history []models.Message, userInput string, rc router.RoutingContext, opts models.CompletionOptions, cb EventCallback) (string, []models.Message, error) {
	messages := append(append([]models.Message{}, history...), models.Message{Role: models.RoleUser, Content: userInput})

	if opts.Tools == nil {
		opts.Tools = o.registry.SchemasForProvider()
	}

	totalToolCalls := 0
	budgetExhausted := false

	for round := 1; ; round++ {
		if ctx.Err() != nil {
			return "", messages, cerrors.ErrCancelled
		}

		if round > o.cfg.MaxRounds {
			emit(cb, models.NewToolEvent(models.EventBudgetExhausted, "", "").WithMeta("reason", "max_rounds"))
			messages = append(messages, models.Message{Role: models.RoleSystem, Content: "tool budget exhausted: provide a final answer without further tool calls"})
			opts.Tools = nil
			budgetExhausted = true
		}

		emit(cb, (&models.RuntimeEvent{Type: models.EventRoundStart}).WithRound(round))

		var content strings.Builder
		var toolCalls []models.ToolCall
		var usage *models.Usage
		var streamErr error

		err := o.router.CompleteStream(ctx, provider.CompletionRequest{Messages: messages, Options: opts}, rc, func(ev models.StreamEvent) {
			if ev.Done && strings.HasPrefix(ev.Delta, content.String()) {
				// The terminal event carries the accumulated content; take it
				// whole instead of appending what was already streamed.
				content.Reset()
			}
			content.WriteString(ev.Delta)
			if ev.Done {
				toolCalls = ev.ToolCalls
				usage = ev.Usage
			}
		})
		if err != nil {
			streamErr = err
		}

		emit(cb, (&models.RuntimeEvent{Type: models.EventRoundEnd}).WithRound(round).WithMeta("usage", usage))

		if ctx.Err() != nil {
			return content.String(), messages, cerrors.ErrCancelled
		}
		if streamErr != nil {
			return "", messages, streamErr
		}

		if len(toolCalls) == 0 || budgetExhausted {
			return content.String(), messages, nil // S-final
		}

		// S2: bound the round's tool calls by the remaining per-turn budget.
		if totalToolCalls+len(toolCalls) > o.cfg.MaxToolCallsPerTurn {
			allowed := o.cfg.MaxToolCallsPerTurn - totalToolCalls
			if allowed < 0 {
				allowed = 0
			}
			toolCalls = toolCalls[:allowed]
		}
		totalToolCalls += len(toolCalls)

		assistantMsg := models.Message{Role: models.RoleAssistant, Content: content.String(), ToolCalls: toolCalls}
		messages = append(messages, assistantMsg)

		results := o.executeRound(ctx, toolCalls, cb)

		// S3: tool messages are appended in the assistant's declared order,
		// not completion order (spec §4.4's ordering guarantee).
		for i, call := range toolCalls {
			messages = append(messages, models.Message{
				Role:       models.RoleTool,
				Content:    resultContent(results[i]),
				Name:       call.Name,
				ToolCallID: call.ID,
			})
		}

		if totalToolCalls >= o.cfg.MaxToolCallsPerTurn {
			emit(cb, models.NewToolEvent(models.EventBudgetExhausted, "", "").WithMeta("reason", "max_tool_calls"))
			messages = append(messages, models.Message{Role: models.RoleSystem, Content: "tool budget exhausted: provide a final answer without further tool calls"})
			opts.Tools = nil
			budgetExhausted = true
		}
		// -> S1 (loop)
	}
}

func resultContent(r models.ToolResult) string {
	if r.Ok {
		return fmt.Sprintf("%v", r.Data)
	}
	return "error: " + r.Error
}

// executeRound runs one round's tool calls, sequentially by default.
// Concurrent execution is opt-in and only applies when every call in the
// round resolves to a side_effect_free=true schema (spec §4.4).
func (o *Orchestrator) executeRound(ctx context.Context, calls []models.ToolCall, cb EventCallback) []models.ToolResult {
	if o.allSideEffectFree(calls) && len(calls) > 1 {
		return o.executeConcurrent(ctx, calls, cb)
	}
	return o.executeSequential(ctx, calls, cb)
}

func (o *Orchestrator) allSideEffectFree(calls []models.ToolCall) bool {
	for _, c := range calls {
		t, ok := o.registry.Get(c.Name)
		if !ok || !t.Schema.SideEffectFree {
			return false
		}
	}
	return true
}

func (o *Orchestrator) executeSequential(ctx context.Context, calls []models.ToolCall, cb EventCallback) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	for i, call := range calls {
		results[i] = o.executeOne(ctx, call, cb)
	}
	return results
}

func (o *Orchestrator) executeConcurrent(ctx context.Context, calls []models.ToolCall, cb EventCallback) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	sem := make(chan struct{}, o.cfg.ParallelConcurrency)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c models.ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = models.ToolResult{CallID: c.ID, Ok: false, Error: "cancelled"}
				return
			}
			results[idx] = o.executeOne(ctx, c, cb)
		}(i, call)
	}
	wg.Wait()
	return results
}

// executeOne runs the approval-gated, timeout-bounded execution of a
// single tool call (the body of S2's per-call loop in spec §4.4).
func (o *Orchestrator) executeOne(ctx context.Context, call models.ToolCall, cb EventCallback) models.ToolResult {
	emit(cb, models.NewToolEvent(models.EventToolQueued, call.Name, call.ID))

	t, ok := o.registry.Get(call.Name)
	if !ok {
		result := models.ToolResult{CallID: call.ID, Ok: false, Error: "unknown_tool"}
		o.cacheResult(call.ID, result)
		return result
	}

	if err := o.registry.Validate(call.Name, call.Arguments); err != nil {
		result := models.ToolResult{CallID: call.ID, Ok: false, Error: "invalid_arguments: " + err.Error()}
		o.cacheResult(call.ID, result)
		return result
	}

	if t.Schema.Dangerous {
		approved := o.approvals.IsApproved(call.Name, t.Schema.Category)
		if approved == nil {
			if o.cfg.SkipUnapproved {
				result := models.ToolResult{CallID: call.ID, Ok: false, Error: string(cerrors.ToolErrUnapproved)}
				o.cacheResult(call.ID, result)
				return result
			}
			emit(cb, models.NewToolEvent(models.EventApprovalPrompt, call.Name, call.ID))
			decision, err := o.promptApproval(ctx, call.Name, t.Schema.Category)
			if err != nil {
				result := models.ToolResult{CallID: call.ID, Ok: false, Error: string(cerrors.ToolErrDenied)}
				o.cacheResult(call.ID, result)
				return result
			}
			o.approvals.SetApproval(call.Name, decision)
			approved = &decision
		}
		if !*approved {
			result := models.ToolResult{CallID: call.ID, Ok: false, Error: string(cerrors.ToolErrDenied)}
			o.cacheResult(call.ID, result)
			return result
		}
	}

	start := time.Now()
	emit(cb, models.NewToolEvent(models.EventToolStarted, call.Name, call.ID))
	toolCtx, cancel := context.WithTimeout(ctx, o.cfg.PerToolTimeout)
	defer cancel()

	resultCh := make(chan models.ToolResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				o.logger.Error("tool execution panicked", "tool", call.Name, "call_id", call.ID, "panic", rec)
				select {
				case resultCh <- models.ToolResult{Ok: false, Error: string(cerrors.ToolErrInternal)}:
				default:
				}
			}
		}()
		r, err := t.Execute(toolCtx, call.Arguments)
		if err != nil {
			if r == nil {
				r = &models.ToolResult{}
			}
			r.Ok = false
			if r.Error == "" {
				r.Error = err.Error()
			}
		}
		if r == nil {
			r = &models.ToolResult{Ok: false, Error: string(cerrors.ToolErrInternal)}
		}
		select {
		case resultCh <- *r:
		default:
		}
	}()

	var result models.ToolResult
	select {
	case <-toolCtx.Done():
		result = models.ToolResult{CallID: call.ID, Ok: false, Error: string(cerrors.ToolErrTimeout)}
		emit(cb, models.NewToolEvent(models.EventToolTimeout, call.Name, call.ID))
	case result = <-resultCh:
		result.CallID = call.ID
		result.DurationMS = time.Since(start).Milliseconds()
		if result.Ok {
			emit(cb, models.NewToolEvent(models.EventToolCompleted, call.Name, call.ID).WithMeta("duration_ms", result.DurationMS))
		} else {
			emit(cb, models.NewToolEvent(models.EventToolFailed, call.Name, call.ID).WithMeta("error", result.Error))
		}
	}

	o.cacheResult(call.ID, result)
	return result
}

// promptApproval blocks on the Terminal, resolving as denied if ctx is
// cancelled before the user answers (spec §4.4 cancellation guarantee).
func (o *Orchestrator) promptApproval(ctx context.Context, toolName, category string) (bool, error) {
	if o.terminal == nil {
		return false, cerrors.ErrCancelled
	}
	type answer struct {
		approved bool
		err      error
	}
	ch := make(chan answer, 1)
	go func() {
		approved, err := o.terminal.PromptApproval(ctx, toolName, category, "tool is marked dangerous")
		ch <- answer{approved, err}
	}()
	select {
	case <-ctx.Done():
		return false, cerrors.ErrCancelled
	case a := <-ch:
		return a.approved, a.err
	}
}

// NewTurnID returns an id suitable for correlating a turn's log lines,
// matching the teacher's uuid-based id convention throughout internal/agent.
func NewTurnID() string { return uuid.NewString() }
