package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/cascadehq/cascade/internal/cerrors"
	"github.com/cascadehq/cascade/pkg/models"
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Retry        RetryPolicy
}

// AnthropicProvider implements LLMProvider against the Anthropic Messages
// API: user/assistant-only message array, system as a top-level field,
// SSE framing with typed content_block_delta/message_stop events.
type AnthropicProvider struct {
	*HealthTracker
	client       anthropic.Client
	defaultModel string
	retry        RetryPolicy
}

// NewAnthropicProvider builds an adapter from config.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, cerrors.NewUserError(cerrors.CategoryValidation, "anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-5"
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		HealthTracker: NewHealthTracker(),
		client:        anthropic.NewClient(opts...),
		defaultModel:  cfg.DefaultModel,
		retry:         cfg.Retry,
	}, nil
}

func (p *AnthropicProvider) Name() string        { return "anthropic" }
func (p *AnthropicProvider) DisplayName() string { return "Anthropic Claude" }

func (p *AnthropicProvider) Capabilities() models.Capabilities {
	return models.Capabilities{
		MaxContext:      200000,
		Streaming:       true,
		FunctionCalling: true,
		ImageInput:      true,
		DocumentInput:   true,
		Supported:       []string{string(CapStreaming), string(CapFunctionCalling), string(CapImageInput), string(CapDocumentInput)},
	}
}

func (p *AnthropicProvider) Initialize(ctx context.Context) error {
	if p.TestConnection(ctx) {
		p.SetStatus(models.ProviderHealthy)
		return nil
	}
	p.SetStatus(models.ProviderUnhealthy)
	return fmt.Errorf("anthropic: initialize self-test failed")
}

func (p *AnthropicProvider) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := p.Complete(ctx, CompletionRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "ping"}},
		Options:  models.CompletionOptions{MaxTokens: 1},
	})
	return err == nil
}

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var resp *CompletionResponse
	start := time.Now()

	err := Retry(ctx, p.retry, func(attempt int) error {
		messages, convErr := convertMessages(req.Messages)
		if convErr != nil {
			return cerrors.NewUserError(cerrors.CategoryValidation, convErr.Error())
		}
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(p.model(req.Options.Model)),
			Messages:  messages,
			MaxTokens: int64(maxTokens(req.Options.MaxTokens)),
		}
		if req.Options.System != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.Options.System}}
		}
		if len(req.Options.Tools) > 0 {
			tools, err := convertTools(req.Options.Tools)
			if err != nil {
				return cerrors.NewUserError(cerrors.CategoryValidation, err.Error())
			}
			params.Tools = tools
		}

		msg, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return p.wrapError(err, p.model(req.Options.Model))
		}

		var text strings.Builder
		var calls []models.ToolCall
		for _, block := range msg.Content {
			switch variant := block.AsAny().(type) {
			case anthropic.TextBlock:
				text.WriteString(variant.Text)
			case anthropic.ToolUseBlock:
				raw, _ := json.Marshal(variant.Input)
				args := map[string]any{}
				_ = json.Unmarshal(raw, &args)
				calls = append(calls, models.ToolCall{ID: variant.ID, Name: variant.Name, Arguments: args})
			}
		}

		resp = &CompletionResponse{
			Content:   text.String(),
			ToolCalls: calls,
			Model:     string(msg.Model),
			Usage: models.Usage{
				Prompt:     int(msg.Usage.InputTokens),
				Completion: int(msg.Usage.OutputTokens),
				Total:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
			},
		}
		return nil
	})

	if err != nil {
		p.RecordFailure(err)
		return nil, err
	}
	p.RecordSuccess(time.Since(start), resp.Usage.Total, 0)
	return resp, nil
}

func (p *AnthropicProvider) CompleteStream(ctx context.Context, req CompletionRequest, onEvent StreamHandler) error {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return cerrors.NewUserError(cerrors.CategoryValidation, err.Error())
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Options.Model)),
		Messages:  messages,
		MaxTokens: int64(maxTokens(req.Options.MaxTokens)),
	}
	if req.Options.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.Options.System}}
	}
	if len(req.Options.Tools) > 0 {
		tools, err := convertTools(req.Options.Tools)
		if err != nil {
			return cerrors.NewUserError(cerrors.CategoryValidation, err.Error())
		}
		params.Tools = tools
	}

	start := time.Now()
	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	err = Retry(ctx, p.retry, func(attempt int) error {
		stream = p.client.Messages.NewStreaming(ctx, params)
		return nil
	})
	if err != nil {
		p.RecordFailure(err)
		return err
	}

	var accumulated strings.Builder
	var currentCall *models.ToolCall
	var currentInput strings.Builder
	var totalTokens int

	for stream.Next() {
		if ctx.Err() != nil {
			onEvent(models.StreamEvent{Done: true, Delta: accumulated.String()})
			p.RecordFailure(ctx.Err())
			return ctx.Err()
		}

		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			if tu := event.AsContentBlockStart().ContentBlock.AsToolUse(); tu.ID != "" {
				currentCall = &models.ToolCall{ID: tu.ID, Name: tu.Name}
				currentInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			if delta.Text != "" {
				accumulated.WriteString(delta.Text)
				onEvent(models.StreamEvent{Delta: delta.Text})
			}
			if delta.PartialJSON != "" {
				currentInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if currentCall != nil {
				args := map[string]any{}
				_ = json.Unmarshal([]byte(currentInput.String()), &args)
				currentCall.Arguments = args
				onEvent(models.StreamEvent{ToolCalls: []models.ToolCall{*currentCall}})
				currentCall = nil
			}
		case "message_delta":
			if out := event.AsMessageDelta().Usage.OutputTokens; out > 0 {
				totalTokens = int(out)
			}
		case "message_stop":
			onEvent(models.StreamEvent{Done: true, Delta: "", Usage: &models.Usage{Completion: totalTokens, Total: totalTokens}})
			p.RecordSuccess(time.Since(start), totalTokens, 0)
			return nil
		}
	}

	if err := stream.Err(); err != nil {
		wrapped := p.wrapError(err, p.model(req.Options.Model))
		onEvent(models.StreamEvent{Done: true, Delta: accumulated.String()})
		p.RecordFailure(wrapped)
		return wrapped
	}
	onEvent(models.StreamEvent{Done: true, Delta: accumulated.String()})
	p.RecordSuccess(time.Since(start), totalTokens, 0)
	return nil
}

func (p *AnthropicProvider) ListModels() []models.Model {
	return []models.Model{
		{ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-opus-4-1", Name: "Claude Opus 4.1", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-haiku-4-5", Name: "Claude Haiku 4.5", ContextSize: 200000, SupportsVision: true},
	}
}

func (p *AnthropicProvider) GetModel(id string) (models.Model, bool) {
	for _, m := range p.ListModels() {
		if m.ID == id {
			return m, true
		}
	}
	return models.Model{}, false
}

// CalculateCost uses fixed per-million-token prices from the public Sonnet
// pricing tier and returns the cost in US dollars.
func (p *AnthropicProvider) CalculateCost(promptTokens, completionTokens int, model string) float64 {
	const inputPerMillion = 3.00
	const outputPerMillion = 15.00
	return float64(promptTokens)/1_000_000*inputPerMillion + float64(completionTokens)/1_000_000*outputPerMillion
}

func (p *AnthropicProvider) UpdateConfig(partial map[string]any) error {
	if v, ok := partial["default_model"].(string); ok && v != "" {
		p.defaultModel = v
	}
	return nil
}

func (p *AnthropicProvider) Cleanup() error { return nil }

func (p *AnthropicProvider) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func maxTokens(requested int) int {
	if requested <= 0 {
		return 4096
	}
	return requested
}

func convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		}
		for _, call := range msg.ToolCalls {
			content = append(content, anthropic.NewToolUseBlock(call.ID, call.Arguments, call.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertTools(tools []models.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		schema := anthropic.ToolInputSchemaParam{Properties: toolParamProperties(tool.Parameters)}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func toolParamProperties(params []models.ToolParameter) map[string]any {
	props := map[string]any{}
	var required []string
	for _, p := range params {
		prop := map[string]any{"type": p.Type, "description": p.Description}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	if len(required) > 0 {
		props["__required"] = required
	}
	return props
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe := cerrors.NewProviderError("anthropic", err).WithStatus(apiErr.StatusCode).WithModel(model)
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					pe.Message = payload.Error.Message
				}
				if payload.Error.Type != "" {
					pe = pe.WithCode(payload.Error.Type)
				}
			}
		}
		return pe
	}
	return cerrors.NewProviderError("anthropic", err).WithModel(model)
}
