package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cascadehq/cascade/internal/cerrors"
	"github.com/cascadehq/cascade/pkg/models"
)

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Retry        RetryPolicy
}

// OpenAIProvider implements LLMProvider against OpenAI's chat-completions
// API: OpenAI-style messages, bearer auth, SSE "data: ..." framing.
type OpenAIProvider struct {
	*HealthTracker
	client       *openai.Client
	defaultModel string
	retry        RetryPolicy
}

// NewOpenAIProvider builds an adapter from config.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, cerrors.NewUserError(cerrors.CategoryValidation, "openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		HealthTracker: NewHealthTracker(),
		client:        openai.NewClientWithConfig(clientCfg),
		defaultModel:  cfg.DefaultModel,
		retry:         cfg.Retry,
	}, nil
}

func (p *OpenAIProvider) Name() string        { return "openai" }
func (p *OpenAIProvider) DisplayName() string { return "OpenAI" }

func (p *OpenAIProvider) Capabilities() models.Capabilities {
	return models.Capabilities{
		MaxContext:      128000,
		Streaming:       true,
		FunctionCalling: true,
		ImageInput:      true,
		Supported:       []string{string(CapStreaming), string(CapFunctionCalling), string(CapImageInput)},
	}
}

func (p *OpenAIProvider) Initialize(ctx context.Context) error {
	if p.TestConnection(ctx) {
		p.SetStatus(models.ProviderHealthy)
		return nil
	}
	p.SetStatus(models.ProviderUnhealthy)
	return errors.New("openai: initialize self-test failed")
}

func (p *OpenAIProvider) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := p.Complete(ctx, CompletionRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "ping"}},
		Options:  models.CompletionOptions{MaxTokens: 1},
	})
	return err == nil
}

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var resp *CompletionResponse
	start := time.Now()

	err := Retry(ctx, p.retry, func(attempt int) error {
		chatReq := openai.ChatCompletionRequest{
			Model:     p.model(req.Options.Model),
			Messages:  convertOpenAIMessages(req.Messages),
			MaxTokens: maxTokens(req.Options.MaxTokens),
		}
		if len(req.Options.Tools) > 0 {
			chatReq.Tools = convertOpenAITools(req.Options.Tools)
		}

		result, err := p.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return p.wrapError(err, chatReq.Model)
		}
		if len(result.Choices) == 0 {
			return cerrors.NewProviderError("openai", errors.New("empty choices")).WithModel(chatReq.Model)
		}

		choice := result.Choices[0]
		var calls []models.ToolCall
		for _, tc := range choice.Message.ToolCalls {
			args := map[string]any{}
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			calls = append(calls, models.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
		}

		resp = &CompletionResponse{
			Content:   choice.Message.Content,
			ToolCalls: calls,
			Model:     result.Model,
			Usage: models.Usage{
				Prompt:     result.Usage.PromptTokens,
				Completion: result.Usage.CompletionTokens,
				Total:      result.Usage.TotalTokens,
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

func (p *OpenAIProvider) CompleteStream(ctx context.Context, req CompletionRequest, onEvent StreamHandler) error {
	chatReq := openai.ChatCompletionRequest{
		Model:     p.model(req.Options.Model),
		Messages:  convertOpenAIMessages(req.Messages),
		MaxTokens: maxTokens(req.Options.MaxTokens),
		Stream:    true,
	}
	if len(req.Options.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Options.Tools)
	}

	start := time.Now()
	var stream *openai.ChatCompletionStream
	err := Retry(ctx, p.retry, func(attempt int) error {
		s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return p.wrapError(err, chatReq.Model)
		}
		stream = s
		return nil
	})
	if err != nil {
		p.RecordFailure(err)
		return err
	}
	defer stream.Close()

	var accumulated strings.Builder
	toolCallsByIndex := map[int]*models.ToolCall{}
	toolArgsByIndex := map[int]*strings.Builder{}

	for {
		if ctx.Err() != nil {
			onEvent(models.StreamEvent{Done: true, Delta: accumulated.String()})
			p.RecordFailure(ctx.Err())
			return ctx.Err()
		}

		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			wrapped := p.wrapError(err, chatReq.Model)
			onEvent(models.StreamEvent{Done: true, Delta: accumulated.String()})
			p.RecordFailure(wrapped)
			return wrapped
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			accumulated.WriteString(delta.Content)
			onEvent(models.StreamEvent{Delta: delta.Content})
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if _, ok := toolCallsByIndex[idx]; !ok {
				toolCallsByIndex[idx] = &models.ToolCall{ID: tc.ID, Name: tc.Function.Name}
				toolArgsByIndex[idx] = &strings.Builder{}
			}
			toolArgsByIndex[idx].WriteString(tc.Function.Arguments)
		}
	}

	var finalCalls []models.ToolCall
	for idx, call := range toolCallsByIndex {
		args := map[string]any{}
		_ = json.Unmarshal([]byte(toolArgsByIndex[idx].String()), &args)
		call.Arguments = args
		finalCalls = append(finalCalls, *call)
	}
	if len(finalCalls) > 0 {
		onEvent(models.StreamEvent{ToolCalls: finalCalls})
	}

	onEvent(models.StreamEvent{Done: true, Delta: accumulated.String()})
	p.RecordSuccess(time.Since(start), 0, 0)
	return nil
}

func (p *OpenAIProvider) ListModels() []models.Model {
	return []models.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000, SupportsVision: true},
	}
}

func (p *OpenAIProvider) GetModel(id string) (models.Model, bool) {
	for _, m := range p.ListModels() {
		if m.ID == id {
			return m, true
		}
	}
	return models.Model{}, false
}

func (p *OpenAIProvider) CalculateCost(promptTokens, completionTokens int, model string) float64 {
	const inputPerMillion = 2.50
	const outputPerMillion = 10.00
	return float64(promptTokens)/1_000_000*inputPerMillion + float64(completionTokens)/1_000_000*outputPerMillion
}

func (p *OpenAIProvider) UpdateConfig(partial map[string]any) error {
	if v, ok := partial["default_model"].(string); ok && v != "" {
		p.defaultModel = v
	}
	return nil
}

func (p *OpenAIProvider) Cleanup() error { return nil }

func (p *OpenAIProvider) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func convertOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		out := openai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		for _, call := range msg.ToolCalls {
			args, _ := json.Marshal(call.Arguments)
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: string(args),
				},
			})
		}
		result = append(result, out)
	}
	return result
}

func convertOpenAITools(tools []models.ToolSchema) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		props := map[string]any{}
		var required []string
		for _, p := range tool.Parameters {
			prop := map[string]any{"type": p.Type, "description": p.Description}
			if len(p.Enum) > 0 {
				prop["enum"] = p.Enum
			}
			props[p.Name] = prop
			if p.Required {
				required = append(required, p.Name)
			}
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters: map[string]any{
					"type":       "object",
					"properties": props,
					"required":   required,
				},
			},
		})
	}
	return result
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := cerrors.NewProviderError("openai", err).WithStatus(apiErr.HTTPStatusCode).WithModel(model)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			pe = pe.WithCode(code)
		}
		return pe
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return cerrors.NewProviderError("openai", err).WithStatus(reqErr.HTTPStatusCode).WithModel(model)
	}
	return cerrors.NewProviderError("openai", err).WithModel(model)
}
