package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/cascadehq/cascade/internal/cerrors"
	"github.com/cascadehq/cascade/pkg/models"
)

// GeminiConfig configures a GeminiProvider.
type GeminiConfig struct {
	APIKey       string
	DefaultModel string
}

// GeminiProvider implements LLMProvider against Google's Gemini API,
// extending the contract beyond spec.md's three named adapter variants to
// exercise the genai SDK present in the broader pack.
type GeminiProvider struct {
	*HealthTracker
	client       *genai.Client
	defaultModel string
}

// NewGeminiProvider builds an adapter from config.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, cerrors.NewUserError(cerrors.CategoryValidation, "gemini: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, cerrors.NewProviderError("gemini", err)
	}

	return &GeminiProvider{
		HealthTracker: NewHealthTracker(),
		client:        client,
		defaultModel:  cfg.DefaultModel,
	}, nil
}

func (p *GeminiProvider) Name() string        { return "gemini" }
func (p *GeminiProvider) DisplayName() string { return "Google Gemini" }

func (p *GeminiProvider) Capabilities() models.Capabilities {
	return models.Capabilities{
		MaxContext:      1000000,
		Streaming:       true,
		FunctionCalling: true,
		ImageInput:      true,
		Supported:       []string{string(CapStreaming), string(CapFunctionCalling), string(CapImageInput)},
	}
}

func (p *GeminiProvider) Initialize(ctx context.Context) error {
	if p.TestConnection(ctx) {
		p.SetStatus(models.ProviderHealthy)
		return nil
	}
	p.SetStatus(models.ProviderUnhealthy)
	return errors.New("gemini: initialize self-test failed")
}

func (p *GeminiProvider) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := p.Complete(ctx, CompletionRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "ping"}},
		Options:  models.CompletionOptions{MaxTokens: 1},
	})
	return err == nil
}

func (p *GeminiProvider) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func geminiContents(messages []models.Message) []*genai.Content {
	var result []*genai.Content
	for _, msg := range messages {
		if msg.Role == models.RoleSystem || msg.Content == "" {
			continue
		}
		role := genai.RoleUser
		if msg.Role == models.RoleAssistant {
			role = genai.RoleModel
		}
		result = append(result, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{genai.NewPartFromText(msg.Content)},
		})
	}
	return result
}

func (p *GeminiProvider) buildConfig(opts models.CompletionOptions) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if opts.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(opts.System)}}
	}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}
	return cfg
}

func (p *GeminiProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	model := p.model(req.Options.Model)

	resp, err := p.client.Models.GenerateContent(ctx, model, geminiContents(req.Messages), p.buildConfig(req.Options))
	if err != nil {
		wrapped := cerrors.NewProviderError("gemini", err).WithModel(model)
		p.RecordFailure(wrapped)
		return nil, wrapped
	}

	var text strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			text.WriteString(part.Text)
		}
	}

	usage := models.Usage{}
	if resp.UsageMetadata != nil {
		usage = models.Usage{
			Prompt:     int(resp.UsageMetadata.PromptTokenCount),
			Completion: int(resp.UsageMetadata.CandidatesTokenCount),
			Total:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	p.RecordSuccess(time.Since(start), usage.Total, 0)
	return &CompletionResponse{Content: text.String(), Model: model, Usage: usage}, nil
}

func (p *GeminiProvider) CompleteStream(ctx context.Context, req CompletionRequest, onEvent StreamHandler) error {
	start := time.Now()
	model := p.model(req.Options.Model)
	var accumulated strings.Builder

	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, geminiContents(req.Messages), p.buildConfig(req.Options)) {
		if ctx.Err() != nil {
			onEvent(models.StreamEvent{Done: true, Delta: accumulated.String()})
			p.RecordFailure(ctx.Err())
			return ctx.Err()
		}
		if err != nil {
			wrapped := cerrors.NewProviderError("gemini", err).WithModel(model)
			onEvent(models.StreamEvent{Done: true, Delta: accumulated.String()})
			p.RecordFailure(wrapped)
			return wrapped
		}
		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					accumulated.WriteString(part.Text)
					onEvent(models.StreamEvent{Delta: part.Text})
				}
			}
		}
	}

	onEvent(models.StreamEvent{Done: true, Delta: accumulated.String()})
	p.RecordSuccess(time.Since(start), 0, 0)
	return nil
}

func (p *GeminiProvider) ListModels() []models.Model {
	return []models.Model{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextSize: 1000000, SupportsVision: true},
		{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", ContextSize: 2000000, SupportsVision: true},
		{ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash", ContextSize: 1000000, SupportsVision: true},
	}
}

func (p *GeminiProvider) GetModel(id string) (models.Model, bool) {
	for _, m := range p.ListModels() {
		if m.ID == id {
			return m, true
		}
	}
	return models.Model{}, false
}

func (p *GeminiProvider) CalculateCost(promptTokens, completionTokens int, model string) float64 {
	const inputPerMillion = 1.25
	const outputPerMillion = 5.00
	return float64(promptTokens)/1_000_000*inputPerMillion + float64(completionTokens)/1_000_000*outputPerMillion
}

func (p *GeminiProvider) UpdateConfig(partial map[string]any) error {
	if v, ok := partial["default_model"].(string); ok && v != "" {
		p.defaultModel = v
	}
	return nil
}

func (p *GeminiProvider) Cleanup() error { return nil }
