package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/cascadehq/cascade/internal/cerrors"
	"github.com/cascadehq/cascade/pkg/models"
)

// BedrockConfig configures a BedrockProvider.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
}

// BedrockProvider implements LLMProvider against AWS Bedrock's Converse API,
// extending the contract beyond spec.md's three named adapter variants to
// exercise the AWS SDK present in the broader pack.
type BedrockProvider struct {
	*HealthTracker
	client       *bedrockruntime.Client
	defaultModel string
}

// NewBedrockProvider builds an adapter from config, loading AWS credentials
// from the default chain unless explicit keys are given.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, cerrors.NewProviderError("bedrock", err)
	}

	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}

	return &BedrockProvider{
		HealthTracker: NewHealthTracker(),
		client:        bedrockruntime.NewFromConfig(awsCfg),
		defaultModel:  defaultModel,
	}, nil
}

func (p *BedrockProvider) Name() string        { return "bedrock" }
func (p *BedrockProvider) DisplayName() string { return "AWS Bedrock" }

func (p *BedrockProvider) Capabilities() models.Capabilities {
	return models.Capabilities{
		MaxContext:      200000,
		Streaming:       true,
		FunctionCalling: true,
		Supported:       []string{string(CapStreaming), string(CapFunctionCalling)},
	}
}

func (p *BedrockProvider) Initialize(ctx context.Context) error {
	if p.TestConnection(ctx) {
		p.SetStatus(models.ProviderHealthy)
		return nil
	}
	p.SetStatus(models.ProviderUnhealthy)
	return errors.New("bedrock: initialize self-test failed")
}

func (p *BedrockProvider) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := p.Complete(ctx, CompletionRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "ping"}},
		Options:  models.CompletionOptions{MaxTokens: 1},
	})
	return err == nil
}

func bedrockMessages(messages []models.Message) []types.Message {
	var result []types.Message
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}
		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		if msg.Content == "" {
			continue
		}
		result = append(result, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: msg.Content}},
		})
	}
	return result
}

func (p *BedrockProvider) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func (p *BedrockProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	model := p.model(req.Options.Model)

	converseReq := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: bedrockMessages(req.Messages),
	}
	if req.Options.System != "" {
		converseReq.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.Options.System}}
	}

	out, err := p.client.Converse(ctx, converseReq)
	if err != nil {
		wrapped := cerrors.NewProviderError("bedrock", err).WithModel(model)
		p.RecordFailure(wrapped)
		return nil, wrapped
	}

	var text strings.Builder
	if msg, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if textBlock, ok := block.(*types.ContentBlockMemberText); ok {
				text.WriteString(textBlock.Value)
			}
		}
	}

	usage := models.Usage{}
	if out.Usage != nil {
		usage = models.Usage{
			Prompt:     int(aws.ToInt32(out.Usage.InputTokens)),
			Completion: int(aws.ToInt32(out.Usage.OutputTokens)),
			Total:      int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}

	p.RecordSuccess(time.Since(start), usage.Total, 0)
	return &CompletionResponse{Content: text.String(), Model: model, Usage: usage}, nil
}

func (p *BedrockProvider) CompleteStream(ctx context.Context, req CompletionRequest, onEvent StreamHandler) error {
	model := p.model(req.Options.Model)
	start := time.Now()

	converseReq := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: bedrockMessages(req.Messages),
	}
	if req.Options.System != "" {
		converseReq.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.Options.System}}
	}

	out, err := p.client.ConverseStream(ctx, converseReq)
	if err != nil {
		wrapped := cerrors.NewProviderError("bedrock", err).WithModel(model)
		p.RecordFailure(wrapped)
		return wrapped
	}

	var accumulated strings.Builder
	stream := out.GetStream()
	defer stream.Close()

	for event := range stream.Events() {
		if ctx.Err() != nil {
			onEvent(models.StreamEvent{Done: true, Delta: accumulated.String()})
			p.RecordFailure(ctx.Err())
			return ctx.Err()
		}
		switch v := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			if textDelta, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
				accumulated.WriteString(textDelta.Value)
				onEvent(models.StreamEvent{Delta: textDelta.Value})
			}
		case *types.ConverseStreamOutputMemberMessageStop:
			onEvent(models.StreamEvent{Done: true, Delta: accumulated.String()})
			p.RecordSuccess(time.Since(start), 0, 0)
			return nil
		}
	}
	if err := stream.Err(); err != nil {
		wrapped := cerrors.NewProviderError("bedrock", err).WithModel(model)
		onEvent(models.StreamEvent{Done: true, Delta: accumulated.String()})
		p.RecordFailure(wrapped)
		return wrapped
	}
	onEvent(models.StreamEvent{Done: true, Delta: accumulated.String()})
	p.RecordSuccess(time.Since(start), 0, 0)
	return nil
}

func (p *BedrockProvider) ListModels() []models.Model {
	return []models.Model{
		{ID: "anthropic.claude-3-5-sonnet-20241022-v2:0", Name: "Claude 3.5 Sonnet (Bedrock)", ContextSize: 200000, SupportsVision: true},
		{ID: "amazon.titan-text-premier-v1:0", Name: "Titan Text Premier", ContextSize: 32000},
		{ID: "meta.llama3-1-70b-instruct-v1:0", Name: "Llama 3.1 70B", ContextSize: 128000},
	}
}

func (p *BedrockProvider) GetModel(id string) (models.Model, bool) {
	for _, m := range p.ListModels() {
		if m.ID == id {
			return m, true
		}
	}
	return models.Model{}, false
}

// CalculateCost uses a conservative blended per-million-token rate; Bedrock
// pricing varies per underlying foundation model and region.
func (p *BedrockProvider) CalculateCost(promptTokens, completionTokens int, model string) float64 {
	const inputPerMillion = 3.00
	const outputPerMillion = 15.00
	return float64(promptTokens)/1_000_000*inputPerMillion + float64(completionTokens)/1_000_000*outputPerMillion
}

func (p *BedrockProvider) UpdateConfig(partial map[string]any) error {
	if v, ok := partial["default_model"].(string); ok && v != "" {
		p.defaultModel = v
	}
	return nil
}

func (p *BedrockProvider) Cleanup() error { return nil }
