package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cascadehq/cascade/internal/cerrors"
	"github.com/cascadehq/cascade/pkg/models"
)

// LocalConfig configures a LocalProvider talking to a local model server
// exposing Ollama-shaped /api/tags and /api/chat endpoints.
type LocalConfig struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// LocalProvider implements LLMProvider against a local HTTP model server:
// no community SDK exists for this NDJSON wire shape, so it talks
// net/http + bufio.Scanner directly.
type LocalProvider struct {
	*HealthTracker
	client       *http.Client
	baseURL      string
	defaultModel string
}

// NewLocalProvider builds an adapter from config.
func NewLocalProvider(cfg LocalConfig) *LocalProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &LocalProvider{
		HealthTracker: NewHealthTracker(),
		client:        &http.Client{Timeout: timeout},
		baseURL:       baseURL,
		defaultModel:  strings.TrimSpace(cfg.DefaultModel),
	}
}

func (p *LocalProvider) Name() string        { return "local" }
func (p *LocalProvider) DisplayName() string { return "Local model server" }

func (p *LocalProvider) Capabilities() models.Capabilities {
	return models.Capabilities{
		MaxContext:      8192,
		Streaming:       true,
		FunctionCalling: true,
		Supported:       []string{string(CapStreaming), string(CapFunctionCalling)},
	}
}

func (p *LocalProvider) Initialize(ctx context.Context) error {
	if p.TestConnection(ctx) {
		p.SetStatus(models.ProviderHealthy)
		return nil
	}
	p.SetStatus(models.ProviderUnhealthy)
	return errors.New("local: initialize self-test failed")
}

func (p *LocalProvider) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusBadRequest
}

type localChatRequest struct {
	Model    string             `json:"model"`
	Stream   bool               `json:"stream"`
	Messages []localChatMessage `json:"messages"`
	Options  map[string]any     `json:"options,omitempty"`
}

type localChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type localChatChunk struct {
	Model   string           `json:"model"`
	Message localChatMessage `json:"message"`
	Done    bool             `json:"done"`
	Error   string           `json:"error"`
}

func (p *LocalProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}

func buildLocalMessages(messages []models.Message) []localChatMessage {
	out := make([]localChatMessage, 0, len(messages))
	for _, msg := range messages {
		out = append(out, localChatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return out
}

func (p *LocalProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var full strings.Builder
	err := p.doChat(ctx, req, func(chunk localChatChunk) {
		full.WriteString(chunk.Message.Content)
	})
	if err != nil {
		return nil, err
	}
	return &CompletionResponse{Content: full.String(), Model: p.model(req.Options.Model)}, nil
}

func (p *LocalProvider) CompleteStream(ctx context.Context, req CompletionRequest, onEvent StreamHandler) error {
	var accumulated strings.Builder
	err := p.doChat(ctx, req, func(chunk localChatChunk) {
		if chunk.Message.Content != "" {
			accumulated.WriteString(chunk.Message.Content)
			onEvent(models.StreamEvent{Delta: chunk.Message.Content})
		}
	})
	onEvent(models.StreamEvent{Done: true, Delta: accumulated.String()})
	return err
}

// doChat posts the chat request and scans the NDJSON response, calling
// onChunk for each decoded line; partial JSON spanning reads is buffered
// by bufio.Scanner's line framing. Malformed lines are skipped.
func (p *LocalProvider) doChat(ctx context.Context, req CompletionRequest, onChunk func(localChatChunk)) error {
	model := p.model(req.Options.Model)
	if model == "" {
		return cerrors.NewUserError(cerrors.CategoryValidation, "local: model is required")
	}

	payload := localChatRequest{Model: model, Stream: true, Messages: buildLocalMessages(req.Messages)}
	if req.Options.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": req.Options.MaxTokens}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return cerrors.NewProviderError("local", err).WithModel(model)
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		p.RecordFailure(err)
		return cerrors.NewProviderError("local", err).WithModel(model)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		wrapped := cerrors.NewProviderError("local", err).WithModel(model)
		p.RecordFailure(wrapped)
		return wrapped
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		wrapped := cerrors.NewProviderError("local", fmt.Errorf("status %d: %s", resp.StatusCode, errBody)).
			WithStatus(resp.StatusCode).WithModel(model)
		p.RecordFailure(wrapped)
		return wrapped
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var tokens int
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk localChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			slog.Debug("local: skipping malformed stream chunk", "error", err)
			continue // malformed chunk: logged at debug, skipped here
		}
		if chunk.Error != "" {
			wrapped := cerrors.NewProviderError("local", errors.New(chunk.Error)).WithModel(model)
			p.RecordFailure(wrapped)
			return wrapped
		}
		onChunk(chunk)
		tokens++
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		wrapped := cerrors.NewProviderError("local", err).WithModel(model)
		p.RecordFailure(wrapped)
		return wrapped
	}

	p.RecordSuccess(time.Since(start), tokens, 0)
	return nil
}

func (p *LocalProvider) ListModels() []models.Model {
	if p.defaultModel == "" {
		return nil
	}
	return []models.Model{{ID: p.defaultModel, Name: p.defaultModel, ContextSize: 8192}}
}

func (p *LocalProvider) GetModel(id string) (models.Model, bool) {
	for _, m := range p.ListModels() {
		if m.ID == id {
			return m, true
		}
	}
	return models.Model{}, false
}

// CalculateCost is always zero: local inference has no per-token billing.
func (p *LocalProvider) CalculateCost(promptTokens, completionTokens int, model string) float64 {
	return 0
}

func (p *LocalProvider) UpdateConfig(partial map[string]any) error {
	if v, ok := partial["default_model"].(string); ok && v != "" {
		p.defaultModel = v
	}
	if v, ok := partial["base_url"].(string); ok && v != "" {
		p.baseURL = strings.TrimRight(v, "/")
	}
	return nil
}

func (p *LocalProvider) Cleanup() error { return nil }
