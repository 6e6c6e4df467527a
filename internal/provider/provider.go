// Package provider defines the uniform LLMProvider contract and the
// completion/streaming types every adapter (Anthropic, OpenAI, local,
// Bedrock, Gemini) translates its wire protocol to and from.
package provider

import (
	"context"
	"sync"
	"time"

	"github.com/cascadehq/cascade/pkg/models"
)

// Capability names a feature an adapter or request may require.
type Capability string

const (
	CapStreaming       Capability = "streaming"
	CapFunctionCalling Capability = "function_calling"
	CapImageInput      Capability = "image_input"
	CapDocumentInput   Capability = "document_input"
)

// CompletionRequest is the uniform input to Complete/CompleteStream.
type CompletionRequest struct {
	Messages []models.Message
	Options  models.CompletionOptions
}

// CompletionResponse is the uniform, non-streaming completion result.
type CompletionResponse struct {
	Content   string
	ToolCalls []models.ToolCall
	Usage     models.Usage
	Model     string
}

// StreamHandler receives ordered stream events until one with Done=true.
type StreamHandler func(event models.StreamEvent)

// LLMProvider is the contract every adapter implements (spec §4.1).
type LLMProvider interface {
	Name() string
	DisplayName() string
	Capabilities() models.Capabilities

	// Initialize performs a cheap self-test, setting health to healthy on
	// success; a failure sets health to unhealthy and returns the error.
	Initialize(ctx context.Context) error

	// TestConnection is an idempotent, time-bounded connectivity probe.
	TestConnection(ctx context.Context) bool

	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CompleteStream invokes on_event with ordered StreamEvents until a
	// Done=true event; it honors ctx cancellation with at most one
	// in-flight chunk still delivered afterward.
	CompleteStream(ctx context.Context, req CompletionRequest, onEvent StreamHandler) error

	ListModels() []models.Model
	GetModel(id string) (models.Model, bool)

	// CalculateCost is pure: no network or mutable state.
	CalculateCost(promptTokens, completionTokens int, model string) float64

	Health() models.ProviderHealth
	Metrics() models.ProviderMetrics

	UpdateConfig(partial map[string]any) error
	Cleanup() error
}

// HealthTracker is embedded by every adapter to share the health/metrics
// bookkeeping the router (C2) reads after each call, mirroring the
// teacher's BaseProvider composition pattern.
type HealthTracker struct {
	mu      sync.RWMutex
	health  models.ProviderHealth
	metrics models.ProviderMetrics
}

// NewHealthTracker returns a tracker starting in the unknown state.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{health: models.ProviderHealth{Status: models.ProviderUnknown}}
}

// RecordSuccess marks a successful attempt: resets consecutive failures,
// sets health healthy, and folds latency/token/cost totals into metrics.
func (h *HealthTracker) RecordSuccess(latency time.Duration, tokens int, costCents int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health.Status = models.ProviderHealthy
	h.health.ConsecutiveFailures = 0
	h.health.LastCheck = time.Now()
	h.health.LastError = ""
	h.metrics.Requests++
	h.metrics.Successes++
	h.metrics.TotalTokens += int64(tokens)
	h.metrics.TotalCostCents += costCents
	h.metrics.TotalLatencyMS += latency.Milliseconds()
}

// RecordFailure marks a failed attempt. Health transition to
// degraded/unhealthy is the router's concern (C2); this tracker only
// accumulates the raw counters the router reads.
func (h *HealthTracker) RecordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health.ConsecutiveFailures++
	h.health.LastCheck = time.Now()
	if err != nil {
		h.health.LastError = err.Error()
	}
	h.metrics.Requests++
	h.metrics.Failures++
}

// SetStatus overrides the health status directly, used by Initialize. The
// router keeps its own per-provider status and does not call it.
func (h *HealthTracker) SetStatus(status models.ProviderHealthStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.health.Status = status
	h.health.LastCheck = time.Now()
}

// Health returns a snapshot of the current health state.
func (h *HealthTracker) Health() models.ProviderHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.health
}

// Metrics returns a snapshot of the accumulated metrics.
func (h *HealthTracker) Metrics() models.ProviderMetrics {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.metrics
}
