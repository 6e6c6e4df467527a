package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cascadehq/cascade/internal/cerrors"
	"github.com/cascadehq/cascade/internal/provider"
	"github.com/cascadehq/cascade/pkg/models"
)

type fakeProvider struct {
	name         string
	capabilities models.Capabilities
	completeFn   func(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error)
	streamFn     func(ctx context.Context, req provider.CompletionRequest, onEvent provider.StreamHandler) error
	metrics      models.ProviderMetrics
	testConn     bool
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{
		name:         name,
		capabilities: models.Capabilities{Streaming: true, Supported: []string{"streaming"}},
		testConn:     true,
	}
}

func (p *fakeProvider) Name() string                         { return p.name }
func (p *fakeProvider) DisplayName() string                  { return p.name }
func (p *fakeProvider) Capabilities() models.Capabilities    { return p.capabilities }
func (p *fakeProvider) Initialize(ctx context.Context) error { return nil }
func (p *fakeProvider) TestConnection(ctx context.Context) bool {
	return p.testConn
}
func (p *fakeProvider) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	if p.completeFn != nil {
		return p.completeFn(ctx, req)
	}
	return &provider.CompletionResponse{Content: "ok from " + p.name}, nil
}
func (p *fakeProvider) CompleteStream(ctx context.Context, req provider.CompletionRequest, onEvent provider.StreamHandler) error {
	if p.streamFn != nil {
		return p.streamFn(ctx, req, onEvent)
	}
	onEvent(models.StreamEvent{Delta: "ok", Done: true})
	return nil
}
func (p *fakeProvider) ListModels() []models.Model              { return nil }
func (p *fakeProvider) GetModel(id string) (models.Model, bool) { return models.Model{}, false }
func (p *fakeProvider) CalculateCost(promptTokens, completionTokens int, model string) float64 {
	return 0
}
func (p *fakeProvider) Health() models.ProviderHealth {
	return models.ProviderHealth{Status: models.ProviderHealthy}
}
func (p *fakeProvider) Metrics() models.ProviderMetrics           { return p.metrics }
func (p *fakeProvider) UpdateConfig(partial map[string]any) error { return nil }
func (p *fakeProvider) Cleanup() error                            { return nil }

func TestComplete_PicksHealthyProvider(t *testing.T) {
	a := newFakeProvider("a")
	r := New([]provider.LLMProvider{a}, HealthConfig{}, Weights{Quality: 1}, nil)

	resp, err := r.Complete(context.Background(), provider.CompletionRequest{}, RoutingContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok from a" {
		t.Fatalf("got %q", resp.Content)
	}
}

func TestComplete_NoProviderAvailable(t *testing.T) {
	r := New(nil, HealthConfig{}, Weights{}, nil)
	_, err := r.Complete(context.Background(), provider.CompletionRequest{}, RoutingContext{})
	var npa *cerrors.NoProviderAvailable
	if !errors.As(err, &npa) {
		t.Fatalf("expected NoProviderAvailable, got %v", err)
	}
}

func TestComplete_ExcludesForbiddenProviders(t *testing.T) {
	a := newFakeProvider("a")
	b := newFakeProvider("b")
	r := New([]provider.LLMProvider{a, b}, HealthConfig{}, Weights{Quality: 1}, nil)

	resp, err := r.Complete(context.Background(), provider.CompletionRequest{}, RoutingContext{ForbiddenProviders: []string{"a"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok from b" {
		t.Fatalf("expected provider b to be selected, got %q", resp.Content)
	}
}

func TestComplete_RequiredCapabilitiesFilter(t *testing.T) {
	a := newFakeProvider("a")
	a.capabilities = models.Capabilities{Supported: []string{"streaming"}}
	b := newFakeProvider("b")
	b.capabilities = models.Capabilities{Supported: []string{"streaming", "function_calling"}}
	r := New([]provider.LLMProvider{a, b}, HealthConfig{}, Weights{Quality: 1}, nil)

	resp, err := r.Complete(context.Background(), provider.CompletionRequest{}, RoutingContext{
		RequiredCapabilities: []provider.Capability{provider.CapFunctionCalling},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok from b" {
		t.Fatalf("expected only capability-supporting provider to be selectable, got %q", resp.Content)
	}
}

func TestComplete_FallsOverOnRetryableFailure(t *testing.T) {
	a := newFakeProvider("a")
	a.completeFn = func(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
		return nil, cerrors.NewProviderError("a", errors.New("rate limited")).WithStatus(429)
	}
	b := newFakeProvider("b")
	r := New([]provider.LLMProvider{a, b}, HealthConfig{}, Weights{Quality: 1}, nil)

	resp, err := r.Complete(context.Background(), provider.CompletionRequest{}, RoutingContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok from b" {
		t.Fatalf("expected fallback to provider b, got %q", resp.Content)
	}
}

func TestComplete_NonRetryableFailurePropagatesImmediately(t *testing.T) {
	a := newFakeProvider("a")
	a.completeFn = func(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
		return nil, cerrors.NewProviderError("a", errors.New("bad key")).WithStatus(401)
	}
	b := newFakeProvider("b")
	r := New([]provider.LLMProvider{a, b}, HealthConfig{}, Weights{Quality: 1}, nil)

	_, err := r.Complete(context.Background(), provider.CompletionRequest{}, RoutingContext{})
	if err == nil {
		t.Fatalf("expected the non-retryable error to propagate")
	}
	pe, ok := cerrors.AsProviderError(err)
	if !ok || pe.Provider != "a" {
		t.Fatalf("expected provider a's error to surface unchanged, got %v", err)
	}
}

func TestHealth_DegradesAfterConsecutiveFailures(t *testing.T) {
	a := newFakeProvider("a")
	a.completeFn = func(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
		return nil, cerrors.NewProviderError("a", errors.New("down")).WithStatus(503)
	}
	r := New([]provider.LLMProvider{a}, HealthConfig{FailureThreshold: 3, RecoveryThreshold: 2, CheckInterval: time.Hour}, Weights{Quality: 1}, nil)

	for i := 0; i < 3; i++ {
		_, _ = r.Complete(context.Background(), provider.CompletionRequest{}, RoutingContext{})
	}
	health := r.Health()["a"]
	if health.Status != models.ProviderDegraded {
		t.Fatalf("expected degraded status after 3 consecutive failures, got %v", health.Status)
	}
}

func TestHealth_UnhealthyAfterDoubleThreshold_ExcludedFromCandidates(t *testing.T) {
	a := newFakeProvider("a")
	a.completeFn = func(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
		return nil, cerrors.NewProviderError("a", errors.New("down")).WithStatus(503)
	}
	b := newFakeProvider("b")
	r := New([]provider.LLMProvider{a, b}, HealthConfig{FailureThreshold: 2, RecoveryThreshold: 2, CheckInterval: time.Hour}, Weights{Quality: 1}, nil)

	// Drive a to unhealthy (2*threshold = 4 consecutive failures) using only
	// a's own failures: exclude b so each call actually reaches a.
	for i := 0; i < 4; i++ {
		_, _ = r.Complete(context.Background(), provider.CompletionRequest{}, RoutingContext{ForbiddenProviders: []string{"b"}})
	}
	health := r.Health()["a"]
	if health.Status != models.ProviderUnhealthy {
		t.Fatalf("expected unhealthy status, got %v", health.Status)
	}

	resp, err := r.Complete(context.Background(), provider.CompletionRequest{}, RoutingContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok from b" {
		t.Fatalf("expected unhealthy provider a to be skipped in favor of b, got %q", resp.Content)
	}
}

func TestHealth_SuccessResetsToHealthy(t *testing.T) {
	a := newFakeProvider("a")
	fail := true
	a.completeFn = func(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
		if fail {
			return nil, cerrors.NewProviderError("a", errors.New("down")).WithStatus(503)
		}
		return &provider.CompletionResponse{Content: "recovered"}, nil
	}
	r := New([]provider.LLMProvider{a}, HealthConfig{FailureThreshold: 3, RecoveryThreshold: 2, CheckInterval: time.Hour}, Weights{Quality: 1}, nil)

	for i := 0; i < 3; i++ {
		_, _ = r.Complete(context.Background(), provider.CompletionRequest{}, RoutingContext{})
	}
	if r.Health()["a"].Status != models.ProviderDegraded {
		t.Fatalf("expected degraded before recovery")
	}

	fail = false
	resp, err := r.Complete(context.Background(), provider.CompletionRequest{}, RoutingContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "recovered" {
		t.Fatalf("got %q", resp.Content)
	}
	health := r.Health()["a"]
	if health.Status != models.ProviderHealthy || health.ConsecutiveFailures != 0 {
		t.Fatalf("expected a single success to reset health, got %+v", health)
	}
}

func TestCompleteStream_MidStreamFailurePropagatesWithAccumulatedContent(t *testing.T) {
	a := newFakeProvider("a")
	a.streamFn = func(ctx context.Context, req provider.CompletionRequest, onEvent provider.StreamHandler) error {
		onEvent(models.StreamEvent{Delta: "partial"})
		onEvent(models.StreamEvent{Done: true, Delta: "partial"})
		return cerrors.NewProviderError("a", errors.New("connection reset")).WithStatus(0)
	}
	r := New([]provider.LLMProvider{a}, HealthConfig{}, Weights{Quality: 1}, nil)

	var lastEvent models.StreamEvent
	err := r.CompleteStream(context.Background(), provider.CompletionRequest{}, RoutingContext{}, func(ev models.StreamEvent) {
		lastEvent = ev
	})
	if err == nil {
		t.Fatalf("expected the stream error to propagate")
	}
	if !lastEvent.Done || lastEvent.Delta != "partial" {
		t.Fatalf("expected a terminal done=true event with accumulated content, got %+v", lastEvent)
	}
}
