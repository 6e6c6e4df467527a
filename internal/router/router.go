// Package router implements the intelligent provider router (C2): scoring,
// a 4-state health machine generalized from the teacher's 3-state circuit
// breaker, and retryable-failure fallback.
package router

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cascadehq/cascade/internal/cerrors"
	"github.com/cascadehq/cascade/internal/provider"
	"github.com/cascadehq/cascade/pkg/models"
)

// Weights controls the scoring formula's policy-selected coefficients.
type Weights struct {
	Quality float64
	Latency float64
	Cost    float64
}

// RoutingContext is the caller's routing intent (spec §4.2).
type RoutingContext struct {
	RequiredCapabilities []provider.Capability
	LatencySensitive     bool
	CostSensitive        bool
	QualitySensitive     bool
	PreferredProviders   []string
	ForbiddenProviders   []string
}

// HealthConfig tunes the consecutive-failure thresholds and recovery probe
// interval (spec §4.2): healthy→degraded at k, degraded→unhealthy at 2k.
type HealthConfig struct {
	FailureThreshold  int
	RecoveryThreshold int
	CheckInterval     time.Duration
}

func defaultHealthConfig() HealthConfig {
	return HealthConfig{FailureThreshold: 3, RecoveryThreshold: 2, CheckInterval: 30 * time.Second}
}

type entry struct {
	provider            provider.LLMProvider
	consecutiveFailures int
	lastCheck           time.Time
	status              models.ProviderHealthStatus
}

// Router tracks provider health and selects the best candidate per request,
// generalizing the teacher's CircuitBreaker to the spec's 4-state model
// (healthy/degraded/unhealthy/unknown) with consecutive-failure counters.
type Router struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	order    []string // registration order, used for stable tie-breaking
	health   HealthConfig
	weights  Weights
	logger   *slog.Logger
	estCosts map[string]float64
}

// New builds a Router over the given providers, registered in priority
// order (ties broken by this order).
func New(providers []provider.LLMProvider, health HealthConfig, weights Weights, logger *slog.Logger) *Router {
	if health.FailureThreshold <= 0 {
		health = defaultHealthConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		entries:  make(map[string]*entry, len(providers)),
		health:   health,
		weights:  weights,
		logger:   logger,
		estCosts: make(map[string]float64),
	}
	for _, p := range providers {
		r.entries[p.Name()] = &entry{provider: p, status: models.ProviderUnknown}
		r.order = append(r.order, p.Name())
	}
	return r
}

func (r *Router) supports(p provider.LLMProvider, required []provider.Capability) bool {
	caps := p.Capabilities()
	supported := make(map[string]bool, len(caps.Supported))
	for _, c := range caps.Supported {
		supported[c] = true
	}
	for _, req := range required {
		if !supported[string(req)] {
			return false
		}
	}
	return true
}

func (r *Router) forbidden(name string, forbidden []string) bool {
	for _, f := range forbidden {
		if f == name {
			return true
		}
	}
	return false
}

func (r *Router) preferenceRank(name string, preferred []string) int {
	for i, p := range preferred {
		if p == name {
			return i
		}
	}
	return len(preferred)
}

// candidates returns the usable providers for rc, scored and ordered best
// first, excluding an already-failed provider name if given.
func (r *Router) candidates(rc RoutingContext, exclude string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type scored struct {
		name  string
		score float64
	}
	var out []scored

	for _, name := range r.order {
		if name == exclude || r.forbidden(name, rc.ForbiddenProviders) {
			continue
		}
		e := r.entries[name]
		r.maybeRecoverLocked(e)
		if e.status == models.ProviderUnhealthy {
			continue
		}
		if !r.supports(e.provider, rc.RequiredCapabilities) {
			continue
		}
		out = append(out, scored{name: name, score: r.score(e, rc)})
	}

	if len(out) == 0 {
		return nil, &cerrors.NoProviderAvailable{Attempted: r.order}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		ri := r.preferenceRank(out[i].name, rc.PreferredProviders)
		rj := r.preferenceRank(out[j].name, rc.PreferredProviders)
		if ri != rj {
			return ri < rj
		}
		return out[i].name < out[j].name
	})

	names := make([]string, len(out))
	for i, s := range out {
		names[i] = s.name
	}
	return names, nil
}

// score implements spec §4.2's weighted formula with a failure penalty.
func (r *Router) score(e *entry, rc RoutingContext) float64 {
	w := r.weights
	if rc.QualitySensitive {
		w.Quality *= 1.5
	}
	if rc.LatencySensitive {
		w.Latency *= 1.5
	}
	if rc.CostSensitive {
		w.Cost *= 1.5
	}

	metrics := e.provider.Metrics()
	quality := 1.0
	if e.status == models.ProviderDegraded {
		quality = 0.6
	}
	latencyTerm := 1 / (1 + metrics.AvgLatencyMS()/1000)
	costTerm := 1 / (1 + r.estCosts[e.provider.Name()])
	penalty := float64(e.consecutiveFailures) * 0.1

	return w.Quality*quality + w.Latency*latencyTerm + w.Cost*costTerm - penalty
}

// maybeRecoverLocked probes an unhealthy provider once CheckInterval has
// elapsed, mirroring the circuit breaker's open→half-open timeout
// transition. Caller holds r.mu for reading; this upgrades status in place.
func (r *Router) maybeRecoverLocked(e *entry) {
	if e.status != models.ProviderUnhealthy {
		return
	}
	if time.Since(e.lastCheck) < r.health.CheckInterval {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if e.provider.TestConnection(ctx) {
		e.status = models.ProviderDegraded
		e.consecutiveFailures = r.health.FailureThreshold
	}
	e.lastCheck = time.Now()
}

func (r *Router) recordResult(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.lastCheck = time.Now()
	if err == nil {
		e.consecutiveFailures = 0
		e.status = models.ProviderHealthy
		return
	}
	e.consecutiveFailures++
	switch {
	case e.consecutiveFailures >= 2*r.health.FailureThreshold:
		e.status = models.ProviderUnhealthy
	case e.consecutiveFailures >= r.health.FailureThreshold:
		e.status = models.ProviderDegraded
	}
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if cerrors.IsCancelled(err) {
		return false
	}
	pe, ok := cerrors.AsProviderError(err)
	return ok && pe.Retryable()
}

// Complete selects the best provider and invokes it, falling over to the
// next candidate on a retryable failure (spec §4.2).
func (r *Router) Complete(ctx context.Context, req provider.CompletionRequest, rc RoutingContext) (*provider.CompletionResponse, error) {
	excluded := ""
	var lastErr error

	for attempt := 0; ; attempt++ {
		names, err := r.candidates(rc, excluded)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		name := names[0]
		p := r.entries[name].provider
		r.logger.Debug("router: selected provider", "provider", name, "attempt", attempt)

		resp, err := p.Complete(ctx, req)
		r.recordResult(name, err)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		excluded = name
	}
}

// CompleteStream selects the best provider and streams through it. Per
// spec §4.2, a mid-stream failure does not fail over silently — it
// propagates the error after a terminal done=true event carrying whatever
// content was accumulated.
func (r *Router) CompleteStream(ctx context.Context, req provider.CompletionRequest, rc RoutingContext, onEvent provider.StreamHandler) error {
	names, err := r.candidates(rc, "")
	if err != nil {
		return err
	}
	name := names[0]
	p := r.entries[name].provider
	r.logger.Debug("router: selected provider for stream", "provider", name)

	err = p.CompleteStream(ctx, req, onEvent)
	r.recordResult(name, err)
	return err
}

// Health returns a snapshot of every registered provider's health.
func (r *Router) Health() map[string]models.ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]models.ProviderHealth, len(r.entries))
	for name, e := range r.entries {
		h := e.provider.Health()
		h.Status = e.status
		h.ConsecutiveFailures = e.consecutiveFailures
		out[name] = h
	}
	return out
}
