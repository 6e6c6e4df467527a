// Package container implements the service container / lifecycle manager
// (C12): a typed, lazily-constructed service registry with singleton/
// transient scoping, reentrancy-safe cycle detection, per-service
// construction timeouts with fallback factories, and reverse-order
// disposal.
//
// Disposal and the started/stopped state machine are grounded in the
// teacher's infra.ComponentManager/BaseComponent (eager ordered start/stop
// with rollback), generalized here into a lazy-construction container:
// factories resolve on first Resolve call rather than all up front, and a
// per-resolution chain threaded through context.Context (Go has no native
// goroutine-local storage) detects construction cycles.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cascadehq/cascade/internal/cerrors"
)

// Scope controls whether Resolve returns a shared instance or builds a new
// one on every call.
type Scope int

const (
	Singleton Scope = iota
	Transient
)

// Factory builds a service instance. It receives the Container so it can
// resolve its own dependencies.
type Factory func(ctx context.Context, c *Container) (any, error)

// Disposer releases resources held by a constructed instance.
type Disposer func(ctx context.Context, instance any) error

const defaultConstructionTimeout = 10 * time.Second

type registration struct {
	name       string
	scope      Scope
	factory    Factory
	fallback   Factory
	disposer   Disposer
	timeout    time.Duration
	instance   any
	built      bool
}

// Container is a typed service registry keyed by name.
type Container struct {
	mu      sync.Mutex
	regs    map[string]*registration
	order   []string // construction order, for reverse-order disposal
	logger  *slog.Logger
}

// New returns an empty Container.
func New(logger *slog.Logger) *Container {
	if logger == nil {
		logger = slog.Default()
	}
	return &Container{regs: make(map[string]*registration), logger: logger}
}

// RegisterOptions configures one service registration.
type RegisterOptions struct {
	Scope    Scope
	Fallback Factory // tried on timeout or construction failure, if set
	Disposer Disposer
	Timeout  time.Duration // defaults to 10s
}

// Register adds a named factory. Registering the same name twice replaces
// the prior registration (last writer wins), matching the teacher's own
// idempotent-registration convention elsewhere in the package.
func (c *Container) Register(name string, factory Factory, opts RegisterOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultConstructionTimeout
	}
	c.regs[name] = &registration{
		name:     name,
		scope:    opts.Scope,
		factory:  factory,
		fallback: opts.Fallback,
		disposer: opts.Disposer,
		timeout:  timeout,
	}
}

type resolveChainKey struct{}

// Resolve builds (or returns the cached singleton instance of) the named
// service. Resolving the same name while it is already under construction
// on the same call chain returns a CircularDependencyError instead of
// deadlocking or recursing forever.
func (c *Container) Resolve(ctx context.Context, name string) (any, error) {
	chain, _ := ctx.Value(resolveChainKey{}).([]string)
	for _, n := range chain {
		if n == name {
			return nil, &cerrors.CircularDependencyError{Chain: append(append([]string{}, chain...), name)}
		}
	}

	c.mu.Lock()
	reg, ok := c.regs[name]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("container: no service registered as %q", name)
	}
	if reg.scope == Singleton && reg.built {
		instance := reg.instance
		c.mu.Unlock()
		return instance, nil
	}
	c.mu.Unlock()

	childCtx := context.WithValue(ctx, resolveChainKey{}, append(append([]string{}, chain...), name))

	instance, err := c.construct(childCtx, reg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if reg.scope == Singleton {
		reg.instance = instance
		reg.built = true
	}
	c.order = append(c.order, name)
	return instance, nil
}

func (c *Container) construct(ctx context.Context, reg *registration) (any, error) {
	instance, err := c.callFactory(ctx, reg.factory, reg.timeout)
	if err == nil {
		return instance, nil
	}
	if reg.fallback == nil {
		return nil, &cerrors.ServiceConstructionError{Service: reg.name, Cause: err}
	}
	c.logger.Warn("service construction failed, trying fallback", "service", reg.name, "error", err)
	instance, ferr := c.callFactory(ctx, reg.fallback, reg.timeout)
	if ferr != nil {
		return nil, &cerrors.ServiceConstructionError{Service: reg.name, Cause: fmt.Errorf("primary: %w; fallback: %v", err, ferr)}
	}
	return instance, nil
}

func (c *Container) callFactory(ctx context.Context, factory Factory, timeout time.Duration) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		instance any
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		instance, err := factory(ctx, c)
		ch <- result{instance, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.instance, r.err
	}
}

// Dispose tears down every built singleton in reverse construction order,
// collecting (not short-circuiting on) disposer errors.
func (c *Container) Dispose(ctx context.Context) error {
	c.mu.Lock()
	order := append([]string(nil), c.order...)
	c.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		c.mu.Lock()
		reg, ok := c.regs[name]
		c.mu.Unlock()
		if !ok || reg.disposer == nil || !reg.built {
			continue
		}
		disposeCtx, cancel := context.WithTimeout(ctx, reg.timeout)
		err := reg.disposer(disposeCtx, reg.instance)
		cancel()
		if err != nil {
			c.logger.Error("service disposal failed", "service", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	c.mu.Lock()
	c.order = nil
	for _, reg := range c.regs {
		reg.built = false
		reg.instance = nil
	}
	c.mu.Unlock()

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("disposal errors: %v", errs)
}
