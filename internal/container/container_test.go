package container

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cascadehq/cascade/internal/cerrors"
)

type widget struct{ id int }

func TestResolve_SingletonReturnsSameInstance(t *testing.T) {
	c := New(nil)
	calls := 0
	c.Register("widget", func(ctx context.Context, c *Container) (any, error) {
		calls++
		return &widget{id: calls}, nil
	}, RegisterOptions{Scope: Singleton})

	a, err := c.Resolve(context.Background(), "widget")
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Resolve(context.Background(), "widget")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("expected the same singleton instance")
	}
	if calls != 1 {
		t.Fatalf("factory called %d times, want 1", calls)
	}
}

func TestResolve_TransientBuildsEveryTime(t *testing.T) {
	c := New(nil)
	calls := 0
	c.Register("widget", func(ctx context.Context, c *Container) (any, error) {
		calls++
		return &widget{id: calls}, nil
	}, RegisterOptions{Scope: Transient})

	a, _ := c.Resolve(context.Background(), "widget")
	b, _ := c.Resolve(context.Background(), "widget")
	if a.(*widget) == b.(*widget) {
		t.Fatalf("expected distinct transient instances")
	}
	if calls != 2 {
		t.Fatalf("factory called %d times, want 2", calls)
	}
}

func TestResolve_DependencyChainResolves(t *testing.T) {
	c := New(nil)
	c.Register("a", func(ctx context.Context, c *Container) (any, error) {
		return "a-value", nil
	}, RegisterOptions{Scope: Singleton})
	c.Register("b", func(ctx context.Context, c *Container) (any, error) {
		av, err := c.Resolve(ctx, "a")
		if err != nil {
			return nil, err
		}
		return av.(string) + "+b", nil
	}, RegisterOptions{Scope: Singleton})

	v, err := c.Resolve(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}
	if v.(string) != "a-value+b" {
		t.Fatalf("v = %v", v)
	}
}

func TestResolve_CycleDetected(t *testing.T) {
	c := New(nil)
	c.Register("a", func(ctx context.Context, c *Container) (any, error) {
		return c.Resolve(ctx, "b")
	}, RegisterOptions{Scope: Singleton})
	c.Register("b", func(ctx context.Context, c *Container) (any, error) {
		return c.Resolve(ctx, "a")
	}, RegisterOptions{Scope: Singleton})

	_, err := c.Resolve(context.Background(), "a")
	if err == nil {
		t.Fatalf("expected a circular dependency error")
	}
	var cycleErr *cerrors.CircularDependencyError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("error = %v, want *CircularDependencyError", err)
	}
}

func TestResolve_FallbackUsedOnFailure(t *testing.T) {
	c := New(nil)
	c.Register("flaky", func(ctx context.Context, c *Container) (any, error) {
		return nil, errors.New("boom")
	}, RegisterOptions{
		Scope: Singleton,
		Fallback: func(ctx context.Context, c *Container) (any, error) {
			return "fallback-value", nil
		},
	})

	v, err := c.Resolve(context.Background(), "flaky")
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if v.(string) != "fallback-value" {
		t.Fatalf("v = %v", v)
	}
}

func TestResolve_TimeoutTriggersFallback(t *testing.T) {
	c := New(nil)
	c.Register("slow", func(ctx context.Context, c *Container) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, RegisterOptions{
		Scope:   Singleton,
		Timeout: 20 * time.Millisecond,
		Fallback: func(ctx context.Context, c *Container) (any, error) {
			return "rescued", nil
		},
	})

	v, err := c.Resolve(context.Background(), "slow")
	if err != nil {
		t.Fatalf("expected fallback to rescue the timeout, got %v", err)
	}
	if v.(string) != "rescued" {
		t.Fatalf("v = %v", v)
	}
}

func TestResolve_NoFallbackPropagatesConstructionError(t *testing.T) {
	c := New(nil)
	c.Register("broken", func(ctx context.Context, c *Container) (any, error) {
		return nil, errors.New("boom")
	}, RegisterOptions{Scope: Singleton})

	_, err := c.Resolve(context.Background(), "broken")
	var sce *cerrors.ServiceConstructionError
	if !errors.As(err, &sce) {
		t.Fatalf("error = %v, want *ServiceConstructionError", err)
	}
}

func TestDispose_ReverseOrder(t *testing.T) {
	c := New(nil)
	var disposed []string

	c.Register("first", func(ctx context.Context, c *Container) (any, error) {
		return "first", nil
	}, RegisterOptions{Scope: Singleton, Disposer: func(ctx context.Context, instance any) error {
		disposed = append(disposed, "first")
		return nil
	}})
	c.Register("second", func(ctx context.Context, c *Container) (any, error) {
		return "second", nil
	}, RegisterOptions{Scope: Singleton, Disposer: func(ctx context.Context, instance any) error {
		disposed = append(disposed, "second")
		return nil
	}})

	if _, err := c.Resolve(context.Background(), "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Resolve(context.Background(), "second"); err != nil {
		t.Fatal(err)
	}

	if err := c.Dispose(context.Background()); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if len(disposed) != 2 || disposed[0] != "second" || disposed[1] != "first" {
		t.Fatalf("disposed order = %v, want [second first]", disposed)
	}
}
