package cerrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestProviderError_WithStatus_ClassifiesReason(t *testing.T) {
	cases := []struct {
		status int
		want   ProviderFailureReason
	}{
		{401, ReasonAuth},
		{403, ReasonAuth},
		{429, ReasonRateLimit},
		{500, ReasonServerError},
		{503, ReasonServerError},
		{404, ReasonGeneric},
	}
	for _, c := range cases {
		e := NewProviderError("openai", errors.New("boom")).WithStatus(c.status)
		if e.Reason != c.want {
			t.Errorf("status %d: got reason %s, want %s", c.status, e.Reason, c.want)
		}
	}
}

func TestProviderError_Retryable(t *testing.T) {
	if !(&ProviderError{Reason: ReasonRateLimit}).Retryable() {
		t.Fatalf("rate limit should be retryable")
	}
	if (&ProviderError{Reason: ReasonAuth}).Retryable() {
		t.Fatalf("auth failure must not be retryable")
	}
}

func TestProviderError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	e := NewProviderError("local", cause)
	if !errors.Is(e, cause) {
		t.Fatalf("expected Unwrap to expose cause")
	}
}

func TestAsProviderError_ExtractsFromChain(t *testing.T) {
	pe := NewProviderError("anthropic", errors.New("rate limited")).WithStatus(429)
	wrapped := fmt.Errorf("completion failed: %w", pe)

	got, ok := AsProviderError(wrapped)
	if !ok || got.Reason != ReasonRateLimit {
		t.Fatalf("expected to extract provider error, got %+v ok=%v", got, ok)
	}
}

func TestIsCancelled(t *testing.T) {
	if !IsCancelled(ErrCancelled) {
		t.Fatalf("expected ErrCancelled to be cancelled")
	}
	if IsCancelled(errors.New("other")) {
		t.Fatalf("unrelated error should not be cancelled")
	}
	if !IsCancelled(fmt.Errorf("wrapped: %w", ErrCancelled)) {
		t.Fatalf("wrapped cancellation should still be detected")
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"cancelled", ErrCancelled, 130},
		{"user error", NewUserError(CategoryValidation, "bad flag"), 1},
		{"provider error", NewProviderError("local", errors.New("x")), 2},
	}
	for _, c := range cases {
		if got := ExitCode(c.err); got != c.want {
			t.Errorf("%s: got %d, want %d", c.name, got, c.want)
		}
	}
}

func TestUserError_DefaultResolution(t *testing.T) {
	e := NewUserError(CategoryConnection, "cannot reach model server")
	if e.Resolution == "" {
		t.Fatalf("expected a default resolution string")
	}
	if e.WithResolution("try again later").Resolution != "try again later" {
		t.Fatalf("WithResolution should override the default")
	}
}

func TestToolError_RoundTrip(t *testing.T) {
	e := NewToolError(ToolErrUnknownTool, "frobnicate", "no such tool")
	var got *ToolError
	if !errors.As(fmt.Errorf("wrap: %w", e), &got) {
		t.Fatalf("expected to unwrap ToolError")
	}
	if got.Kind != ToolErrUnknownTool || got.ToolName != "frobnicate" {
		t.Fatalf("got %+v", got)
	}
}

func TestCircularDependencyError_Message(t *testing.T) {
	e := &CircularDependencyError{Chain: []string{"a", "b", "a"}}
	if e.Error() == "" {
		t.Fatalf("expected non-empty message")
	}
}
