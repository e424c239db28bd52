package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/toolmux/toolmux/pkg/provider/llm"
	"github.com/toolmux/toolmux/pkg/provider/llm/mock"
)

var errBackend = errors.New("backend failure")

func failingN(n int) func() error {
	count := 0
	return func() error {
		count++
		if count <= n {
			return errBackend
		}
		return nil
	}
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "llm", MaxFailures: 3})

	fn := failingN(2)
	for range 2 {
		if err := cb.Execute(fn); !errors.Is(err, errBackend) {
			t.Fatalf("err = %v, want backend failure", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}

	// A success resets the failure counter.
	if err := cb.Execute(fn); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for range 2 {
		cb.Execute(func() error { return errBackend })
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after counter reset", cb.State())
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "llm", MaxFailures: 3, ResetTimeout: time.Hour})

	for range 3 {
		cb.Execute(func() error { return errBackend })
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	// Open breaker rejects without calling fn.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn was called while the breaker was open")
	}
}

func TestBreakerHalfOpenClosesAfterProbes(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "llm",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  2,
	})

	cb.Execute(func() error { return errBackend })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	time.Sleep(15 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after reset timeout", cb.State())
	}

	// Two successful probes close the breaker.
	for range 2 {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe failed: %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after successful probes", cb.State())
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "llm",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
	})

	cb.Execute(func() error { return errBackend })
	time.Sleep(15 * time.Millisecond)

	// The probe fails: straight back to open.
	cb.Execute(func() error { return errBackend })
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen after failed probe", err)
	}
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "llm", MaxFailures: 1, ResetTimeout: time.Hour})

	cb.Execute(func() error { return errBackend })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after reset", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("Execute after reset: %v", err)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	for state, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// GuardedProvider
// ──────────────────────────────────────────────────────────────────────────────

func TestGuardedProviderPassthrough(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	inner := &mock.Provider{
		CompleteResponses: []*llm.CompletionResponse{{Content: "Hello!"}},
		StreamChunks:      []llm.Chunk{{Text: "Hi"}, {FinishReason: "stop"}},
	}
	p := NewGuardedProvider(inner, NewCircuitBreaker(CircuitBreakerConfig{Name: "llm"}))

	resp, err := p.Complete(ctx, llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Hello!" {
		t.Errorf("Content = %q, want Hello!", resp.Content)
	}

	ch, err := p.StreamCompletion(ctx, llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var text string
	for chunk := range ch {
		text += chunk.Text
	}
	if text != "Hi" {
		t.Errorf("streamed text = %q, want Hi", text)
	}
}

func TestGuardedProviderTripsOnFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	inner := &mock.Provider{CompleteErr: errBackend}
	p := NewGuardedProvider(inner, NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "llm",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	}))

	for range 2 {
		if _, err := p.Complete(ctx, llm.CompletionRequest{}); !errors.Is(err, errBackend) {
			t.Fatalf("err = %v, want backend failure", err)
		}
	}

	// The breaker is now open; the backend must not be reached again.
	before := len(inner.CompleteCalls)
	if _, err := p.Complete(ctx, llm.CompletionRequest{}); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if len(inner.CompleteCalls) != before {
		t.Error("backend was called while the breaker was open")
	}

	// Streaming shares the same breaker.
	if _, err := p.StreamCompletion(ctx, llm.CompletionRequest{}); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("stream err = %v, want ErrCircuitOpen", err)
	}
}
