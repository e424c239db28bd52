package resilience

import (
	"context"

	"github.com/toolmux/toolmux/pkg/provider/llm"
)

// Compile-time interface check.
var _ llm.Provider = (*GuardedProvider)(nil)

// GuardedProvider wraps an [llm.Provider] with a [CircuitBreaker]. While the
// backend keeps failing, calls are rejected immediately with
// [ErrCircuitOpen] instead of waiting out another timeout.
//
// For streaming, only the synchronous setup phase counts toward the breaker;
// errors surfaced mid-stream are conversation-level failures and do not trip
// it.
type GuardedProvider struct {
	inner   llm.Provider
	breaker *CircuitBreaker
}

// NewGuardedProvider wraps inner with the given breaker.
func NewGuardedProvider(inner llm.Provider, breaker *CircuitBreaker) *GuardedProvider {
	return &GuardedProvider{inner: inner, breaker: breaker}
}

// Breaker exposes the underlying breaker, for health reporting.
func (p *GuardedProvider) Breaker() *CircuitBreaker { return p.breaker }

// Complete implements [llm.Provider].
func (p *GuardedProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := p.breaker.Execute(func() error {
		var err error
		resp, err = p.inner.Complete(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// StreamCompletion implements [llm.Provider].
func (p *GuardedProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	var ch <-chan llm.Chunk
	err := p.breaker.Execute(func() error {
		var err error
		ch, err = p.inner.StreamCompletion(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}
