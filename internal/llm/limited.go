package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// limitedProvider throttles a Provider with a shared token bucket.
type limitedProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

// NewLimited wraps p so every completion first waits on limiter. A nil
// limiter returns p unchanged.
func NewLimited(p Provider, limiter *rate.Limiter) Provider {
	if limiter == nil {
		return p
	}
	return &limitedProvider{inner: p, limiter: limiter}
}

func (l *limitedProvider) Name() string { return l.inner.Name() }

func (l *limitedProvider) Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for rate limiter: %w", err)
	}
	return l.inner.Complete(ctx, prompt, opts)
}
