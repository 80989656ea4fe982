// Package embedding defines the boundary with the external embedding
// provider. The store never calls a provider inside its lock scope; callers
// embed first, then insert or attach. The package ships a circuit-breaker
// decorator for flaky remote providers and a deterministic mock for tests
// and local development.
package embedding

import (
	"context"

	"github.com/sony/gobreaker"

	"cortex-engine/internal/domain/shared"
	"cortex-engine/internal/errors"
)

// Provider converts arbitrary content into a fixed-dimension vector. The
// store treats it as a black box that either returns a vector of its
// advertised dimension or fails.
type Provider interface {
	// Embed generates an embedding for the given content.
	Embed(ctx context.Context, content string) (shared.Vector, error)
	// Dimension returns the provider's fixed output dimension.
	Dimension() int
}

// BreakerProvider wraps a Provider in a circuit breaker so a failing remote
// embedding service degrades to fast errors instead of piling up timeouts.
type BreakerProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerProvider wraps the provider with the given breaker settings.
// Zero-value settings get a name and a sane trip condition.
func NewBreakerProvider(inner Provider, settings gobreaker.Settings) *BreakerProvider {
	if settings.Name == "" {
		settings.Name = "embedding-provider"
	}
	if settings.ReadyToTrip == nil {
		settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		}
	}
	return &BreakerProvider{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Embed runs the inner provider through the breaker.
func (p *BreakerProvider) Embed(ctx context.Context, content string) (shared.Vector, error) {
	result, err := p.breaker.Execute(func() (any, error) {
		return p.inner.Embed(ctx, content)
	})
	if err != nil {
		return nil, errors.NewInternal("embedding provider call failed", err)
	}
	return result.(shared.Vector), nil
}

// Dimension returns the inner provider's dimension.
func (p *BreakerProvider) Dimension() int {
	return p.inner.Dimension()
}
