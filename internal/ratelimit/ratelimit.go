// Package ratelimit implements the per-broker composite limiter (C3): a
// token bucket bounding average request rate plus a counted semaphore
// bounding in-flight concurrency. Grounded on the corpus's own use of
// golang.org/x/time/rate (sniper_service.go's rateLimiter.Wait(ctx) call
// before every venue request) and golang.org/x/sync/semaphore (optakt-flow-dps
// store.go's weighted semaphore guarding concurrent store access) — the same
// two primitives the Python AsyncTokenBucket + asyncio.Semaphore pairing
// implemented by hand.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter composes a token bucket and an inflight cap for one broker.
type Limiter struct {
	tokens   *rate.Limiter
	inflight *semaphore.Weighted
}

// New builds a Limiter with the given sustained rate, burst capacity, and
// maximum concurrent in-flight requests.
func New(ratePerSec float64, burst int, maxInflight int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	if maxInflight < 1 {
		maxInflight = 1
	}
	return &Limiter{
		tokens:   rate.NewLimiter(rate.Limit(ratePerSec), burst),
		inflight: semaphore.NewWeighted(int64(maxInflight)),
	}
}

// release is returned by Acquire; callers must call it exactly once, on
// every exit path, to keep the inflight semaphore balanced.
type release func()

// Acquire blocks until both a rate-limit token and an inflight slot are
// available, returning a release function the caller must defer.
func (l *Limiter) Acquire(ctx context.Context) (release, error) {
	if err := l.inflight.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("ratelimit: acquire inflight slot: %w", err)
	}
	if err := l.tokens.Wait(ctx); err != nil {
		l.inflight.Release(1)
		return nil, fmt.Errorf("ratelimit: wait for token: %w", err)
	}
	return func() { l.inflight.Release(1) }, nil
}

// Registry keeps one Limiter per broker name, installed explicitly with
// Register; Get does not construct a missing one.
type Registry struct {
	limiters map[string]*Limiter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// Register installs the limiter for broker, overwriting any existing one.
func (r *Registry) Register(broker string, l *Limiter) {
	r.limiters[broker] = l
}

// Get returns the limiter for broker, or nil if never registered.
func (r *Registry) Get(broker string) *Limiter {
	return r.limiters[broker]
}
