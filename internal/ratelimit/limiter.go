// Package ratelimit implements a token bucket limiter for upstream API
// politeness.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/newsharvest/gdelt-harvester/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the sustained requests-per-second budget. Zero or negative
	// disables limiting.
	RPS float64
	// Burst is the bucket size. Defaults to 1 when unset.
	Burst int
}

// Limiter throttles calls against one upstream API. All workers in a process
// share a single Limiter so the budget holds regardless of concurrency.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(r, burst)}
}

// Wait blocks until a token is available, respecting the context. Waits long
// enough to matter are recorded as throttle time.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveUpstreamThrottle(waited)
	}
	return nil
}
