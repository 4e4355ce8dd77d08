// Package pacing spaces out grid-point fetches with a randomized per-worker
// delay and an optional run-wide request rate.
package pacing

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds pacing configuration.
type Config struct {
	MinDelay          time.Duration
	MaxDelay          time.Duration
	RequestsPerMinute float64
	Burst             int
}

// Pacer is shared by all workers of a run. The random delay applies to each
// caller independently; the rate limiter is global.
type Pacer struct {
	minDelay time.Duration
	maxDelay time.Duration
	limiter  *rate.Limiter

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Pacer. A zero RequestsPerMinute disables the global limit.
func New(cfg Config) (*Pacer, error) {
	if cfg.MinDelay < 0 || cfg.MaxDelay < 0 {
		return nil, fmt.Errorf("pacing delays must be >= 0")
	}
	if cfg.MaxDelay < cfg.MinDelay {
		return nil, fmt.Errorf("pacing max delay %s is below min delay %s", cfg.MaxDelay, cfg.MinDelay)
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(cfg.RequestsPerMinute / 60)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	seed := uint64(time.Now().UnixNano())
	return &Pacer{
		minDelay: cfg.MinDelay,
		maxDelay: cfg.MaxDelay,
		limiter:  rate.NewLimiter(limit, burst),
		rng:      rand.New(rand.NewPCG(seed, seed>>1|1)),
	}, nil
}

// Delay draws the next randomized delay in [MinDelay, MaxDelay].
func (p *Pacer) Delay() time.Duration {
	span := p.maxDelay - p.minDelay
	if span <= 0 {
		return p.minDelay
	}
	p.mu.Lock()
	n := p.rng.Int64N(int64(span) + 1)
	p.mu.Unlock()
	return p.minDelay + time.Duration(n)
}

// Wait sleeps for a randomized delay and then for a rate-limit token.
func (p *Pacer) Wait(ctx context.Context) error {
	if d := p.Delay(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("pacing wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}
