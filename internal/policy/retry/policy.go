// Package retry decides whether a failed grid point is fetched again and how
// long to wait before the next attempt.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/jwiedeman/MapMonkey/internal/scrape"
)

// Config holds retry configuration. MaxRetries counts attempts after the first.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// ExponentialPolicy retries transient page errors with jittered exponential backoff.
type ExponentialPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// New builds a policy from cfg.
func New(cfg Config) (*ExponentialPolicy, error) {
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("retry count must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.BaseDelay < 0 || cfg.MaxDelay < cfg.BaseDelay {
		return nil, fmt.Errorf("retry delays must satisfy 0 <= base (%s) <= max (%s)", cfg.BaseDelay, cfg.MaxDelay)
	}
	return &ExponentialPolicy{
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
	}, nil
}

// ShouldRetry decides whether err warrants another attempt. attempt is the
// number of retries already made for the point.
func (p *ExponentialPolicy) ShouldRetry(err error, attempt int) bool {
	if p == nil || err == nil {
		return false
	}
	if attempt >= p.maxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, scrape.ErrTransientPage) && !errors.Is(err, scrape.ErrSessionFatal)
}

// Backoff returns the wait before retry attempt+1: half the capped exponential
// delay plus up to the same again in jitter.
func (p *ExponentialPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
