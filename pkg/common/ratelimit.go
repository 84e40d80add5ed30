package common

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter paces outbound work such as entity dispatches. Limits can be
// changed while callers are waiting.
type RateLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
}

// NewRateLimiter creates a RateLimiter allowing rps events per second with
// bursts of up to burst events. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(limitFor(rps), burst)}
}

func limitFor(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// Wait blocks until an event is permitted or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// UpdateLimits replaces the rate and burst.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiter.SetLimit(limitFor(rps))
	rl.limiter.SetBurst(burst)
}

// Limits reports the current rate and burst.
func (rl *RateLimiter) Limits() (float64, int) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return float64(rl.limiter.Limit()), rl.limiter.Burst()
}
