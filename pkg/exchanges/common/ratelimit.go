package common

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces outgoing requests with a token bucket and tracks the
// weight the venue reports back, slowing down near the ban threshold.
type RateLimiter struct {
	limiter *rate.Limiter

	mu         sync.RWMutex
	usedWeight int
	limit      int
	lastReset  time.Time
	window     time.Duration
}

// NewRateLimiter allows rps requests per second (burst) against a venue
// weight budget of limit per window (e.g. 6000/minute for Binance spot).
func NewRateLimiter(rps float64, burst, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		limit:     limit,
		window:    window,
		lastReset: time.Now(),
	}
}

// Wait blocks until a request may be sent.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl.ShouldDelay() {
		select {
		case <-time.After(rl.untilReset()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return rl.limiter.Wait(ctx)
}

// UpdateFromHeader records the used weight from a response header.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if time.Since(rl.lastReset) >= rl.window {
		rl.lastReset = time.Now()
	}
	rl.usedWeight = weight

	pct := float64(rl.usedWeight) / float64(rl.limit) * 100
	if pct >= 95 {
		log.Printf("rate limit critical: %d/%d (%.1f%%)", rl.usedWeight, rl.limit, pct)
	} else if pct >= 80 {
		log.Printf("rate limit warning: %d/%d (%.1f%%)", rl.usedWeight, rl.limit, pct)
	}
}

// Usage returns the weight used in the current window.
func (rl *RateLimiter) Usage() (used, limit int, pct float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if time.Since(rl.lastReset) >= rl.window {
		return 0, rl.limit, 0
	}
	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}

// ShouldDelay is true once 90% of the weight budget is used.
func (rl *RateLimiter) ShouldDelay() bool {
	_, _, pct := rl.Usage()
	return pct >= 90
}

func (rl *RateLimiter) untilReset() time.Duration {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	d := rl.window - time.Since(rl.lastReset)
	if d < 0 {
		return 0
	}
	return d
}
