package common

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter provides thread-safe rate limiting with dynamically adjustable limits.
// It helps prevent overwhelming downstream services by controlling request rates
// while allowing runtime adjustments based on service conditions.
type RateLimiter struct {
	limiter *rate.Limiter
	mu      sync.RWMutex // Protects concurrent access to the limiter
}

// NewRateLimiter creates a RateLimiter with the specified requests per second (rps)
// and burst size. The burst parameter controls how many requests can be made at once
// to accommodate temporary spikes in traffic.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Wait blocks until the rate limiter allows an event or the context is canceled.
// It returns an error if the context is canceled while waiting.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// Allow reports whether an event may happen now without blocking.
func (rl *RateLimiter) Allow() bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Allow()
}

// ReserveDelay returns how long the caller would have to wait for the next
// token without consuming one: the reservation is always canceled. Callers
// gating work on the bucket state must leave the token for the request
// itself, whose Wait is the single point of consumption.
func (rl *RateLimiter) ReserveDelay() time.Duration {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	r := rl.limiter.Reserve()
	delay := r.Delay()
	r.Cancel()
	return delay
}

// UpdateLimits dynamically adjusts the rate limiter's requests per second and burst size.
// This allows adapting to changing conditions like server load or API quotas at runtime.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiter.SetLimit(rate.Limit(rps))
	rl.limiter.SetBurst(burst)
}

// SourceLimiters holds one shared token bucket per external source. All jobs
// hitting the same source consult the same bucket, which is the only
// cross-worker coordination point in the pipeline.
type SourceLimiters struct {
	mu      sync.RWMutex
	buckets map[string]*RateLimiter
}

// NewSourceLimiters creates an empty bucket registry.
func NewSourceLimiters() *SourceLimiters {
	return &SourceLimiters{buckets: make(map[string]*RateLimiter)}
}

// Register installs a bucket for the named source, replacing any existing one.
func (sl *SourceLimiters) Register(source string, rps float64, burst int) *RateLimiter {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	rl := NewRateLimiter(rps, burst)
	sl.buckets[source] = rl
	return rl
}

// Get returns the bucket for the named source, or nil when the source is
// unthrottled.
func (sl *SourceLimiters) Get(source string) *RateLimiter {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.buckets[source]
}
