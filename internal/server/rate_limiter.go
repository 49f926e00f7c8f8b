package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client
type RateLimiter struct {
	mu      sync.RWMutex
	enabled bool
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing perMinute requests per client
// with the given burst
func NewRateLimiter(enabled bool, perMinute, burst int) *RateLimiter {
	r := &RateLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	r.SetLimits(enabled, perMinute, burst)
	return r
}

// SetLimits changes the limits. Existing buckets are dropped so the new
// limits apply immediately.
func (r *RateLimiter) SetLimits(enabled bool, perMinute, burst int) {
	if burst < 1 {
		burst = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled && perMinute > 0
	r.limit = rate.Limit(float64(perMinute) / 60.0)
	r.burst = burst
	r.buckets = make(map[string]*bucket)
}

// Allow reports whether a request from the client may proceed
func (r *RateLimiter) Allow(clientIP string) bool {
	r.mu.RLock()
	enabled := r.enabled
	r.mu.RUnlock()
	if !enabled {
		return true
	}
	return r.getBucket(clientIP).AllowN(r.now(), 1)
}

func (r *RateLimiter) getBucket(clientIP string) *rate.Limiter {
	now := r.now()

	r.mu.RLock()
	b, exists := r.buckets[clientIP]
	r.mu.RUnlock()
	if exists {
		r.mu.Lock()
		b.lastSeen = now
		r.mu.Unlock()
		return b.limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists := r.buckets[clientIP]; exists {
		b.lastSeen = now
		return b.limiter
	}

	b = &bucket{limiter: rate.NewLimiter(r.limit, r.burst), lastSeen: now}
	r.buckets[clientIP] = b
	return b.limiter
}

// Cleanup removes buckets idle for longer than ttl and returns how many
// were removed
func (r *RateLimiter) Cleanup(ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-ttl)
	removed := 0
	for ip, b := range r.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(r.buckets, ip)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked clients
func (r *RateLimiter) Clients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buckets)
}
