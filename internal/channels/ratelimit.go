package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys bounds memory when callers rotate source addresses.
	maxTrackedKeys = 4096

	// rateLimitWindow is the time an empty bucket takes to refill completely.
	rateLimitWindow = time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps a token bucket per caller key: perMinute requests may
// burst at once and refill evenly over a minute. Safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
	nowFunc func() time.Time
	maxKeys int
}

// NewRateLimiter allows perMinute requests per key. Zero or less disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		limit:   rate.Limit(float64(perMinute) / rateLimitWindow.Seconds()),
		burst:   perMinute,
		buckets: make(map[string]*bucket),
		nowFunc: time.Now,
		maxKeys: maxTrackedKeys,
	}
}

// Allow reports whether key may make a request now and consumes a token if so.
func (r *RateLimiter) Allow(key string) bool {
	if r == nil || r.burst <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFunc()
	b, ok := r.buckets[key]
	if !ok {
		r.evict(now)
		b = &bucket{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// evict makes room for one more key. Buckets idle for a full window are
// full again and can be dropped without changing any decision; if none are,
// the least recently seen key goes.
func (r *RateLimiter) evict(now time.Time) {
	if len(r.buckets) < r.maxKeys {
		return
	}
	for k, b := range r.buckets {
		if now.Sub(b.lastSeen) >= rateLimitWindow {
			delete(r.buckets, k)
		}
	}
	for len(r.buckets) >= r.maxKeys {
		var oldest string
		var oldestSeen time.Time
		for k, b := range r.buckets {
			if oldest == "" || b.lastSeen.Before(oldestSeen) {
				oldest, oldestSeen = k, b.lastSeen
			}
		}
		delete(r.buckets, oldest)
	}
}

// Len returns the number of tracked keys.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
