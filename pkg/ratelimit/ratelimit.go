// Package ratelimit provides keyed token-bucket admission control. The API
// surface uses one limiter keyed by client identity and a second keyed by
// equipment ID for outbound command traffic, so a chatty dashboard cannot
// starve field devices and vice versa.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter manages one token bucket per key. Buckets refill continuously and
// requests over the budget are rejected immediately, never queued.
type Limiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// idleEvictAfter bounds memory held for keys that stopped sending traffic.
const idleEvictAfter = 10 * time.Minute

// NewPerMinute creates a limiter allowing perMinute requests per key per
// minute, refilled continuously.
func NewPerMinute(perMinute int) *Limiter {
	if perMinute <= 0 {
		perMinute = 100
	}
	return &Limiter{
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   perMinute,
		buckets: make(map[string]*bucket),
	}
}

// Allow consumes one token for key, reporting whether the request is admitted.
func (l *Limiter) Allow(key string) bool {
	return l.allowAt(key, time.Now())
}

// allowAt is the testable core of Allow.
func (l *Limiter) allowAt(key string, now time.Time) bool {
	b := l.bucketFor(key, now)
	return b.limiter.AllowN(now, 1)
}

// Remaining reports the approximate number of tokens left for key.
func (l *Limiter) Remaining(key string) int {
	now := time.Now()
	b := l.bucketFor(key, now)
	tokens := int(b.limiter.TokensAt(now))
	if tokens < 0 {
		return 0
	}
	return tokens
}

// Limit returns the configured bucket capacity.
func (l *Limiter) Limit() int {
	return l.burst
}

func (l *Limiter) bucketFor(key string, now time.Time) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	// Opportunistic eviction of idle buckets keeps the map bounded without
	// a background goroutine.
	if len(l.buckets) > 1024 {
		for k, old := range l.buckets {
			if now.Sub(old.lastSeen) > idleEvictAfter {
				delete(l.buckets, k)
			}
		}
	}

	return b
}

// Keys returns the number of tracked buckets, exposed for observability.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
