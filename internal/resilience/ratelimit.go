package resilience

import (
	"sync"
	"time"
)

// TokenBucket enforces an average per-minute rate with burst up to capacity.
// Refill is capacity/60 per second.
type TokenBucket struct {
	mu       sync.Mutex
	now      func() time.Time
	capacity float64
	tokens   float64
	last     time.Time
}

func newTokenBucket(perMinute int, now func() time.Time) *TokenBucket {
	cap := float64(perMinute)
	return &TokenBucket{now: now, capacity: cap, tokens: cap, last: now()}
}

// Allow consumes one token if available.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	b.tokens += elapsed * b.capacity / 60
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// RateLimiters tracks one bucket per agent. A zero or negative limit means
// unlimited.
type RateLimiters struct {
	mu      sync.Mutex
	now     func() time.Time
	buckets map[string]*bucketEntry
}

type bucketEntry struct {
	perMinute int
	bucket    *TokenBucket
}

func NewRateLimiters() *RateLimiters {
	return NewRateLimitersAt(time.Now)
}

// NewRateLimitersAt injects the clock. Used by tests.
func NewRateLimitersAt(now func() time.Time) *RateLimiters {
	return &RateLimiters{now: now, buckets: make(map[string]*bucketEntry)}
}

// Allow checks the agent's bucket at the given per-minute limit, rebuilding
// the bucket when the configured limit changes.
func (r *RateLimiters) Allow(agentID string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}
	r.mu.Lock()
	entry, ok := r.buckets[agentID]
	if !ok || entry.perMinute != perMinute {
		entry = &bucketEntry{perMinute: perMinute, bucket: newTokenBucket(perMinute, r.now)}
		r.buckets[agentID] = entry
	}
	r.mu.Unlock()
	return entry.bucket.Allow()
}
