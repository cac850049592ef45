package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/squirreldb/squirreldb/internal/backend"
)

// bucketState is one IP's continuous-refill token bucket (spec §4.4 #2).
type bucketState struct {
	tokens     float64
	lastRefill time.Time
}

// TokenBucket rate-limits requests per IP. TryConsume refills by
// elapsed·rate clamped to capacity, then consumes one token if available.
type TokenBucket struct {
	mu       sync.Mutex
	buckets  map[string]*bucketState
	rate     float64
	capacity int
	backend  backend.Backend
	now      func() time.Time
}

func NewTokenBucket(rate float64, capacity int, b backend.Backend) *TokenBucket {
	return &TokenBucket{
		buckets:  make(map[string]*bucketState),
		rate:     rate,
		capacity: capacity,
		backend:  b,
		now:      time.Now,
	}
}

// TryConsume reports whether ip may make one more request right now. A
// rate of 0 disables limiting entirely (matches the documented default of
// `requests_per_second: 0`).
func (t *TokenBucket) TryConsume(ctx context.Context, ip string) bool {
	if t.rate <= 0 {
		return true
	}

	if t.backend != nil {
		ok, err := t.backend.RateLimitCheck(ctx, ip, t.rate, t.capacity)
		if err == nil {
			return ok
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	b, ok := t.buckets[ip]
	if !ok {
		b = &bucketState{tokens: float64(t.capacity), lastRefill: now}
		t.buckets[ip] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * t.rate

	if b.tokens > float64(t.capacity) {
		b.tokens = float64(t.capacity)
	}

	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}

	b.tokens--

	return true
}

// Sweep drops bucket state for IPs that have been full and idle since
// before cutoff, bounding memory use under a long-running daemon with many
// transient clients.
func (t *TokenBucket) Sweep(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for ip, b := range t.buckets {
		if b.lastRefill.Before(cutoff) && b.tokens >= float64(t.capacity) {
			delete(t.buckets, ip)
		}
	}
}
