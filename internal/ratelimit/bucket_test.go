package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTryConsumeDisabledWhenRateIsZero(t *testing.T) {
	b := NewTokenBucket(0, 10, nil)

	for i := 0; i < 50; i++ {
		require.True(t, b.TryConsume(context.Background(), "1.2.3.4"))
	}
}

func TestTryConsumeExhaustsCapacityThenRefuses(t *testing.T) {
	b := NewTokenBucket(1, 2, nil)

	fixed := time.Now()
	b.now = func() time.Time { return fixed }

	require.True(t, b.TryConsume(context.Background(), "1.2.3.4"))
	require.True(t, b.TryConsume(context.Background(), "1.2.3.4"))
	require.False(t, b.TryConsume(context.Background(), "1.2.3.4"), "capacity of 2 should be exhausted after 2 consumes")
}

func TestTryConsumeRefillsOverTime(t *testing.T) {
	b := NewTokenBucket(1, 1, nil) // 1 token/sec, capacity 1

	fixed := time.Now()
	b.now = func() time.Time { return fixed }
	require.True(t, b.TryConsume(context.Background(), "1.2.3.4"))
	require.False(t, b.TryConsume(context.Background(), "1.2.3.4"))

	b.now = func() time.Time { return fixed.Add(2 * time.Second) }
	require.True(t, b.TryConsume(context.Background(), "1.2.3.4"), "2 seconds at 1 token/sec should refill capacity")
}

func TestTryConsumeIndependentPerIP(t *testing.T) {
	b := NewTokenBucket(1, 1, nil)

	fixed := time.Now()
	b.now = func() time.Time { return fixed }

	require.True(t, b.TryConsume(context.Background(), "1.1.1.1"))
	require.True(t, b.TryConsume(context.Background(), "2.2.2.2"), "a different IP should have its own bucket")
}

func TestSweepDropsIdleFullBuckets(t *testing.T) {
	b := NewTokenBucket(1, 2, nil)

	old := time.Now().Add(-time.Hour)
	b.buckets["idle-full"] = &bucketState{tokens: 2, lastRefill: old}
	b.buckets["recent"] = &bucketState{tokens: 2, lastRefill: time.Now()}
	b.buckets["idle-not-full"] = &bucketState{tokens: 1, lastRefill: old}

	b.Sweep(time.Now().Add(-time.Minute))

	require.NotContains(t, b.buckets, "idle-full")
	require.Contains(t, b.buckets, "recent", "recently-refilled buckets should survive regardless of fullness")
	require.Contains(t, b.buckets, "idle-not-full", "buckets below capacity should survive even when idle")
}
