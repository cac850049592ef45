package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGateAcquireUpToMax(t *testing.T) {
	g := NewConnectionGate(2, nil)

	require.True(t, g.Acquire(context.Background(), "1.2.3.4"))
	require.True(t, g.Acquire(context.Background(), "1.2.3.4"))
	require.False(t, g.Acquire(context.Background(), "1.2.3.4"), "a third acquire past max=2 should be refused")
}

func TestGateZeroMaxDisablesCap(t *testing.T) {
	g := NewConnectionGate(0, nil)

	for i := 0; i < 100; i++ {
		require.True(t, g.Acquire(context.Background(), "1.2.3.4"))
	}
}

func TestGateReleaseFreesSlot(t *testing.T) {
	g := NewConnectionGate(1, nil)
	ctx := context.Background()

	require.True(t, g.Acquire(ctx, "1.2.3.4"))
	require.False(t, g.Acquire(ctx, "1.2.3.4"))

	g.Release(ctx, "1.2.3.4")

	require.True(t, g.Acquire(ctx, "1.2.3.4"), "releasing should free the slot for reacquisition")
}

func TestGateReleaseBelowZeroIsNoop(t *testing.T) {
	g := NewConnectionGate(1, nil)

	require.NotPanics(t, func() { g.Release(context.Background(), "never-acquired") })
}
