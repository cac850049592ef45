package ratelimit

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestAcquireWithinCapSucceeds(t *testing.T) {
	sem := NewQuerySemaphore(2)
	client := uuid.New()

	g1, ok := sem.Acquire(client)
	require.True(t, ok)
	require.NotNil(t, g1)

	g2, ok := sem.Acquire(client)
	require.True(t, ok)
	require.NotNil(t, g2)
}

func TestAcquireOverCapFails(t *testing.T) {
	sem := NewQuerySemaphore(1)
	client := uuid.New()

	_, ok := sem.Acquire(client)
	require.True(t, ok)

	_, ok = sem.Acquire(client)
	require.False(t, ok, "a second acquire beyond max should fail")
}

func TestReleaseFreesSlotForReacquire(t *testing.T) {
	sem := NewQuerySemaphore(1)
	client := uuid.New()

	g, ok := sem.Acquire(client)
	require.True(t, ok)

	g.Release()

	_, ok = sem.Acquire(client)
	require.True(t, ok, "releasing a permit should free its slot")
}

func TestZeroMaxMeansUnlimited(t *testing.T) {
	sem := NewQuerySemaphore(0)
	client := uuid.New()

	for i := 0; i < 100; i++ {
		_, ok := sem.Acquire(client)
		require.True(t, ok)
	}
}

func TestSeparateClientsHaveIndependentCounters(t *testing.T) {
	sem := NewQuerySemaphore(1)
	a, b := uuid.New(), uuid.New()

	_, ok := sem.Acquire(a)
	require.True(t, ok)

	_, ok = sem.Acquire(b)
	require.True(t, ok, "a different client should have its own slot")
}

func TestReleaseOnNilGuardIsNoop(t *testing.T) {
	g := &Guard{}
	require.NotPanics(t, func() { g.Release() })
}
