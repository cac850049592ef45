package features

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeFeature struct {
	running   bool
	startErr  error
	stopErr   error
	startCall int
	stopCall  int
}

func (f *fakeFeature) Start(ctx context.Context) error {
	f.startCall++
	if f.startErr != nil {
		return f.startErr
	}

	f.running = true

	return nil
}

func (f *fakeFeature) Stop(ctx context.Context) error {
	f.stopCall++
	if f.stopErr != nil {
		return f.stopErr
	}

	f.running = false

	return nil
}

func (f *fakeFeature) IsRunning() bool { return f.running }

func TestRegisterStartStop(t *testing.T) {
	r := NewRegistry()
	f := &fakeFeature{}

	r.Register("cache", "test cache", f)

	require.NoError(t, r.Start(context.Background(), "cache"))
	require.True(t, f.running)
	require.Equal(t, 1, f.startCall)

	// Starting an already-running feature is a no-op.
	require.NoError(t, r.Start(context.Background(), "cache"))
	require.Equal(t, 1, f.startCall)

	require.NoError(t, r.Stop(context.Background(), "cache"))
	require.False(t, f.running)
	require.Equal(t, 1, f.stopCall)
}

func TestStartUnknownFeatureErrors(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Start(context.Background(), "nope"))
}

func TestRegisterPreservesEnabledBitAcrossReregistration(t *testing.T) {
	r := NewRegistry()
	f1 := &fakeFeature{}
	r.Register("cache", "v1", f1)
	require.NoError(t, r.Start(context.Background(), "cache"))

	f2 := &fakeFeature{}
	r.Register("cache", "v2", f2)

	infos := r.List()
	require.Len(t, infos, 1)
	require.True(t, infos[0].Enabled, "re-registering should preserve the prior enabled bit")
	require.False(t, infos[0].Running, "the new feature instance hasn't been started yet")
}

func TestRestartStopsThenStarts(t *testing.T) {
	r := NewRegistry()
	f := &fakeFeature{}
	r.Register("cache", "", f)

	require.NoError(t, r.Start(context.Background(), "cache"))
	require.NoError(t, r.Restart(context.Background(), "cache"))

	require.Equal(t, 1, f.stopCall)
	require.Equal(t, 2, f.startCall)
	require.True(t, f.running)
}

func TestMarkAndClearRestartRequired(t *testing.T) {
	r := NewRegistry()
	f := &fakeFeature{}
	r.Register("cache", "", f)

	require.False(t, r.RestartRequired("cache"))

	r.MarkRestartRequired("cache")
	require.True(t, r.RestartRequired("cache"))

	require.NoError(t, r.Start(context.Background(), "cache"))
	require.False(t, r.RestartRequired("cache"), "a successful Start clears the pending flag")
}

func TestListSortedByName(t *testing.T) {
	r := NewRegistry()
	r.Register("zeta", "", &fakeFeature{})
	r.Register("alpha", "", &fakeFeature{})

	infos := r.List()
	require.Len(t, infos, 2)
	require.Equal(t, "alpha", infos[0].Name)
	require.Equal(t, "zeta", infos[1].Name)
}

func TestStopAllStopsEveryRegisteredFeature(t *testing.T) {
	r := NewRegistry()
	f1 := &fakeFeature{}
	f2 := &fakeFeature{}
	r.Register("a", "", f1)
	r.Register("b", "", f2)

	require.NoError(t, r.Start(context.Background(), "a"))
	require.NoError(t, r.Start(context.Background(), "b"))

	r.StopAll(context.Background())

	require.False(t, f1.running)
	require.False(t, f2.running)
}

func TestStopFeatureNotRunningIsNoop(t *testing.T) {
	r := NewRegistry()
	f := &fakeFeature{}
	r.Register("cache", "", f)

	require.NoError(t, r.Stop(context.Background(), "cache"))
	require.Equal(t, 0, f.stopCall)
}
