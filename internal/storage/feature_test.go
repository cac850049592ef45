package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFeatureFileModeLifecycle(t *testing.T) {
	f := NewFeature(Config{Mode: ModeFile, Path: t.TempDir()})
	require.False(t, f.IsRunning())
	require.Nil(t, f.Store())

	require.NoError(t, f.Start(context.Background()))
	require.True(t, f.IsRunning())
	require.NotNil(t, f.Store())

	require.NoError(t, f.Stop(context.Background()))
	require.False(t, f.IsRunning())
	require.Nil(t, f.Store())
}

func TestFeatureDefaultsToFileModeWhenUnset(t *testing.T) {
	f := NewFeature(Config{Path: t.TempDir()})
	require.NoError(t, f.Start(context.Background()))
	require.NotNil(t, f.Store())
}

func TestFeatureUnknownModeErrors(t *testing.T) {
	f := NewFeature(Config{Mode: Mode("bogus")})
	require.Error(t, f.Start(context.Background()))
	require.False(t, f.IsRunning())
}
