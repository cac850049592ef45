package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/squirreldb/squirreldb/internal/logger"
)

func TestNewFeatureBuiltinMode(t *testing.T) {
	f, err := NewFeature(ModeBuiltin, Config{Port: 0}, ProxyConfig{}, logger.Nop{})
	require.NoError(t, err)
	require.NotNil(t, f.Engine())
	require.Nil(t, f.Proxy())

	require.NoError(t, f.Start(context.Background()))
	require.True(t, f.IsRunning())
	require.NoError(t, f.Stop(context.Background()))
	require.False(t, f.IsRunning())
}

func TestNewFeatureDefaultsToBuiltin(t *testing.T) {
	f, err := NewFeature("", Config{Port: 0}, ProxyConfig{}, logger.Nop{})
	require.NoError(t, err)
	require.NotNil(t, f.Engine())
}

func TestNewFeatureProxyMode(t *testing.T) {
	f, err := NewFeature(ModeProxy, Config{}, ProxyConfig{URL: "redis://localhost:6379/0"}, logger.Nop{})
	require.NoError(t, err)
	require.NotNil(t, f.Proxy())
	require.Nil(t, f.Engine())
}

func TestNewFeatureUnknownModeErrors(t *testing.T) {
	_, err := NewFeature(Mode("bogus"), Config{}, ProxyConfig{}, logger.Nop{})
	require.Error(t, err)
}
