package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/squirreldb/squirreldb/internal/logger"
)

func TestPublisherDisabledStartIsNoop(t *testing.T) {
	p := NewPublisher(Config{Enabled: false}, nil, logger.Nop{})

	require.NoError(t, p.Start(context.Background()))
	require.False(t, p.IsRunning())
}

func TestPublisherStopWhenNotRunningIsNoop(t *testing.T) {
	p := NewPublisher(Config{Enabled: true, URL: "amqp://unused"}, nil, logger.Nop{})

	require.NoError(t, p.Stop(context.Background()))
	require.False(t, p.IsRunning())
}
