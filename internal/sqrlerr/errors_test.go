package sqrlerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMessageIncludesKindAndMessage(t *testing.T) {
	err := New(NotFound, "document missing")
	require.Equal(t, "NotFound: document missing", err.Error())
}

func TestErrorMessageIncludesWrappedError(t *testing.T) {
	inner := errors.New("connection reset")
	err := Wrap(Internal, "query failed", inner)

	require.Contains(t, err.Error(), "Internal")
	require.Contains(t, err.Error(), "query failed")
	require.Contains(t, err.Error(), "connection reset")
	require.ErrorIs(t, err, inner)
}

func TestRateLimitSetsKindAndRetryAfter(t *testing.T) {
	err := RateLimit("too many requests", 2.5)

	require.Equal(t, RateLimited, err.Kind)
	require.Equal(t, 2.5, err.RetryAfter)
}

func TestAsPassesThroughExistingError(t *testing.T) {
	original := New(Conflict, "duplicate id")

	got := As(original)
	require.Same(t, original, got)
}

func TestAsDefaultsUnrecognizedErrorsToInternal(t *testing.T) {
	got := As(errors.New("boom"))

	require.Equal(t, Internal, got.Kind)
	require.Equal(t, "boom", got.Message)
}

func TestAsNilReturnsNil(t *testing.T) {
	require.Nil(t, As(nil))
}
