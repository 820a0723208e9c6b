package gateway_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kartstack/payments-bridge/internal/gateway"
)

func TestTransitionMonotonic(t *testing.T) {
	t.Parallel()

	next, changed := gateway.Transition(gateway.StatusPending, gateway.StatusAuthorized)
	require.True(t, changed)
	require.Equal(t, gateway.StatusAuthorized, next)

	next, changed = gateway.Transition(gateway.StatusAuthorized, gateway.StatusCaptured)
	require.True(t, changed)
	require.Equal(t, gateway.StatusCaptured, next)

	// progress never reverses
	next, changed = gateway.Transition(gateway.StatusCaptured, gateway.StatusAuthorized)
	require.False(t, changed)
	require.Equal(t, gateway.StatusCaptured, next)

	next, changed = gateway.Transition(gateway.StatusAuthorized, gateway.StatusPending)
	require.False(t, changed)
	require.Equal(t, gateway.StatusAuthorized, next)
}

func TestTransitionDuplicateIsNoOp(t *testing.T) {
	t.Parallel()

	for _, status := range []gateway.CanonicalStatus{
		gateway.StatusPending,
		gateway.StatusAuthorized,
		gateway.StatusCaptured,
		gateway.StatusCanceled,
		gateway.StatusError,
	} {
		next, changed := gateway.Transition(status, status)
		require.False(t, changed, "duplicate %s must not change", status)
		require.Equal(t, status, next)
	}
}

func TestTransitionCancelAndErrorFromAnywhere(t *testing.T) {
	t.Parallel()

	for _, from := range []gateway.CanonicalStatus{
		gateway.StatusPending,
		gateway.StatusAuthorized,
		gateway.StatusCaptured,
	} {
		next, changed := gateway.Transition(from, gateway.StatusCanceled)
		require.True(t, changed)
		require.Equal(t, gateway.StatusCanceled, next)

		next, changed = gateway.Transition(from, gateway.StatusError)
		require.True(t, changed)
		require.Equal(t, gateway.StatusError, next)
	}

	// dead ends stay dead
	next, changed := gateway.Transition(gateway.StatusCanceled, gateway.StatusError)
	require.False(t, changed)
	require.Equal(t, gateway.StatusCanceled, next)

	next, changed = gateway.Transition(gateway.StatusError, gateway.StatusCanceled)
	require.False(t, changed)
	require.Equal(t, gateway.StatusError, next)
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, gateway.StatusPending.Terminal())
	require.False(t, gateway.StatusAuthorized.Terminal())
	require.True(t, gateway.StatusCaptured.Terminal())
	require.True(t, gateway.StatusCanceled.Terminal())
	require.True(t, gateway.StatusError.Terminal())
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, gateway.StatusAuthorized, gateway.ParseStatus("authorized"))
	require.Equal(t, gateway.StatusCaptured, gateway.ParseStatus(" CAPTURED "))
	require.Equal(t, gateway.StatusPending, gateway.ParseStatus(""))
	require.Equal(t, gateway.StatusPending, gateway.ParseStatus("bogus"))
}
