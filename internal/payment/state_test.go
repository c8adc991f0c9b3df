package payment

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-stays/internal/provider"
)

func TestCanTransition(t *testing.T) {
	require.True(t, CanTransition(StatusInitiated, StatusConfirmed))
	require.True(t, CanTransition(StatusInitiated, StatusFailed))
	require.True(t, CanTransition(StatusConfirmed, StatusRefunded))

	require.False(t, CanTransition(StatusConfirmed, StatusFailed))
	require.False(t, CanTransition(StatusFailed, StatusConfirmed))
	require.False(t, CanTransition(StatusRefunded, StatusConfirmed))
	require.False(t, CanTransition(StatusInitiated, StatusRefunded))
}

func TestSourcesFor(t *testing.T) {
	require.ElementsMatch(t, []Status{StatusInitiated}, SourcesFor(StatusConfirmed))
	require.ElementsMatch(t, []Status{StatusInitiated}, SourcesFor(StatusFailed))
	require.ElementsMatch(t, []Status{StatusConfirmed}, SourcesFor(StatusRefunded))
}

func TestStatusForEvent(t *testing.T) {
	st, ok := StatusForEvent(provider.EventPaymentSuccess)
	require.True(t, ok)
	require.Equal(t, StatusConfirmed, st)

	st, ok = StatusForEvent(provider.EventPaymentFailed)
	require.True(t, ok)
	require.Equal(t, StatusFailed, st)

	st, ok = StatusForEvent(provider.EventRefundSuccess)
	require.True(t, ok)
	require.Equal(t, StatusRefunded, st)

	_, ok = StatusForEvent(provider.EventPaymentPending)
	require.False(t, ok)

	_, ok = StatusForEvent(provider.EventRefundFailed)
	require.False(t, ok)
}
