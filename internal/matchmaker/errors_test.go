package matchmaker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOnlySeatReservationFailedIsRetriable(t *testing.T) {
	retriable := newError(KindSeatReservationFailed, "no seats", nil)
	require.True(t, retriable.Retriable())

	for _, kind := range []Kind{
		KindHandlerMissing,
		KindCriteriaUnsatisfied,
		KindRoomIDUnknown,
		KindSessionExpired,
		KindRemoteCallTimeout,
		KindRemoteCallError,
		KindUnhandledUserError,
	} {
		e := newError(kind, "x", nil)
		require.False(t, e.Retriable(), "%s should not be retriable", kind)
	}
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("boom")
	e := newError(KindUnhandledUserError, "room failed", cause)
	require.ErrorIs(t, e, cause)
	require.Contains(t, e.Error(), "boom")
}
