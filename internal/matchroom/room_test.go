package matchroom

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRoom(maxClients int) *RoomHandle {
	return New("room-1", "chat", "proc-a", maxClients, 50*time.Millisecond, Callbacks{})
}

func TestStateTransitionsAreMonotone(t *testing.T) {
	r := newTestRoom(2)
	require.Equal(t, Creating, r.State())

	require.True(t, r.MarkCreated())
	require.Equal(t, Created, r.State())

	// Backward / repeat transitions are no-ops.
	require.False(t, r.MarkCreated())
	require.Equal(t, Created, r.State())

	require.True(t, r.BeginDisconnect())
	require.True(t, r.MarkDisposed())
	require.Equal(t, Disposed, r.State())

	require.False(t, r.BeginDisconnect())
}

func TestReserveSeatIdempotentPerSession(t *testing.T) {
	r := newTestRoom(2)
	require.True(t, r.ReserveSeat("s1"))
	require.True(t, r.ReserveSeat("s1")) // idempotent re-reservation
	require.True(t, r.ReserveSeat("s2"))
	require.True(t, r.Locked(), "room should auto-lock once capacity is reached")

	require.False(t, r.ReserveSeat("s3"), "no capacity left for a new session")
}

func TestHasReservedSeatExpiresAndConnectedClientsAlwaysHold(t *testing.T) {
	r := newTestRoom(2)
	require.True(t, r.ReserveSeat("s1"))
	require.True(t, r.HasReservedSeat("s1"))

	time.Sleep(75 * time.Millisecond)
	require.False(t, r.HasReservedSeat("s1"), "expired reservation should no longer hold")

	r.ReserveSeat("s2")
	r.Join("s2")
	time.Sleep(75 * time.Millisecond)
	require.True(t, r.HasReservedSeat("s2"), "connected client always holds its seat")
}

func TestSweepExpiredReservationsFreesOnlyUnconnected(t *testing.T) {
	r := newTestRoom(3)
	r.ReserveSeat("connected")
	r.Join("connected")
	r.ReserveSeat("abandoned")

	time.Sleep(75 * time.Millisecond)
	freed := r.SweepExpiredReservations(time.Now())
	require.Equal(t, 1, freed)
	require.True(t, r.HasReservedSeat("connected"))
}

func TestDispatchPropertyVsMethod(t *testing.T) {
	r := newTestRoom(4)
	v, err := r.Dispatch("maxClients", nil)
	require.NoError(t, err)
	require.Equal(t, 4, v)

	r.ReserveSeat("s1")
	v, err = r.Dispatch("hasReservedSeat", []interface{}{"s1"})
	require.NoError(t, err)
	require.Equal(t, true, v)

	_, err = r.Dispatch("doesNotExist", nil)
	require.Error(t, err)
}

func TestLockUnlockCallbacksFireOnce(t *testing.T) {
	locks, unlocks := 0, 0
	r := New("room-1", "chat", "proc-a", 2, time.Second, Callbacks{
		OnLock:   func(*RoomHandle) { locks++ },
		OnUnlock: func(*RoomHandle) { unlocks++ },
	})

	r.Lock()
	r.Lock()
	require.Equal(t, 1, locks)

	r.Unlock()
	r.Unlock()
	require.Equal(t, 1, unlocks)
}
