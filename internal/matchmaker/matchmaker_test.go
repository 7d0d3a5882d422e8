package matchmaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dukepan/matchmaker-core/internal/matchroom"
	"github.com/dukepan/matchmaker-core/internal/utils"
)

func newTestMatchmaker(t *testing.T) *Matchmaker {
	t.Helper()
	p := newTestPresence(t)
	return New(p, nil, utils.NewLogger("error"), "proc-test", 8*time.Second, time.Second, 3)
}

func TestHandlerLookupFailsWithHandlerMissing(t *testing.T) {
	m := newTestMatchmaker(t)
	_, err := m.Create(context.Background(), "does-not-exist", "s1", nil)

	var mmErr *Error
	require.True(t, asMatchmakerError(err, &mmErr))
	require.Equal(t, KindHandlerMissing, mmErr.Kind)
	require.False(t, mmErr.Retriable())
}

func TestRegisterHandlerReplacesExisting(t *testing.T) {
	m := newTestMatchmaker(t)
	h1 := &matchroom.Handler{Name: "chat"}
	h2 := &matchroom.Handler{Name: "chat", MaxClients: 10}

	m.RegisterHandler(context.Background(), h1)
	got, err := m.handler("chat")
	require.NoError(t, err)
	require.Same(t, h1, got)

	m.RegisterHandler(context.Background(), h2)
	got, err = m.handler("chat")
	require.NoError(t, err)
	require.Same(t, h2, got)
}

func TestGracefulShutdownDisposesLocalRoomsAndIsIdempotent(t *testing.T) {
	m := newTestMatchmaker(t)

	disposed := make(chan string, 2)
	for _, id := range []string{"room-a", "room-b"} {
		id := id
		room := matchroom.New(id, "chat", "proc-test", 4, time.Second, matchroom.Callbacks{
			OnDispose: func(r *matchroom.RoomHandle) { disposed <- r.RoomID },
		})
		room.MarkCreated()
		m.localRooms[id] = room
	}

	require.NoError(t, m.GracefulShutdown(context.Background()))
	close(disposed)

	var got []string
	for id := range disposed {
		got = append(got, id)
	}
	require.ElementsMatch(t, []string{"room-a", "room-b"}, got)

	// Second call is a no-op, not a second disposal round.
	require.NoError(t, m.GracefulShutdown(context.Background()))
}

func TestLocateFindsOnlyLocalRooms(t *testing.T) {
	m := newTestMatchmaker(t)
	room := matchroom.New("room-a", "chat", "proc-test", 4, time.Second, matchroom.Callbacks{})
	m.localRooms["room-a"] = room

	got, ok := m.locate("room-a")
	require.True(t, ok)
	require.Same(t, room, got)

	_, ok = m.locate("room-missing")
	require.False(t, ok)
}
