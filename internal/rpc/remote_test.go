package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dukepan/matchmaker-core/internal/matchroom"
	"github.com/dukepan/matchmaker-core/internal/presence"
)

func newTestPresence(t *testing.T) *presence.Presence {
	t.Helper()
	mr := miniredis.RunT(t)
	p, err := presence.New("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func noLocal(string) (*matchroom.RoomHandle, bool) { return nil, false }

func TestCallRoutesLocallyWhenRoomIsOwned(t *testing.T) {
	p := newTestPresence(t)
	room := matchroom.New("room-1", "chat", "proc-a", 4, time.Second, matchroom.Callbacks{})

	client := NewClient(p, func(roomID string) (*matchroom.RoomHandle, bool) {
		if roomID == "room-1" {
			return room, true
		}
		return nil, false
	}, "proc-a", time.Second)

	_, value, err := client.Call(context.Background(), "room-1", "maxClients", nil, 0)
	require.NoError(t, err)
	require.Equal(t, 4, value)
}

func TestCallRemoteRoundTripsThroughServer(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newTestPresence(t)
	room := matchroom.New("room-1", "chat", "proc-b", 4, time.Second, matchroom.Callbacks{})

	ctx, cancel := context.WithCancel(context.Background())
	server := Serve(ctx, p, "proc-b", room)

	client := NewClient(p, noLocal, "proc-a", 2*time.Second)
	processID, value, err := client.Call(context.Background(), "room-1", "maxClients", nil, 0)
	require.NoError(t, err)
	require.Equal(t, "proc-b", processID)
	require.Equal(t, 4, value)

	server.Stop()
	cancel()
}

func TestCallRemoteSurfacesApplicationError(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newTestPresence(t)
	room := matchroom.New("room-1", "chat", "proc-b", 4, time.Second, matchroom.Callbacks{})

	ctx, cancel := context.WithCancel(context.Background())
	server := Serve(ctx, p, "proc-b", room)
	defer func() {
		server.Stop()
		cancel()
	}()

	client := NewClient(p, noLocal, "proc-a", 2*time.Second)
	_, _, err := client.Call(context.Background(), "room-1", "doesNotExist", nil, 0)
	require.Error(t, err)

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
}

func TestCallRemoteTimesOutWhenNoServerIsListening(t *testing.T) {
	p := newTestPresence(t)
	client := NewClient(p, noLocal, "proc-a", 50*time.Millisecond)

	_, _, err := client.Call(context.Background(), "room-ghost", "maxClients", nil, 0)
	require.Error(t, err)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}
