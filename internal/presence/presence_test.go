package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestPresence(t *testing.T) *Presence {
	t.Helper()
	mr := miniredis.RunT(t)
	p, err := New("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestIncrDecrConcurrencyCounter(t *testing.T) {
	p := newTestPresence(t)
	ctx := context.Background()

	v, err := p.Incr(ctx, "chat:c")
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	v, err = p.Incr(ctx, "chat:c")
	require.NoError(t, err)
	require.Equal(t, int64(2), v)

	v, err = p.Decr(ctx, "chat:c")
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
}

func TestSetMembership(t *testing.T) {
	p := newTestPresence(t)
	ctx := context.Background()

	require.NoError(t, p.SAdd(ctx, "chat", "room-1"))
	require.NoError(t, p.SAdd(ctx, "chat", "room-2"))

	members, err := p.SMembers(ctx, "chat")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"room-1", "room-2"}, members)

	require.NoError(t, p.SRem(ctx, "chat", "room-1"))
	members, err = p.SMembers(ctx, "chat")
	require.NoError(t, err)
	require.Equal(t, []string{"room-2"}, members)
}

func TestDelIsIdempotent(t *testing.T) {
	p := newTestPresence(t)
	ctx := context.Background()

	require.NoError(t, p.Del(ctx, "does-not-exist"))
}

func TestPublishSubscribe(t *testing.T) {
	p := newTestPresence(t)
	ctx := context.Background()

	sub := p.Subscribe(ctx, "$room-1")
	defer sub.Close()

	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, "$room-1", []byte(`["roomId","req-1",null]`)))

	select {
	case msg := <-sub.Channel():
		require.Equal(t, "$room-1", msg.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
