package matchmaker

import (
	"context"
	"time"

	"github.com/dukepan/matchmaker-core/internal/registry"
	"github.com/dukepan/matchmaker-core/internal/rpc"
)

// staleCheckTimeout bounds the liveness probe issued against each existing
// listing when a handler (re)registers for its room-type name.
const staleCheckTimeout = 1 * time.Second

// reapStaleListings probes every listing registered under name with a
// short remote call, and removes any listing whose owning process does not
// answer in time. This runs whenever a handler (re)registers for name,
// since a re-registration after a crash-restart is the only reliable
// signal this process has that leftover listings from a dead process might
// exist.
func (m *Matchmaker) reapStaleListings(ctx context.Context, name string) {
	listings, err := m.registry.Find(ctx, registry.Conditions{"name": name})
	if err != nil {
		m.logger.Warn(ctx, "failed to list rooms of type %q during stale reap: %v", name, err)
		return
	}

	for _, listing := range listings {
		roomID := listing.RoomID.String()
		_, _, err := m.rpcClient.Call(ctx, roomID, "roomId", nil, staleCheckTimeout)
		if err == nil {
			continue
		}

		var timeoutErr *rpc.TimeoutError
		if !asTimeout(err, &timeoutErr) {
			continue
		}

		m.logger.Info(ctx, "reaping stale room %q listing (type %q)", roomID, name)
		_ = listing.Remove(context.Background())
		_ = m.presence.SRem(context.Background(), name, roomID)
	}

	_ = m.presence.Del(ctx, name+":c")
}
