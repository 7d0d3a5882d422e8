package matchmaker

import (
	"context"
	"time"

	"github.com/dukepan/matchmaker-core/internal/presence"
)

const (
	admissionStepPerWaiter = 100 * time.Millisecond
	admissionMaxWait       = 2000 * time.Millisecond
)

// admit gates concurrent matchmaking queries for a single room-type name
// behind a short, load-proportional delay: wait = min(concurrency*100ms,
// 2000ms), where concurrency is the number of other requests for the same
// name currently in flight. The counter always decrements before admit
// returns, success or not.
func admit(ctx context.Context, p *presence.Presence, name string) error {
	key := name + ":c"
	count, err := p.Incr(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = p.Decr(ctx, key)
	}()

	concurrency := count - 1
	if concurrency <= 0 {
		return nil
	}

	wait := time.Duration(concurrency) * admissionStepPerWaiter
	if wait > admissionMaxWait {
		wait = admissionMaxWait
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
