package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mstdlib "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// NewMatchmakeRateLimiter builds a per-remote-address limiter for the
// WebSocket routes (main mounts it over both the matchmake and room-join
// paths), backed by the same Redis instance as Presence. A store error is
// handed to the limiter middleware's default error handler; the request is
// not passed on to the next handler.
func NewMatchmakeRateLimiter(client *redis.Client, perMinute int) (func(http.Handler) http.Handler, error) {
	rate := limiter.Rate{
		Period: time.Minute,
		Limit:  int64(perMinute),
	}

	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix: "matchmaker:ratelimit:",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit store: %w", err)
	}

	instance := limiter.New(store, rate)
	mw := mstdlib.NewMiddleware(instance, mstdlib.WithForwardHeaders(true))
	return mw.Handler, nil
}
