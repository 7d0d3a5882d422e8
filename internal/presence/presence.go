// Package presence wraps the shared pub/sub and key/set service every
// process in the fleet uses to coordinate matchmaking.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var presenceLatency metric.Float64Histogram

// Presence is the Presence contract consumed by the matchmaker: pub/sub
// channels, atomic counters, set membership, key/value delete. Operations
// may fail transiently; idempotent paths (Del, SRem) swallow failure while
// the circuit is open, non-idempotent ones surface it.
type Presence struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// New creates a Presence backed by a Redis connection at dsn.
func New(dsn string) (*Presence, error) {
	var err error
	meter := otel.Meter("presence")
	presenceLatency, err = meter.Float64Histogram("presence.command.latency", metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create presence.command.latency instrument: %w", err)
	}

	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse presence redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, span := otel.Tracer("presence").Start(context.Background(), "presence.ping")
	defer span.End()
	if err := client.Ping(ctx).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to ping presence backend")
		return nil, fmt.Errorf("failed to connect to presence backend: %w", err)
	}
	span.SetStatus(codes.Ok, "presence connected")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "presence",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
	})

	return &Presence{client: client, cb: cb}, nil
}

// Client exposes the underlying Redis client for the matchmake rate limiter
// and the /healthz check. Direct use bypasses tracing.
func (p *Presence) Client() *redis.Client {
	return p.client
}

func (p *Presence) instrument(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	start := time.Now()
	ctx, span := otel.Tracer("presence").Start(ctx, "presence."+op, trace.WithAttributes(attrs...))
	defer func() {
		presenceLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("presence.command", op)))
		span.End()
	}()

	_, err := p.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "presence operation failed")
	}
	return err
}

// Close releases the underlying connection pool.
func (p *Presence) Close() error {
	return p.client.Close()
}

// Publish sends message on channel.
func (p *Presence) Publish(ctx context.Context, channel string, message interface{}) error {
	return p.instrument(ctx, "publish", []attribute.KeyValue{attribute.String("presence.channel", channel)}, func(ctx context.Context) error {
		return p.client.Publish(ctx, channel, message).Err()
	})
}

// Subscribe returns a PubSub subscribed to the given channels. The caller
// owns the returned subscription's lifecycle (Close to unsubscribe).
func (p *Presence) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return p.client.Subscribe(ctx, channels...)
}

// SAdd adds member to the set named key.
func (p *Presence) SAdd(ctx context.Context, key, member string) error {
	return p.instrument(ctx, "sadd", []attribute.KeyValue{attribute.String("presence.key", key)}, func(ctx context.Context) error {
		return p.client.SAdd(ctx, key, member).Err()
	})
}

// SRem removes member from the set named key. Idempotent: failures while
// the circuit is open are swallowed rather than surfaced.
func (p *Presence) SRem(ctx context.Context, key, member string) error {
	err := p.instrument(ctx, "srem", []attribute.KeyValue{attribute.String("presence.key", key)}, func(ctx context.Context) error {
		return p.client.SRem(ctx, key, member).Err()
	})
	if err == gobreaker.ErrOpenState {
		return nil
	}
	return err
}

// SMembers returns the members of the set named key.
func (p *Presence) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := p.instrument(ctx, "smembers", []attribute.KeyValue{attribute.String("presence.key", key)}, func(ctx context.Context) error {
		res, err := p.client.SMembers(ctx, key).Result()
		out = res
		return err
	})
	return out, err
}

// Incr atomically increments key and returns the new value.
func (p *Presence) Incr(ctx context.Context, key string) (int64, error) {
	var out int64
	err := p.instrument(ctx, "incr", []attribute.KeyValue{attribute.String("presence.key", key)}, func(ctx context.Context) error {
		res, err := p.client.Incr(ctx, key).Result()
		out = res
		return err
	})
	return out, err
}

// Decr atomically decrements key and returns the new value.
func (p *Presence) Decr(ctx context.Context, key string) (int64, error) {
	var out int64
	err := p.instrument(ctx, "decr", []attribute.KeyValue{attribute.String("presence.key", key)}, func(ctx context.Context) error {
		res, err := p.client.Decr(ctx, key).Result()
		out = res
		return err
	})
	return out, err
}

// Del deletes key. Idempotent: failures while the circuit is open are
// swallowed rather than surfaced.
func (p *Presence) Del(ctx context.Context, key string) error {
	err := p.instrument(ctx, "del", []attribute.KeyValue{attribute.String("presence.key", key)}, func(ctx context.Context) error {
		return p.client.Del(ctx, key).Err()
	})
	if err == gobreaker.ErrOpenState {
		return nil
	}
	return err
}
