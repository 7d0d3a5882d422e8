// Package rpc implements the cross-process remote room call: a
// request/response RPC over the Presence pub/sub, keyed by room id, that
// routes locally when the target room is owned by this process.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukepan/matchmaker-core/internal/matchroom"
	"github.com/dukepan/matchmaker-core/internal/presence"
)

// Reply codes, wire-stable across processes.
const (
	CodeSuccess = 0
	CodeError   = 1
)

// TimeoutError distinguishes a remote-call timeout from a remote-side
// application error.
type TimeoutError struct {
	RoomID string
	Method string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote call %q on room %q timed out", e.Method, e.RoomID)
}

// RemoteError is a rejection sent back by the owning process, carrying the
// message the remote handler produced.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// envelope is the wire message published on "$<roomId>".
type envelope struct {
	Method    string        `json:"method"`
	RequestID string        `json:"requestId"`
	Args      []interface{} `json:"args"`
}

// replyEnvelope is the wire message published on "<roomId>:<requestId>".
type replyEnvelope struct {
	Code    int          `json:"code"`
	Payload replyPayload `json:"payload"`
}

type replyPayload struct {
	ProcessID string      `json:"processId"`
	Value     interface{} `json:"value"`
}

// Locator resolves a room id to its locally-owned handle, if this process
// owns it.
type Locator func(roomID string) (*matchroom.RoomHandle, bool)

var callLatency metric.Float64Histogram

func init() {
	var err error
	meter := otel.Meter("rpc")
	callLatency, err = meter.Float64Histogram("remote_call.latency", metric.WithUnit("ms"))
	if err != nil {
		panic(err)
	}
}

// Client performs remote room calls.
type Client struct {
	presence       *presence.Presence
	locate         Locator
	processID      string
	defaultTimeout time.Duration
}

// NewClient creates a remote-call client. defaultTimeout is the fallback
// applied when a call site does not override it.
func NewClient(p *presence.Presence, locate Locator, processID string, defaultTimeout time.Duration) *Client {
	return &Client{presence: p, locate: locate, processID: processID, defaultTimeout: defaultTimeout}
}

// Call invokes method on roomID with args, routing locally when owned by
// this process. Returns the owning processID and the result value.
func (c *Client) Call(ctx context.Context, roomID, method string, args []interface{}, timeout time.Duration) (processID string, value interface{}, err error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	start := time.Now()
	ctx, span := otel.Tracer("rpc").Start(ctx, "rpc.call", trace.WithAttributes(
		attribute.String("room.id", roomID),
		attribute.String("rpc.method", method),
	))
	defer func() {
		callLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("rpc.method", method)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if room, ok := c.locate(roomID); ok {
		v, err := room.Dispatch(method, args)
		return c.processID, v, err
	}

	return c.callRemote(ctx, roomID, method, args, timeout)
}

func (c *Client) callRemote(ctx context.Context, roomID, method string, args []interface{}, timeout time.Duration) (string, interface{}, error) {
	requestID := uuid.NewString()
	replyChannel := roomID + ":" + requestID

	sub := c.presence.Subscribe(ctx, replyChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return "", nil, fmt.Errorf("failed to subscribe to reply channel: %w", err)
	}

	body, err := json.Marshal(envelope{Method: method, RequestID: requestID, Args: args})
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode remote call: %w", err)
	}
	if err := c.presence.Publish(ctx, "$"+roomID, body); err != nil {
		return "", nil, fmt.Errorf("failed to publish remote call: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-sub.Channel():
		if !ok {
			return "", nil, &TimeoutError{RoomID: roomID, Method: method}
		}
		var reply replyEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &reply); err != nil {
			return "", nil, fmt.Errorf("failed to decode remote reply: %w", err)
		}
		if reply.Code == CodeError {
			appErrMsg, _ := reply.Payload.Value.(string)
			return reply.Payload.ProcessID, nil, &RemoteError{Message: appErrMsg}
		}
		return reply.Payload.ProcessID, reply.Payload.Value, nil
	case <-timer.C:
		return "", nil, &TimeoutError{RoomID: roomID, Method: method}
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// Server subscribes to a room's RPC channel and answers inbound calls by
// dispatching them to the local RoomHandle. The owning process runs exactly
// one Server per locally-hosted room.
type Server struct {
	presence  *presence.Presence
	processID string
	room      *matchroom.RoomHandle
	cancel    context.CancelFunc
	done      chan struct{}
}

// Serve subscribes to "$<roomId>" and handles inbound calls until ctx is
// cancelled or Stop is called.
func Serve(ctx context.Context, p *presence.Presence, processID string, room *matchroom.RoomHandle) *Server {
	ctx, cancel := context.WithCancel(ctx)
	s := &Server{presence: p, processID: processID, room: room, cancel: cancel, done: make(chan struct{})}
	go s.loop(ctx)
	return s
}

func (s *Server) loop(ctx context.Context) {
	defer close(s.done)
	sub := s.presence.Subscribe(ctx, "$"+s.room.RoomID)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			go s.handle(ctx, msg.Payload)
		}
	}
}

func (s *Server) handle(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return
	}

	value, err := s.room.Dispatch(env.Method, env.Args)

	reply := replyEnvelope{Code: CodeSuccess, Payload: replyPayload{ProcessID: s.processID, Value: value}}
	if err != nil {
		reply = replyEnvelope{Code: CodeError, Payload: replyPayload{ProcessID: s.processID, Value: err.Error()}}
	}

	body, marshalErr := json.Marshal(reply)
	if marshalErr != nil {
		return
	}
	replyChannel := env.RequestID
	if env.RequestID != "" {
		replyChannel = s.room.RoomID + ":" + env.RequestID
	}
	_ = s.presence.Publish(ctx, replyChannel, body)
}

// Stop unsubscribes the room's RPC channel.
func (s *Server) Stop() {
	s.cancel()
	<-s.done
}
