// Package chatroom is a reference room-type implementation: a broadcast
// chat room whose participants exchange short text messages. It exists to
// exercise the matchroom/matchmaker/rpc/transport pipeline end-to-end with
// a concrete, non-trivial RoomInstance.
package chatroom

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dukepan/matchmaker-core/internal/matchroom"
)

// ChatMessage is one broadcast chat event.
type ChatMessage struct {
	SessionID string    `json:"sessionId"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sentAt"`
}

// Room is the chat RoomInstance. It fans broadcast messages out to every
// connected session via a per-session outbound channel the transport layer
// drains.
type Room struct {
	mu       sync.Mutex
	topic    string
	history  []ChatMessage
	outbound map[string]chan ChatMessage
}

// New constructs a fresh, unconfigured chat room instance.
func New() matchroom.RoomInstance {
	return &Room{outbound: make(map[string]chan ChatMessage)}
}

// OnCreate reads the "topic" client option, defaulting to "general".
func (r *Room) OnCreate(ctx context.Context, room *matchroom.RoomHandle, options map[string]interface{}) error {
	topic, _ := options["topic"].(string)
	if topic == "" {
		topic = "general"
	}
	r.topic = topic

	room.AddProperty("topic", func() interface{} { return r.topic })
	room.AddMethod("send", func(args []interface{}) (interface{}, error) {
		if len(args) < 2 {
			return nil, fmt.Errorf("send: expected [sessionId, content]")
		}
		sessionID, _ := args[0].(string)
		content, _ := args[1].(string)
		return nil, r.broadcast(sessionID, content)
	})
	room.AddMethod("history", func(args []interface{}) (interface{}, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		out := make([]ChatMessage, len(r.history))
		copy(out, r.history)
		return out, nil
	})
	return nil
}

// OnJoin opens the session's outbound channel.
func (r *Room) OnJoin(ctx context.Context, room *matchroom.RoomHandle, sessionID string, options map[string]interface{}) error {
	r.mu.Lock()
	r.outbound[sessionID] = make(chan ChatMessage, 32)
	r.mu.Unlock()
	return nil
}

// Leave closes and forgets the session's outbound channel. The matchmaker
// calls this via the room's OnLeave lifecycle callback.
func (r *Room) Leave(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.outbound[sessionID]; ok {
		close(ch)
		delete(r.outbound, sessionID)
	}
}

// Outbound returns the channel the transport should drain for sessionID.
func (r *Room) Outbound(sessionID string) (<-chan ChatMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.outbound[sessionID]
	return ch, ok
}

func (r *Room) broadcast(from, content string) error {
	msg := ChatMessage{SessionID: from, Content: content, SentAt: time.Now()}

	r.mu.Lock()
	r.history = append(r.history, msg)
	if len(r.history) > 200 {
		r.history = r.history[len(r.history)-200:]
	}
	targets := make([]chan ChatMessage, 0, len(r.outbound))
	for _, ch := range r.outbound {
		targets = append(targets, ch)
	}
	r.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- msg:
		default:
			// Slow consumer: drop rather than block the room's broadcast path.
		}
	}
	return nil
}
