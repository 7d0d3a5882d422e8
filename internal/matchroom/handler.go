package matchroom

import "context"

// RoomInstance is the authored game-logic a room type supplies. The tick
// loop and state replication behind it are out of scope here — only the
// two hooks the matchmaker and transport must call are specified here.
type RoomInstance interface {
	// OnCreate runs once while the room is still CREATING, with client
	// options merged over the handler's defaults; the room transitions to
	// CREATED only if it returns nil. A returned error aborts room creation
	// and is wrapped as an UnhandledUserError.
	OnCreate(ctx context.Context, room *RoomHandle, options map[string]interface{}) error

	// OnJoin runs when the transport completes the room-join hand-off for a
	// session that holds a valid seat reservation.
	OnJoin(ctx context.Context, room *RoomHandle, sessionID string, options map[string]interface{}) error
}

// RoomLeaver is an optional RoomInstance extension for per-session cleanup
// when a connected client disconnects. Room types with no per-session state
// to release need not implement it.
type RoomLeaver interface {
	Leave(sessionID string)
}

// Events are the lifecycle sinks a Handler may subscribe.
type Events struct {
	OnCreate  func(roomID string)
	OnJoin    func(roomID, sessionID string)
	OnLeave   func(roomID, sessionID string)
	OnLock    func(roomID string)
	OnUnlock  func(roomID string)
	OnDispose func(roomID string)
}

// Handler is the per-room-type registration: a constructor, default
// options, a filter/sort projection for matchmaking queries, and lifecycle
// sinks. At most one Handler exists per room-type name at a time (enforced
// by the Matchmaker's handler map, keyed by Name).
type Handler struct {
	Name string

	// NewRoom constructs a fresh, unconfigured room instance. Called once
	// per room creation.
	NewRoom func() RoomInstance

	DefaultOptions map[string]interface{}

	// FilterOptions projects client-supplied join options onto the open
	// filter-field bag stored on the listing, combined with the room's
	// name and locked state to form a matchmaking query.
	FilterOptions func(options map[string]interface{}) map[string]interface{}

	// SortField/SortDesc apply to findOne when non-empty.
	SortField string
	SortDesc  bool

	MaxClients int

	Events Events
}

// MergeOptions merges clientOptions over the handler's default options,
// client-supplied values winning on key collision.
func (h *Handler) MergeOptions(clientOptions map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(h.DefaultOptions)+len(clientOptions))
	for k, v := range h.DefaultOptions {
		merged[k] = v
	}
	for k, v := range clientOptions {
		merged[k] = v
	}
	return merged
}

// Filter builds the matchmaking query filter fields for clientOptions.
func (h *Handler) Filter(clientOptions map[string]interface{}) map[string]interface{} {
	if h.FilterOptions == nil {
		return map[string]interface{}{}
	}
	return h.FilterOptions(clientOptions)
}
