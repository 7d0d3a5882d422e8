// Package matchmaker is the core orchestration: handler registration,
// admission control, room creation/joining, stale-listing cleanup, and
// graceful shutdown. It is the only component that talks to presence,
// registry, matchroom, and rpc all at once.
package matchmaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dukepan/matchmaker-core/internal/matchroom"
	"github.com/dukepan/matchmaker-core/internal/presence"
	"github.com/dukepan/matchmaker-core/internal/registry"
	"github.com/dukepan/matchmaker-core/internal/rpc"
	"github.com/dukepan/matchmaker-core/internal/utils"
)

// Result is what a successful matchmake call hands back to the transport.
type Result struct {
	RoomID    string `json:"roomId"`
	ProcessID string `json:"processId"`
	SessionID string `json:"sessionId"`
}

// Matchmaker coordinates room handlers across the process fleet.
type Matchmaker struct {
	presence  *presence.Presence
	registry  *registry.Driver
	rpcClient *rpc.Client
	logger    *utils.Logger

	processID      string
	reservationTTL time.Duration
	joinRetries    int

	mu           sync.RWMutex
	handlers     map[string]*matchroom.Handler
	localRooms   map[string]*matchroom.RoomHandle
	rpcServers   map[string]*rpc.Server
	shuttingDown bool
}

// New wires a Matchmaker over the given presence/registry backends.
// processID identifies this process on every listing it creates.
func New(p *presence.Presence, r *registry.Driver, logger *utils.Logger, processID string, reservationTTL time.Duration, remoteCallTimeout time.Duration, joinRetries int) *Matchmaker {
	m := &Matchmaker{
		presence:       p,
		registry:       r,
		logger:         logger,
		processID:      processID,
		reservationTTL: reservationTTL,
		joinRetries:    joinRetries,
		handlers:       make(map[string]*matchroom.Handler),
		localRooms:     make(map[string]*matchroom.RoomHandle),
		rpcServers:     make(map[string]*rpc.Server),
	}
	m.rpcClient = rpc.NewClient(p, m.locate, processID, remoteCallTimeout)
	return m
}

func (m *Matchmaker) locate(roomID string) (*matchroom.RoomHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.localRooms[roomID]
	return room, ok
}

// Locate resolves a room id to its locally-owned handle, if this process
// owns it. Exposed for the transport's room-join path.
func (m *Matchmaker) Locate(roomID string) (*matchroom.RoomHandle, bool) {
	return m.locate(roomID)
}

// RegisterHandler registers name's room-type handler. A second registration
// for the same name replaces the first and triggers a stale-listing reap,
// since the only reason a process re-registers a name it already served is
// a restart after a crash that may have left orphaned listings behind.
func (m *Matchmaker) RegisterHandler(ctx context.Context, h *matchroom.Handler) {
	m.mu.Lock()
	_, replaced := m.handlers[h.Name]
	m.handlers[h.Name] = h
	m.mu.Unlock()

	if replaced {
		go m.reapStaleListings(context.Background(), h.Name)
	}
}

func (m *Matchmaker) handler(name string) (*matchroom.Handler, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[name]
	if !ok {
		return nil, newError(KindHandlerMissing, fmt.Sprintf("no handler registered for room type %q", name), nil)
	}
	return h, nil
}

// Create always creates a fresh room of the given type.
func (m *Matchmaker) Create(ctx context.Context, name string, sessionID string, clientOptions map[string]interface{}) (*Result, error) {
	h, err := m.handler(name)
	if err != nil {
		return nil, err
	}
	return m.createRoom(ctx, h, sessionID, clientOptions)
}

// Join locates an existing, unlocked, matching room and reserves a seat,
// retrying up to joinRetries times if the reservation loses a race for the
// last seat, and failing with CriteriaUnsatisfied if no matching room is
// ever found.
func (m *Matchmaker) Join(ctx context.Context, name string, sessionID string, clientOptions map[string]interface{}) (*Result, error) {
	h, err := m.handler(name)
	if err != nil {
		return nil, err
	}
	return m.queryAndReserve(ctx, h, sessionID, clientOptions, func() (*Result, error) {
		return nil, newError(KindCriteriaUnsatisfied, fmt.Sprintf("no available room of type %q matches the given criteria", name), nil)
	})
}

// JoinOrCreate joins a matching room if one exists, else creates one. Seat
// races against other matchmake requests are retried up to joinRetries
// times before giving up.
func (m *Matchmaker) JoinOrCreate(ctx context.Context, name string, sessionID string, clientOptions map[string]interface{}) (*Result, error) {
	h, err := m.handler(name)
	if err != nil {
		return nil, err
	}
	return m.queryAndReserve(ctx, h, sessionID, clientOptions, func() (*Result, error) {
		return m.createRoom(ctx, h, sessionID, clientOptions)
	})
}

// queryAndReserve retries queryOne+reserveAndRespond up to joinRetries times
// when the reservation loses a seat race, calling onMiss the moment a query
// finds no matching room at all.
func (m *Matchmaker) queryAndReserve(ctx context.Context, h *matchroom.Handler, sessionID string, clientOptions map[string]interface{}, onMiss func() (*Result, error)) (*Result, error) {
	attempts := m.joinRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		listing, err := m.queryOne(ctx, h, clientOptions)
		if err != nil {
			return nil, err
		}
		if listing == nil {
			return onMiss()
		}

		result, err := m.reserveAndRespond(ctx, listing.RoomID.String(), listing.ProcessID, sessionID, clientOptions)
		if err == nil {
			return result, nil
		}
		var mmErr *Error
		if asMatchmakerError(err, &mmErr) && mmErr.Retriable() {
			lastErr = err
			continue
		}
		return nil, err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, newError(KindSeatReservationFailed, "exhausted join retries", nil)
}

// JoinByID joins the named room directly, bypassing the matchmaking query.
// If clientOptions carries a "sessionId" (a rejoin), the existing seat is
// confirmed via a remote hasReservedSeat check rather than reserving a new
// one: a rejoin that finds its reservation lapsed fails with SessionExpired,
// never falls through to _reserveSeat.
func (m *Matchmaker) JoinByID(ctx context.Context, roomID string, sessionID string, clientOptions map[string]interface{}) (*Result, error) {
	listings, err := m.registry.Find(ctx, registry.Conditions{"roomId": mustUUID(roomID)})
	if err != nil {
		return nil, err
	}
	if len(listings) == 0 {
		return nil, newError(KindRoomIDUnknown, fmt.Sprintf("room %q does not exist", roomID), nil)
	}
	ownerProcessID := listings[0].ProcessID

	if rejoinSessionID, ok := clientOptions["sessionId"].(string); ok && rejoinSessionID != "" {
		return m.rejoinByID(ctx, roomID, ownerProcessID, rejoinSessionID)
	}
	if listings[0].Locked {
		return nil, newError(KindRoomIDUnknown, fmt.Sprintf("room %q is locked", roomID), nil)
	}

	return m.reserveAndRespond(ctx, roomID, ownerProcessID, sessionID, clientOptions)
}

// rejoinByID confirms roomID still holds sessionID's seat reservation
// instead of reserving a fresh one.
func (m *Matchmaker) rejoinByID(ctx context.Context, roomID, ownerProcessID, sessionID string) (*Result, error) {
	_, held, err := m.rpcClient.Call(ctx, roomID, "hasReservedSeat", []interface{}{sessionID}, 0)
	if err != nil {
		var timeoutErr *rpc.TimeoutError
		if asTimeout(err, &timeoutErr) {
			return nil, newError(KindRemoteCallTimeout, fmt.Sprintf("room %q did not respond to a rejoin check", roomID), err)
		}
		return nil, newError(KindRemoteCallError, fmt.Sprintf("room %q rejected a rejoin check", roomID), err)
	}
	ok, _ := held.(bool)
	if !ok {
		return nil, newError(KindSessionExpired, fmt.Sprintf("session %q's reservation on room %q has expired", sessionID, roomID), nil)
	}
	return &Result{RoomID: roomID, ProcessID: ownerProcessID, SessionID: sessionID}, nil
}

// Query lists every public room, locked or not, matching clientOptions, without
// reserving a seat. Used for lobby-style room listings.
func (m *Matchmaker) Query(ctx context.Context, name string, clientOptions map[string]interface{}) ([]*registry.Listing, error) {
	h, err := m.handler(name)
	if err != nil {
		return nil, err
	}
	// Deliberately does not force locked=false: a locked public room is
	// still a valid query result, only joinOrCreate/join exclude it.
	conditions := registry.Conditions{"name": name, "private": false}
	for k, v := range h.Filter(clientOptions) {
		conditions[k] = v
	}
	return m.registry.Find(ctx, conditions)
}

// queryOne runs the admission gate before finding the best-matching room, so
// a staggered second caller's query observes the first caller's just-landed
// seat reservation instead of racing it to decide whether to create a room.
func (m *Matchmaker) queryOne(ctx context.Context, h *matchroom.Handler, clientOptions map[string]interface{}) (*registry.Listing, error) {
	if err := admit(ctx, m.presence, h.Name); err != nil {
		return nil, err
	}

	conditions := registry.Conditions{"name": h.Name, "locked": false, "private": false}
	for k, v := range h.Filter(clientOptions) {
		conditions[k] = v
	}
	q := m.registry.FindOne(conditions)
	if h.SortField != "" {
		q = q.Sort(h.SortField, h.SortDesc)
	}
	return q.Await(ctx)
}

func (m *Matchmaker) reserveAndRespond(ctx context.Context, roomID, ownerProcessID, sessionID string, clientOptions map[string]interface{}) (*Result, error) {
	_, reserved, err := m.rpcClient.Call(ctx, roomID, "_reserveSeat", []interface{}{sessionID}, 0)
	if err != nil {
		var timeoutErr *rpc.TimeoutError
		if asTimeout(err, &timeoutErr) {
			return nil, newError(KindRemoteCallTimeout, fmt.Sprintf("room %q did not respond to a reservation request", roomID), err)
		}
		return nil, newError(KindRemoteCallError, fmt.Sprintf("room %q rejected a reservation request", roomID), err)
	}
	ok, _ := reserved.(bool)
	if !ok {
		return nil, newError(KindSeatReservationFailed, fmt.Sprintf("room %q has no free seats", roomID), nil)
	}
	return &Result{RoomID: roomID, ProcessID: ownerProcessID, SessionID: sessionID}, nil
}

func (m *Matchmaker) createRoom(ctx context.Context, h *matchroom.Handler, sessionID string, clientOptions map[string]interface{}) (*Result, error) {
	instance := h.NewRoom()
	roomID := uuid.NewString()
	var listing *registry.Listing

	room := matchroom.New(roomID, h.Name, m.processID, h.MaxClients, m.reservationTTL, matchroom.Callbacks{
		OnLock: func(r *matchroom.RoomHandle) {
			_ = m.presence.SRem(context.Background(), h.Name, r.RoomID)
			listing.Locked = true
			_ = listing.Save(context.Background())
			if h.Events.OnLock != nil {
				h.Events.OnLock(r.RoomID)
			}
		},
		OnUnlock: func(r *matchroom.RoomHandle) {
			_ = m.presence.SAdd(context.Background(), h.Name, r.RoomID)
			listing.Locked = false
			_ = listing.Save(context.Background())
			if h.Events.OnUnlock != nil {
				h.Events.OnUnlock(r.RoomID)
			}
		},
		OnJoin: func(r *matchroom.RoomHandle, sessionID string) {
			if err := instance.OnJoin(context.Background(), r, sessionID, nil); err != nil {
				m.logger.Warn(context.Background(), "room %q OnJoin hook rejected session %q: %v", r.RoomID, sessionID, err)
			}
			if h.Events.OnJoin != nil {
				h.Events.OnJoin(r.RoomID, sessionID)
			}
		},
		OnLeave: func(r *matchroom.RoomHandle, sessionID string) {
			if leaver, ok := instance.(matchroom.RoomLeaver); ok {
				leaver.Leave(sessionID)
			}
			if h.Events.OnLeave != nil {
				h.Events.OnLeave(r.RoomID, sessionID)
			}
		},
		OnDispose: func(r *matchroom.RoomHandle) {
			m.disposeRoom(r.RoomID, h.Name)
			if h.Events.OnDispose != nil {
				h.Events.OnDispose(r.RoomID)
			}
		},
	})

	mergedOptions := h.MergeOptions(clientOptions)
	if err := instance.OnCreate(ctx, room, mergedOptions); err != nil {
		return nil, newError(KindUnhandledUserError, fmt.Sprintf("room type %q failed to initialize", h.Name), err)
	}
	room.MarkCreated()
	go sweepReservations(room, m.reservationTTL)

	listing = m.registry.CreateInstance(registry.Listing{
		RoomID:     mustUUID(roomID),
		Name:       h.Name,
		ProcessID:  m.processID,
		MaxClients: h.MaxClients,
		Filters:    h.Filter(clientOptions),
	})

	m.mu.Lock()
	m.localRooms[roomID] = room
	m.rpcServers[roomID] = rpc.Serve(context.Background(), m.presence, m.processID, room)
	m.mu.Unlock()

	if err := m.presence.SAdd(ctx, h.Name, roomID); err != nil {
		m.logger.Warn(ctx, "failed to advertise room %q of type %q: %v", roomID, h.Name, err)
	}

	room.ReserveSeat(sessionID)

	if err := listing.Save(ctx); err != nil {
		return nil, err
	}
	if h.Events.OnCreate != nil {
		h.Events.OnCreate(roomID)
	}

	return &Result{RoomID: roomID, ProcessID: m.processID, SessionID: sessionID}, nil
}

func (m *Matchmaker) disposeRoom(roomID, name string) {
	m.mu.Lock()
	delete(m.localRooms, roomID)
	server := m.rpcServers[roomID]
	delete(m.rpcServers, roomID)
	m.mu.Unlock()

	if server != nil {
		server.Stop()
	}
	_ = m.presence.SRem(context.Background(), name, roomID)
}

// GracefulShutdown disconnects every locally-hosted room in parallel and
// waits for each to finish disposing. Safe to call more than once; only
// the first call does anything.
func (m *Matchmaker) GracefulShutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil
	}
	m.shuttingDown = true
	rooms := make([]*matchroom.RoomHandle, 0, len(m.localRooms))
	for _, r := range m.localRooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, room := range rooms {
		room := room
		g.Go(func() error {
			room.BeginDisconnect()
			room.MarkDisposed()
			return nil
		})
	}
	return g.Wait()
}

// sweepReservations periodically frees a room's expired, unclaimed seat
// reservations until the room is disposed.
func sweepReservations(room *matchroom.RoomHandle, reservationTTL time.Duration) {
	ticker := time.NewTicker(reservationTTL)
	defer ticker.Stop()
	for range ticker.C {
		if room.State() >= matchroom.Disposed {
			return
		}
		room.SweepExpiredReservations(time.Now())
	}
}

func mustUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}
	}
	return id
}

func asTimeout(err error, target **rpc.TimeoutError) bool {
	te, ok := err.(*rpc.TimeoutError)
	if ok {
		*target = te
	}
	return ok
}

func asMatchmakerError(err error, target **Error) bool {
	me, ok := err.(*Error)
	if ok {
		*target = me
	}
	return ok
}
