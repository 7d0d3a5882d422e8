// Package transport is the WebSocket front door: one path that runs the
// matchmake handshake over a short-lived socket, and one path that hands
// a socket off to an already-reserved room seat. Both are grounded in the
// same read/write pump shape, with a ping/pong heartbeat replacing a
// per-socket chat protocol.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dukepan/matchmaker-core/internal/matchmaker"
	"github.com/dukepan/matchmaker-core/internal/matchroom"
	"github.com/dukepan/matchmaker-core/internal/utils"
)

const (
	writeWait  = 10 * time.Second
	maxMessage = 4096
)

// methodsExposed are the matchmake verbs a socket may request.
var methodsExposed = map[string]bool{
	"joinOrCreate": true,
	"create":       true,
	"join":         true,
	"joinById":     true,
}

// Locator resolves a room id to its locally-owned handle.
type Locator func(roomID string) (*matchroom.RoomHandle, bool)

// Server serves the matchmake and room-join WebSocket paths.
type Server struct {
	mm                *matchmaker.Matchmaker
	locate            Locator
	logger            *utils.Logger
	upgrader          websocket.Upgrader
	heartbeatInterval time.Duration
	pingCountMax      int
}

// New creates a transport Server.
func New(mm *matchmaker.Matchmaker, locate Locator, logger *utils.Logger, heartbeatInterval time.Duration, pingCountMax int) *Server {
	return &Server{
		mm:     mm,
		locate: locate,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		heartbeatInterval: heartbeatInterval,
		pingCountMax:      pingCountMax,
	}
}

// Routes mounts the matchmake and room-join WebSocket paths onto router.
func (s *Server) Routes(router chi.Router) {
	router.Get("/matchmake/{method}/{name}", s.handleMatchmake)
	router.Get("/{name}/{roomId}", s.handleRoomJoin)
}

type matchmakeRequest struct {
	SessionID string                 `json:"sessionId"`
	Options   map[string]interface{} `json:"options"`
}

type matchmakeResponse struct {
	Room  *matchmaker.Result `json:"room,omitempty"`
	Code  int                `json:"code,omitempty"`
	Error string             `json:"error,omitempty"`
}

// handleMatchmake upgrades the socket, reads exactly one JSON request, and
// answers with either a room handle or a wire error, then closes.
func (s *Server) handleMatchmake(w http.ResponseWriter, r *http.Request) {
	method := chi.URLParam(r, "method")
	name := chi.URLParam(r, "name")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "failed to upgrade matchmake socket for room type %q: %v", name, err)
		return
	}
	defer conn.Close()

	if !methodsExposed[method] {
		s.closeWithError(conn, utils.ErrMatchmakeUnhandled, "unsupported matchmake method")
		return
	}

	conn.SetReadLimit(maxMessage)
	_, body, err := conn.ReadMessage()
	if err != nil {
		return
	}

	var req matchmakeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.closeWithError(conn, utils.ErrMatchmakeInvalidCriteria, "malformed matchmake request")
		return
	}
	if req.SessionID == "" {
		req.SessionID = newSessionID()
	}

	ctx := r.Context()
	result, mmErr := s.dispatch(ctx, method, name, req.SessionID, req.Options)
	if mmErr != nil {
		s.respondError(conn, mmErr)
		return
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(matchmakeResponse{Room: result})
}

func (s *Server) dispatch(ctx context.Context, method, name, sessionID string, options map[string]interface{}) (*matchmaker.Result, error) {
	switch method {
	case "joinOrCreate":
		return s.mm.JoinOrCreate(ctx, name, sessionID, options)
	case "create":
		return s.mm.Create(ctx, name, sessionID, options)
	case "join":
		return s.mm.Join(ctx, name, sessionID, options)
	case "joinById":
		roomID, _ := options["roomId"].(string)
		return s.mm.JoinByID(ctx, roomID, sessionID, options)
	default:
		return nil, &matchmaker.Error{Kind: matchmaker.KindHandlerMissing, Message: "unsupported matchmake method"}
	}
}

func (s *Server) respondError(conn *websocket.Conn, err error) {
	var mmErr *matchmaker.Error
	code := utils.ErrMatchmakeUnhandled
	if asMatchmakerError(err, &mmErr) {
		switch mmErr.Kind {
		case matchmaker.KindHandlerMissing:
			code = utils.ErrMatchmakeNoHandler
		case matchmaker.KindCriteriaUnsatisfied, matchmaker.KindSeatReservationFailed:
			code = utils.ErrMatchmakeInvalidCriteria
		case matchmaker.KindRoomIDUnknown:
			code = utils.ErrMatchmakeInvalidRoomID
		case matchmaker.KindSessionExpired:
			code = utils.ErrMatchmakeExpired
		}
	}
	s.closeWithError(conn, code, err.Error())
}

func (s *Server) closeWithError(conn *websocket.Conn, code int, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(matchmakeResponse{Code: code, Error: message})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(utils.WSCloseWithError, message),
		time.Now().Add(writeWait))
}

// handleRoomJoin hands a socket off to a locally-hosted room once the
// caller's reserved seat is confirmed, then runs the heartbeat pumps for
// the socket's lifetime.
func (s *Server) handleRoomJoin(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	sessionID := r.URL.Query().Get("sessionId")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "failed to upgrade room-join socket for room %q: %v", roomID, err)
		return
	}
	defer conn.Close()

	room, ok := s.locate(roomID)
	if !ok {
		s.closeWithError(conn, utils.JoinError, "room not hosted on this process")
		return
	}
	if !room.HasReservedSeat(sessionID) {
		s.closeWithError(conn, utils.JoinError, "seat reservation expired")
		return
	}

	room.Join(sessionID)
	defer room.Leave(sessionID)

	done := make(chan struct{})
	go s.heartbeat(conn, done)
	s.readUntilClose(conn, done)
}

// heartbeat pings the socket at the configured interval, terminating the
// connection once pingCountMax consecutive pongs are missed.
func (s *Server) heartbeat(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	var missed atomic.Int32
	conn.SetPongHandler(func(string) error {
		missed.Store(0)
		return nil
	})

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if missed.Add(1) > int32(s.pingCountMax) {
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Server) readUntilClose(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(maxMessage)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func asMatchmakerError(err error, target **matchmaker.Error) bool {
	me, ok := err.(*matchmaker.Error)
	if ok {
		*target = me
	}
	return ok
}

func newSessionID() string {
	return uuid.NewString()
}
