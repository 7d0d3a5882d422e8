package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/dukepan/matchmaker-core/internal/matchmaker"
	"github.com/dukepan/matchmaker-core/internal/matchroom"
	"github.com/dukepan/matchmaker-core/internal/presence"
	"github.com/dukepan/matchmaker-core/internal/utils"
)

type fakeRoomInstance struct{}

func (fakeRoomInstance) OnCreate(ctx context.Context, room *matchroom.RoomHandle, options map[string]interface{}) error {
	return nil
}

func (fakeRoomInstance) OnJoin(ctx context.Context, room *matchroom.RoomHandle, sessionID string, options map[string]interface{}) error {
	return nil
}

func newTestServer(t *testing.T) (*Server, *matchmaker.Matchmaker) {
	t.Helper()
	mr := miniredis.RunT(t)
	p, err := presence.New("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	mm := matchmaker.New(p, nil, utils.NewLogger("error"), "proc-test", 8*time.Second, time.Second, 3)
	mm.RegisterHandler(context.Background(), &matchroom.Handler{
		Name:       "chat",
		NewRoom:    func() matchroom.RoomInstance { return fakeRoomInstance{} },
		MaxClients: 4,
	})

	srv := New(mm, mm.Locate, utils.NewLogger("error"), 50*time.Millisecond, 2)
	return srv, mm
}

func TestHandleMatchmakeRejectsUnsupportedMethod(t *testing.T) {
	srv, _ := newTestServer(t)
	router := chi.NewRouter()
	srv.Routes(router)
	ts := httptest.NewServer(router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/matchmake/bogus/chat"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{}`)))
	var resp matchmakeResponse
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, utils.ErrMatchmakeUnhandled, resp.Code)
}

func TestHandleRoomJoinRejectsUnhostedRoom(t *testing.T) {
	srv, _ := newTestServer(t)
	router := chi.NewRouter()
	srv.Routes(router)
	ts := httptest.NewServer(router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/chat/does-not-exist?sessionId=s1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var resp matchmakeResponse
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, utils.JoinError, resp.Code)
}
