package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-relay/internal/auth"
	"github.com/npezzotti/go-relay/internal/database"
	"github.com/npezzotti/go-relay/internal/stats"
	"github.com/npezzotti/go-relay/internal/testutil"
	"github.com/npezzotti/go-relay/internal/types"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("relay-test-signing-key")

func newTestRelay(t *testing.T, store database.Store, opts Options) *Relay {
	st := (&stats.MockStatsUpdater{}).Permissive()
	return NewRelay(testutil.TestLogger(t), store, auth.NewJWTValidator(testSigningKey), st, opts)
}

// newTestSession builds an authenticated session with no connection behind
// it. Frames queued for it stay in its send channel.
func newTestSession(t *testing.T, relay *Relay, userId string) *Session {
	s := newSession(nil, relay, "", testutil.TestLogger(t))
	s.user = types.UserIdentity{Id: userId, DisplayName: userId}
	s.state.Store(int32(stateAuthenticated))
	return s
}

func nextFrame(t *testing.T, s *Session) *ServerFrame {
	t.Helper()
	select {
	case f := <-s.send:
		return f
	default:
		t.Fatalf("expected a queued frame for session %s", s.user.Id)
		return nil
	}
}

func assertNoFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case f := <-s.send:
		t.Fatalf("expected no frame for session %s, got %+v", s.user.Id, f)
	default:
	}
}

func testToken(t *testing.T, userId string) string {
	token, err := auth.NewToken(testSigningKey, types.UserIdentity{Id: userId, DisplayName: userId}, time.Hour)
	require.NoError(t, err, "expected to mint test token")
	return token
}

func newWsServer(t *testing.T, relay *Relay) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if _, err := relay.Serve(conn, r.URL.Query().Get("token")); err != nil {
			conn.Close()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if token != "" {
		url += "?token=" + token
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "expected to dial relay")
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f ServerFrame
	require.NoError(t, conn.ReadJSON(&f), "expected to read a frame")
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, f ClientFrame) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(f), "expected to write a frame")
}
