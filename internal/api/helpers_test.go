package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-relay/internal/auth"
	"github.com/npezzotti/go-relay/internal/config"
	"github.com/npezzotti/go-relay/internal/database"
	"github.com/npezzotti/go-relay/internal/server"
	"github.com/npezzotti/go-relay/internal/stats"
	"github.com/npezzotti/go-relay/internal/testutil"
	"github.com/npezzotti/go-relay/internal/types"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("api-test-signing-key")

func testConfig() *config.Config {
	return &config.Config{
		ServerAddr:     "localhost:4000",
		DatabaseDriver: config.DriverMemory,
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{"http://localhost:5173"},
		AuthTimeout:    config.DefaultAuthTimeout,
		MaxFrameSize:   config.DefaultMaxFrameSize,
	}
}

type testEnv struct {
	app   *RelayApp
	relay *server.Relay
	srv   *httptest.Server
}

func newTestEnv(t *testing.T, store database.Store) *testEnv {
	return newTestEnvConfig(t, store, testConfig())
}

func newTestEnvConfig(t *testing.T, store database.Store, cfg *config.Config) *testEnv {
	logger := testutil.TestLogger(t)
	validator := auth.NewJWTValidator(cfg.SigningKey)
	st := (&stats.MockStatsUpdater{}).Permissive()

	relay := server.NewRelay(logger, store, validator, st, server.OptionsFromConfig(cfg))
	app := NewRelayApp(http.NewServeMux(), logger, relay, store, validator, cfg)
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{app: app, relay: relay, srv: srv}
}

func testToken(t *testing.T, userId string) string {
	token, err := auth.NewToken(testSigningKey, types.UserIdentity{Id: userId, DisplayName: userId}, time.Hour)
	require.NoError(t, err, "expected to mint test token")
	return token
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "expected to dial relay")
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) server.ServerFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f server.ServerFrame
	require.NoError(t, conn.ReadJSON(&f), "expected to read a frame")
	return f
}

// expectSilence asserts that nothing arrives on conn for a short while.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, raw, err := conn.ReadMessage()
	require.Error(t, err, "expected no frame, got %s", raw)
}

func writeFrame(t *testing.T, conn *websocket.Conn, f server.ClientFrame) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(f), "expected to write a frame")
}
