package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/npezzotti/go-relay/internal/database"
	"github.com/npezzotti/go-relay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNewRelayApp(t *testing.T) {
	env := newTestEnv(t, database.NewMemoryMessageStore())

	assert.NotNil(t, env.app.srv, "expected http server to be initialized")
	assert.Equal(t, "localhost:4000", env.app.srv.Addr, "expected server address to match config")
	assert.Equal(t, env.relay, env.app.relay, "expected relay to be set")
	assert.Equal(t, []string{"http://localhost:5173"}, env.app.allowedOrigins)
}

func getMessages(t *testing.T, app *RelayApp, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, req)
	return rr
}

func TestGetMessages(t *testing.T) {
	since := time.UnixMilli(1_700_000_000_000).UTC()

	tcases := []struct {
		name       string
		target     string
		noToken    bool
		setup      func(s *database.MockStore)
		wantStatus int
		wantBody   string
	}{
		{
			name:   "full history",
			target: "/api/rooms/r1/messages",
			setup: func(s *database.MockStore) {
				s.On("History", mock.Anything, "r1", time.Time{}).Return([]types.Message{
					{Id: "m1", RoomId: "r1", SenderId: "alice", Ciphertext: "AAA", SentAt: since},
					{Id: "m2", RoomId: "r1", SenderId: "bob", Ciphertext: "BBB", SentAt: since.Add(time.Millisecond)},
				}, nil).Once()
			},
			wantStatus: http.StatusOK,
			wantBody: `[{"id":"m1","roomId":"r1","from":"alice","ciphertext":"AAA","timestamp":1700000000000},
				{"id":"m2","roomId":"r1","from":"bob","ciphertext":"BBB","timestamp":1700000000001}]`,
		},
		{
			name:   "since filter",
			target: "/api/rooms/r1/messages?since=1700000000000",
			setup: func(s *database.MockStore) {
				s.On("History", mock.Anything, "r1", since).Return([]types.Message{}, nil).Once()
			},
			wantStatus: http.StatusOK,
			wantBody:   `[]`,
		},
		{
			name:       "invalid since",
			target:     "/api/rooms/r1/messages?since=yesterday",
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"status_code":400,"message":"bad request"}`,
		},
		{
			name:       "negative since",
			target:     "/api/rooms/r1/messages?since=-5",
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"status_code":400,"message":"bad request"}`,
		},
		{
			name:       "unauthenticated",
			target:     "/api/rooms/r1/messages",
			noToken:    true,
			wantStatus: http.StatusUnauthorized,
			wantBody:   `{"status_code":401,"message":"unauthorized"}`,
		},
		{
			name:   "store unavailable",
			target: "/api/rooms/r1/messages",
			setup: func(s *database.MockStore) {
				s.On("History", mock.Anything, "r1", time.Time{}).
					Return(nil, errors.Join(database.ErrStoreUnavailable, errors.New("timeout"))).Once()
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `{"status_code":503,"message":"service unavailable"}`,
		},
		{
			name:   "unexpected store error",
			target: "/api/rooms/r1/messages",
			setup: func(s *database.MockStore) {
				s.On("History", mock.Anything, "r1", time.Time{}).Return(nil, errors.New("boom")).Once()
			},
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"status_code":500,"message":"internal server error"}`,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			store := &database.MockStore{}
			defer store.AssertExpectations(t)
			if tc.setup != nil {
				tc.setup(store)
			}
			env := newTestEnv(t, store)

			token := testToken(t, "alice")
			if tc.noToken {
				token = ""
			}
			rr := getMessages(t, env.app, tc.target, token)

			assert.Equal(t, tc.wantStatus, rr.Code, "expected status code")
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			assert.JSONEq(t, tc.wantBody, rr.Body.String(), "expected response body")
		})
	}
}

func TestHealthz(t *testing.T) {
	store := database.NewMemoryMessageStore()
	env := newTestEnv(t, store)

	rr := httptest.NewRecorder()
	env.app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])

	store.FailWith(errors.New("disk gone"))
	rr = httptest.NewRecorder()
	env.app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code, "expected failing store to report unhealthy")
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, database.NewMemoryMessageStore())

	req := httptest.NewRequest(http.MethodOptions, "/api/rooms/r1/messages", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	rr := httptest.NewRecorder()
	env.app.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "http://localhost:5173", rr.Header().Get("Access-Control-Allow-Origin"))
}
