package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-relay/internal/database"
	"github.com/npezzotti/go-relay/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func joinRoom(t *testing.T, conn *websocket.Conn, roomId string) {
	t.Helper()
	writeFrame(t, conn, server.ClientFrame{Type: server.FrameJoin, RoomId: roomId})
	f := readFrame(t, conn)
	require.Equal(t, server.FrameJoined, f.Type, "expected join to be acknowledged")
	require.Equal(t, roomId, f.RoomId)
}

func TestRelay_SendScenario(t *testing.T) {
	store := database.NewMemoryMessageStore()
	env := newTestEnv(t, store)

	a := env.dial(t, testToken(t, "alice"))
	b := env.dial(t, testToken(t, "bob"))
	joinRoom(t, a, "r1")
	joinRoom(t, b, "r1")

	writeFrame(t, a, server.ClientFrame{Type: server.FrameCiphertext, Id: "m1", RoomId: "r1", Ciphertext: "AAA"})

	got := readFrame(t, b)
	assert.Equal(t, server.FrameCiphertext, got.Type)
	assert.Equal(t, "m1", got.Id)
	assert.Equal(t, "r1", got.RoomId)
	assert.Equal(t, "AAA", got.Ciphertext)
	assert.Equal(t, "alice", got.From)

	ack := readFrame(t, a)
	assert.Equal(t, server.FrameDelivered, ack.Type)
	assert.Equal(t, "m1", ack.Id)
	assert.Equal(t, "r1", ack.RoomId)
	expectSilence(t, a)

	// delivered implies the message is already in history
	rr := getMessages(t, env.app, "/api/rooms/r1/messages", testToken(t, "carol"))
	require.Equal(t, http.StatusOK, rr.Code)
	var history []HistoryMessage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &history))
	require.Len(t, history, 1, "expected exactly one message in history")
	assert.Equal(t, "m1", history[0].Id)
	assert.Equal(t, "alice", history[0].From)
	assert.Equal(t, got.Timestamp, history[0].Timestamp)
}

func TestRelay_DuplicateIdCoalesced(t *testing.T) {
	store := database.NewMemoryMessageStore()
	env := newTestEnv(t, store)

	a := env.dial(t, testToken(t, "alice"))
	b := env.dial(t, testToken(t, "bob"))
	joinRoom(t, a, "r1")
	joinRoom(t, b, "r1")

	for i := 0; i < 2; i++ {
		writeFrame(t, a, server.ClientFrame{Type: server.FrameCiphertext, Id: "m1", RoomId: "r1", Ciphertext: "AAA"})
		assert.Equal(t, server.FrameDelivered, readFrame(t, a).Type, "expected every send to be acknowledged")
	}

	assert.Equal(t, "m1", readFrame(t, b).Id)
	expectSilence(t, b)
}

func TestRelay_DuplicateIdFromOtherSender(t *testing.T) {
	store := database.NewMemoryMessageStore()
	env := newTestEnv(t, store)

	a := env.dial(t, testToken(t, "alice"))
	b := env.dial(t, testToken(t, "bob"))
	joinRoom(t, a, "r1")
	joinRoom(t, b, "r1")

	writeFrame(t, a, server.ClientFrame{Type: server.FrameCiphertext, Id: "m1", RoomId: "r1", Ciphertext: "AAA"})
	assert.Equal(t, server.FrameDelivered, readFrame(t, a).Type)
	assert.Equal(t, "AAA", readFrame(t, b).Ciphertext)

	writeFrame(t, b, server.ClientFrame{Type: server.FrameCiphertext, Id: "m1", RoomId: "r1", Ciphertext: "BBB"})
	f := readFrame(t, b)
	assert.Equal(t, server.FrameError, f.Type, "expected bob's colliding send to be refused")
	assert.Equal(t, "duplicate message id", f.Message)
	assert.Equal(t, "m1", f.Id)
	expectSilence(t, a)

	msgs, err := store.History(context.Background(), "r1", time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].SenderId, "expected history to keep alice's message")
	assert.Equal(t, "AAA", msgs[0].Ciphertext)
}

func TestRelay_InvalidToken(t *testing.T) {
	env := newTestEnv(t, database.NewMemoryMessageStore())

	conn := env.dial(t, "invalid")
	f := readFrame(t, conn)
	assert.Equal(t, server.FrameError, f.Type)
	assert.Equal(t, "unauthenticated", f.Message)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "expected close after error, got %v", err)
	assert.Equal(t, 0, env.relay.Registry().RoomCount(), "expected no registry entry")
}

func TestRelay_BearerHeaderHandshake(t *testing.T) {
	env := newTestEnv(t, database.NewMemoryMessageStore())

	url := "ws" + env.srv.URL[len("http"):] + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+testToken(t, "alice"))
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	joinRoom(t, conn, "r1")
}

func TestRelay_LeaveStopsDelivery(t *testing.T) {
	env := newTestEnv(t, database.NewMemoryMessageStore())

	a := env.dial(t, testToken(t, "alice"))
	b := env.dial(t, testToken(t, "bob"))
	joinRoom(t, a, "r1")
	joinRoom(t, b, "r1")

	writeFrame(t, b, server.ClientFrame{Type: server.FrameLeave, RoomId: "r1"})
	left := readFrame(t, b)
	assert.Equal(t, server.FrameLeft, left.Type)
	assert.Equal(t, "r1", left.RoomId)

	writeFrame(t, a, server.ClientFrame{Type: server.FrameCiphertext, Id: "m1", RoomId: "r1", Ciphertext: "AAA"})
	assert.Equal(t, server.FrameDelivered, readFrame(t, a).Type)
	expectSilence(t, b)
}

func TestRelay_DisconnectStopsDelivery(t *testing.T) {
	env := newTestEnv(t, database.NewMemoryMessageStore())

	a := env.dial(t, testToken(t, "alice"))
	b := env.dial(t, testToken(t, "bob"))
	joinRoom(t, a, "r1")
	joinRoom(t, b, "r1")

	b.Close()
	assert.Eventually(t, func() bool { return env.relay.Registry().Size("r1") == 1 }, 2*time.Second, 10*time.Millisecond,
		"expected disconnected member to be dropped")

	writeFrame(t, a, server.ClientFrame{Type: server.FrameCiphertext, Id: "m1", RoomId: "r1", Ciphertext: "AAA"})
	assert.Equal(t, server.FrameDelivered, readFrame(t, a).Type, "expected send to succeed with no recipients")
}

func TestRelay_PerSenderOrder(t *testing.T) {
	env := newTestEnv(t, database.NewMemoryMessageStore())

	a := env.dial(t, testToken(t, "alice"))
	b := env.dial(t, testToken(t, "bob"))
	c := env.dial(t, testToken(t, "carol"))
	joinRoom(t, a, "r1")
	joinRoom(t, b, "r1")
	joinRoom(t, c, "r1")

	const n = 30
	for i := 0; i < n; i++ {
		writeFrame(t, a, server.ClientFrame{Type: server.FrameCiphertext, Id: fmt.Sprintf("m%02d", i), RoomId: "r1", Ciphertext: "AAA"})
	}

	for _, conn := range []*websocket.Conn{b, c} {
		for i := 0; i < n; i++ {
			f := readFrame(t, conn)
			assert.Equal(t, fmt.Sprintf("m%02d", i), f.Id, "expected messages in send order")
		}
	}
	for i := 0; i < n; i++ {
		f := readFrame(t, a)
		assert.Equal(t, server.FrameDelivered, f.Type, "expected no self delivery")
		assert.Equal(t, fmt.Sprintf("m%02d", i), f.Id)
	}
}

func TestRelay_MalformedFrameKeepsConnection(t *testing.T) {
	env := newTestEnv(t, database.NewMemoryMessageStore())

	conn := env.dial(t, testToken(t, "alice"))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	f := readFrame(t, conn)
	assert.Equal(t, server.FrameError, f.Type)
	assert.Contains(t, f.Message, "malformed frame")

	joinRoom(t, conn, "r1")
}

func TestRelay_OriginCheck(t *testing.T) {
	env := newTestEnv(t, database.NewMemoryMessageStore())
	url := "ws" + env.srv.URL[len("http"):] + "/ws?token=" + testToken(t, "alice")

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err, "expected disallowed origin to be refused")
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://localhost:5173")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err, "expected allowed origin to connect")
	conn.Close()
}
