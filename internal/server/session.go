package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-relay/internal/auth"
	"github.com/npezzotti/go-relay/internal/logging"
	"github.com/npezzotti/go-relay/internal/stats"
	"github.com/npezzotti/go-relay/internal/types"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	sendBuffer   = 256
)

type sessionState int32

const (
	stateConnecting sessionState = iota
	stateAuthenticated
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticated:
		return "authenticated"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("sessionState(%d)", int32(s))
	}
}

// Session owns one client connection from admission until close.
type Session struct {
	id        string
	conn      *websocket.Conn
	relay     *Relay
	log       zerolog.Logger
	// wlog is used by the write pump only; admit extends log concurrently.
	wlog      zerolog.Logger
	user      types.UserIdentity
	token     string
	send      chan *ServerFrame
	stop      chan struct{}
	writeDone chan struct{}
	closeOnce sync.Once
	state     atomic.Int32
	ctx       context.Context
	cancel    context.CancelFunc

	roomsLock   sync.Mutex
	rooms       []string
	currentRoom string
}

func newSessionId() string {
	id, err := shortid.Generate()
	if err != nil {
		return uuid.NewString()
	}
	return id
}

func newSession(conn *websocket.Conn, relay *Relay, token string, l zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := newSessionId()
	log := l.With().Str(logging.FieldSessionId, id).Logger()
	return &Session{
		id:        id,
		conn:      conn,
		relay:     relay,
		log:       log,
		wlog:      log,
		token:     token,
		send:      make(chan *ServerFrame, sendBuffer),
		stop:      make(chan struct{}),
		writeDone: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Session) Id() string {
	return s.id
}

func (s *Session) User() types.UserIdentity {
	return s.user
}

func (s *Session) currentState() sessionState {
	return sessionState(s.state.Load())
}

// CurrentRoom is the most recently joined room the session is still in.
func (s *Session) CurrentRoom() string {
	s.roomsLock.Lock()
	defer s.roomsLock.Unlock()
	return s.currentRoom
}

func (s *Session) trackJoin(roomId string) {
	s.roomsLock.Lock()
	defer s.roomsLock.Unlock()

	s.removeRoomLocked(roomId)
	s.rooms = append(s.rooms, roomId)
	s.currentRoom = roomId
}

func (s *Session) trackLeave(roomId string) {
	s.roomsLock.Lock()
	defer s.roomsLock.Unlock()

	s.removeRoomLocked(roomId)
	s.currentRoom = ""
	if n := len(s.rooms); n > 0 {
		s.currentRoom = s.rooms[n-1]
	}
}

func (s *Session) removeRoomLocked(roomId string) {
	for i, r := range s.rooms {
		if r == roomId {
			s.rooms = append(s.rooms[:i], s.rooms[i+1:]...)
			return
		}
	}
}

func (s *Session) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		close(s.writeDone)
		s.wlog.Debug().Msg("write exiting")
	}()

	for {
		select {
		case frame := <-s.send:
			bytes, err := serializeFrame(frame)
			if err != nil {
				s.wlog.Error().Err(err).Msg("failed to serialize frame")
				continue
			}

			if !s.sendMessage(websocket.TextMessage, bytes) {
				return
			}

			if frame.terminal {
				s.sendMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, frame.Message))
				return
			}
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (s *Session) Read() {
	defer func() {
		s.close()
		s.log.Debug().Msg("read exiting")
	}()

	s.conn.SetReadLimit(s.relay.maxFrameSize)
	if !s.admit() {
		return
	}

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("read failed")
			}
			return
		}

		s.relay.handler.Handle(s, raw)
	}
}

// admit authenticates the session, either from the handshake token or from
// an auth frame that must arrive within the relay's auth timeout.
func (s *Session) admit() bool {
	token := s.token
	if token == "" {
		s.conn.SetReadDeadline(time.Now().Add(s.relay.authTimeout))
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.reject(fmt.Errorf("%w: auth timeout", auth.ErrUnauthenticated))
			}
			return false
		}

		frame, err := parseFrame(raw)
		if err != nil || frame.Type != FrameAuth {
			s.reject(fmt.Errorf("%w: expected auth frame", auth.ErrUnauthenticated))
			return false
		}
		token = frame.Token
	}

	user, err := s.relay.validator.Verify(token)
	if err != nil {
		s.reject(err)
		return false
	}

	s.user = user
	s.log = s.log.With().Str(logging.FieldUserId, user.Id).Logger()
	if !s.state.CompareAndSwap(int32(stateConnecting), int32(stateAuthenticated)) {
		return false
	}
	s.relay.stats.Incr(stats.SessionsActive)
	s.log.Info().Msg("session authenticated")

	return true
}

// reject sends a terminal error frame and waits for the write pump to flush it.
func (s *Session) reject(err error) {
	s.relay.stats.Incr(stats.AuthFailures)
	s.log.Info().Err(err).Msg("authentication failed")

	frame := ErrorFrame(err)
	frame.terminal = true
	if !s.queueMessage(frame) {
		return
	}

	select {
	case <-s.writeDone:
	case <-time.After(writeWait):
	}
}

func (s *Session) queueMessage(frame *ServerFrame) bool {
	select {
	case s.send <- frame:
	default:
		s.log.Debug().Str("type", frame.Type).Msg("failed to queue frame, send buffer is full")
		return false
	}

	return true
}

func (s *Session) sendMessage(msgType int, msg []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := s.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			s.wlog.Debug().Err(err).Msg("write message failed")
		}
		return false
	}

	return true
}

// close moves the session to closed exactly once, removes it from every room
// and stops the write pump.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		prev := sessionState(s.state.Swap(int32(stateClosed)))
		s.cancel()

		rooms := s.relay.registry.DropSession(s)
		s.relay.removeSession(s)
		if prev == stateAuthenticated {
			s.relay.stats.Decr(stats.SessionsActive)
		}

		close(s.stop)
		if s.conn != nil {
			s.conn.Close()
		}
		s.log.Info().Strs("rooms", rooms).Stringer("from_state", prev).Msg("session closed")
	})
}

// shutdown asks the peer to go away and closes the socket, which ends Read.
func (s *Session) shutdown() {
	if s.conn == nil {
		s.close()
		return
	}
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(writeWait))
	s.conn.Close()
}
