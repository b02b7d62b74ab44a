package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-relay/internal/auth"
	"github.com/npezzotti/go-relay/internal/config"
	"github.com/npezzotti/go-relay/internal/database"
	"github.com/npezzotti/go-relay/internal/stats"
	"github.com/rs/zerolog"
)

var ErrShuttingDown = errors.New("relay is shutting down")

type Options struct {
	AuthTimeout  time.Duration
	MaxFrameSize int64
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		AuthTimeout:  cfg.AuthTimeout,
		MaxFrameSize: cfg.MaxFrameSize,
	}
}

// Relay owns the room registry and every live session.
type Relay struct {
	log          zerolog.Logger
	registry     *RoomRegistry
	handler      *ProtocolHandler
	validator    auth.Validator
	stats        stats.StatsProvider
	authTimeout  time.Duration
	maxFrameSize int64

	sessionsLock sync.Mutex
	sessions     map[string]*Session
	closing      bool
	wg           sync.WaitGroup
}

func NewRelay(logger zerolog.Logger, store database.Store, validator auth.Validator, st stats.StatsProvider, opts Options) *Relay {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = config.DefaultAuthTimeout
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = config.DefaultMaxFrameSize
	}

	for _, name := range []string{
		stats.SessionsActive,
		stats.RoomsActive,
		stats.MessagesRelayed,
		stats.FanoutDropped,
		stats.StoreErrors,
		stats.AuthFailures,
	} {
		st.RegisterMetric(name)
	}

	registry := NewRoomRegistry(st)
	return &Relay{
		log:          logger,
		registry:     registry,
		handler:      NewProtocolHandler(registry, store, st),
		validator:    validator,
		stats:        st,
		authTimeout:  opts.AuthTimeout,
		maxFrameSize: opts.MaxFrameSize,
		sessions:     make(map[string]*Session),
	}
}

func (r *Relay) Registry() *RoomRegistry {
	return r.registry
}

// Serve starts the read and write pumps for conn. token is the handshake
// token and may be empty, in which case the client must authenticate with
// an auth frame.
func (r *Relay) Serve(conn *websocket.Conn, token string) (*Session, error) {
	s := newSession(conn, r, token, r.log)

	r.sessionsLock.Lock()
	if r.closing {
		r.sessionsLock.Unlock()
		return nil, ErrShuttingDown
	}
	r.sessions[s.id] = s
	r.wg.Add(2)
	r.sessionsLock.Unlock()

	go func() {
		defer r.wg.Done()
		s.Write()
	}()
	go func() {
		defer r.wg.Done()
		s.Read()
	}()

	return s, nil
}

func (r *Relay) removeSession(s *Session) {
	r.sessionsLock.Lock()
	defer r.sessionsLock.Unlock()
	delete(r.sessions, s.id)
}

func (r *Relay) SessionCount() int {
	r.sessionsLock.Lock()
	defer r.sessionsLock.Unlock()
	return len(r.sessions)
}

// Shutdown closes every session and waits for their goroutines to exit or
// for ctx to be done.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.log.Info().Msg("shutting down relay")

	r.sessionsLock.Lock()
	r.closing = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessionsLock.Unlock()

	for _, s := range sessions {
		s.shutdown()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.log.Info().Int("sessions", len(sessions)).Msg("relay stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
