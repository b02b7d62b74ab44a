package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-relay/internal/auth"
	"github.com/npezzotti/go-relay/internal/config"
	"github.com/npezzotti/go-relay/internal/database"
	"github.com/npezzotti/go-relay/internal/server"
	"github.com/rs/zerolog"
)

// RelayApp is the HTTP surface of the relay: the websocket endpoint, history
// replay and health.
type RelayApp struct {
	log            zerolog.Logger
	srv            *http.Server
	relay          *server.Relay
	store          database.MessageStore
	validator      auth.Validator
	limiter        *IPRateLimiter
	allowedOrigins []string
}

func NewRelayApp(mux *http.ServeMux, logger zerolog.Logger, relay *server.Relay, store database.MessageStore, validator auth.Validator, cfg *config.Config) *RelayApp {
	s := &RelayApp{
		log:            logger,
		relay:          relay,
		store:          store,
		validator:      validator,
		allowedOrigins: cfg.AllowedOrigins,
	}
	if cfg.RateLimit > 0 {
		s.limiter = NewIPRateLimiter(cfg.RateLimit, cfg.RateWindow)
	}

	mux.HandleFunc("GET /ws", s.serveWs)
	mux.Handle("GET /api/rooms/{roomId}/messages", s.authMiddleware(s.getMessages))
	mux.HandleFunc("GET /healthz", s.healthz)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
	)(s.rateLimit(mux))

	h = s.errorHandler(h)
	h = handlers.CustomLoggingHandler(io.Discard, h, s.logRequest)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

// logRequest writes one access log line per request: method, url, status,
// response size and duration.
func (s *RelayApp) logRequest(_ io.Writer, params handlers.LogFormatterParams) {
	s.log.Info().
		Str("method", params.Request.Method).
		Str("url", params.URL.RequestURI()).
		Int("status", params.StatusCode).
		Int("size", params.Size).
		Dur("duration", time.Since(params.TimeStamp)).
		Msg("request")
}

func (s *RelayApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *RelayApp) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	return s.srv.ListenAndServe()
}

func (s *RelayApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
