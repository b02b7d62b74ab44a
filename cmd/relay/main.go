package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/npezzotti/go-relay/internal/api"
	"github.com/npezzotti/go-relay/internal/auth"
	"github.com/npezzotti/go-relay/internal/config"
	"github.com/npezzotti/go-relay/internal/database"
	"github.com/npezzotti/go-relay/internal/logging"
	"github.com/npezzotti/go-relay/internal/server"
	"github.com/npezzotti/go-relay/internal/stats"
)

const shutdownTimeout = 10 * time.Second

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*s = append(*s, v)
		}
	}
	return nil
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

var (
	addr           string
	dbDriver       string
	dsn            string
	signingKey     string
	allowedOrigins stringSliceFlag
	authTimeout    time.Duration
	rateLimit      int
	rateWindow     time.Duration
	logLevel       string
	logPretty      bool
)

func main() {
	// a missing .env file is fine; the environment and flags still apply
	_ = godotenv.Load()

	flag.StringVar(&addr, "addr", envOr("RELAY_ADDR", "localhost:4000"), "server address")
	flag.StringVar(&dbDriver, "db-driver", envOr("RELAY_DB_DRIVER", config.DriverSQLite), "message store: postgres, sqlite or memory")
	flag.StringVar(&dsn, "dsn", envOr("RELAY_DSN", "relay.db"), "database connection string or sqlite file")
	flag.StringVar(&signingKey, "signing-key", os.Getenv("RELAY_SIGNING_KEY"), "base64 encoded token signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.DurationVar(&authTimeout, "auth-timeout", envDuration("RELAY_AUTH_TIMEOUT", config.DefaultAuthTimeout), "time allowed for a connection to authenticate")
	flag.IntVar(&rateLimit, "rate-limit", envInt("RELAY_RATE_LIMIT", config.DefaultRateLimit), "HTTP requests allowed per client IP per window, 0 disables")
	flag.DurationVar(&rateWindow, "rate-window", envDuration("RELAY_RATE_WINDOW", config.DefaultRateWindow), "HTTP rate limit window")
	flag.StringVar(&logLevel, "log-level", envOr("RELAY_LOG_LEVEL", "info"), "log level")
	flag.BoolVar(&logPretty, "log-pretty", envBool("RELAY_LOG_PRETTY", false), "human readable log output")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		allowedOrigins.Set(os.Getenv("RELAY_ALLOWED_ORIGINS"))
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := logging.New(logLevel, logPretty)
	if err != nil {
		return err
	}

	cfg, err := config.NewConfig(addr, dbDriver, dsn, signingKey, allowedOrigins, authTimeout)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.SetRateLimit(rateLimit, rateWindow); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	store, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("store close")
		}
	}()
	logger.Info().Str("driver", cfg.DatabaseDriver).Msg("message store ready")

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	validator := auth.NewJWTValidator(cfg.SigningKey)
	relay := server.NewRelay(logger, store, validator, statsUpdater, server.OptionsFromConfig(cfg))
	srv := api.NewRelayApp(mux, logger, relay, store, validator, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Stringer("signal", sig).Msg("received signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// hijacked websocket connections are not tracked by http.Server, so the
	// relay is shut down separately
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown")
	}
	if err := relay.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay shutdown: %w", err)
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
