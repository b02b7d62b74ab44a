package config

import (
	"encoding/base64"
	"fmt"
	"slices"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"

	DefaultAuthTimeout  = 10 * time.Second
	DefaultMaxFrameSize = 64 * 1024
	DefaultRateLimit    = 200
	DefaultRateWindow   = 15 * time.Minute
)

var supportedDrivers = []string{DriverPostgres, DriverSQLite, DriverMemory}

type Config struct {
	ServerAddr     string
	DatabaseDriver string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string
	// AuthTimeout bounds how long a connection may stay unauthenticated.
	AuthTimeout  time.Duration
	MaxFrameSize int64
	// RateLimit is the number of HTTP requests a client IP may make per
	// RateWindow. Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// DecodeSigningKey decodes a base64 HMAC key, rejecting an empty result.
func DecodeSigningKey(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("decoded key is empty")
	}
	return key, nil
}

func NewConfig(serverAddr, databaseDriver, databaseDSN, base64Secret string, allowedOrigins []string, authTimeout time.Duration) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if !slices.Contains(supportedDrivers, databaseDriver) {
		return nil, fmt.Errorf("unsupported database driver %q", databaseDriver)
	}
	if databaseDSN == "" && databaseDriver != DriverMemory {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if authTimeout < 0 {
		return nil, fmt.Errorf("auth timeout cannot be negative")
	}
	if authTimeout == 0 {
		authTimeout = DefaultAuthTimeout
	}

	signingKey, err := DecodeSigningKey(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:     serverAddr,
		DatabaseDriver: databaseDriver,
		DatabaseDSN:    databaseDSN,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		AuthTimeout:    authTimeout,
		MaxFrameSize:   DefaultMaxFrameSize,
		RateLimit:      DefaultRateLimit,
		RateWindow:     DefaultRateWindow,
	}, nil
}

func (c *Config) SetRateLimit(limit int, window time.Duration) error {
	if limit < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}
	if limit > 0 && window <= 0 {
		return fmt.Errorf("rate window must be positive")
	}

	c.RateLimit = limit
	c.RateWindow = window
	return nil
}
