// Package config loads server configuration from the environment, with an
// optional .env file for development. Precedence: environment variables,
// then .env values, then defaults.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/ogas1024/Chat-Room-sub003/internal/protocol"
)

// Config holds every recognised server option.
type Config struct {
	// Listener.
	Host           string `env:"CHATROOM_HOST" envDefault:"0.0.0.0"`
	Port           int    `env:"CHATROOM_PORT" envDefault:"8888"`
	MaxConnections int    `env:"CHATROOM_MAX_CONNECTIONS" envDefault:"500"`

	// Persistence.
	DBPath      string `env:"CHATROOM_DB_PATH" envDefault:"data/chatroom.db"`
	StorageRoot string `env:"CHATROOM_STORAGE_ROOT" envDefault:"data/files"`

	// File transfer.
	MaxFileSize      int64 `env:"CHATROOM_MAX_FILE_SIZE" envDefault:"104857600"` // 100 MiB
	ChunkSizeDefault int64 `env:"CHATROOM_CHUNK_SIZE_DEFAULT" envDefault:"65536"`

	// AI relay.
	AIEnabled       bool          `env:"CHATROOM_AI_ENABLED" envDefault:"false"`
	AIAPIKey        string        `env:"CHATROOM_AI_API_KEY"`
	AIBaseURL       string        `env:"CHATROOM_AI_BASE_URL"`
	AIModel         string        `env:"CHATROOM_AI_MODEL" envDefault:"gpt-4o-mini"`
	AIAlias         string        `env:"CHATROOM_AI_ALIAS" envDefault:"ai"`
	AIDeadline      time.Duration `env:"CHATROOM_AI_DEADLINE" envDefault:"30s"`
	AIMaxRetries    int           `env:"CHATROOM_AI_MAX_RETRIES" envDefault:"2"`
	AIContextWindow int           `env:"CHATROOM_AI_CONTEXT_WINDOW" envDefault:"10"`

	// Session policy.
	PingInterval   time.Duration `env:"CHATROOM_PING_INTERVAL" envDefault:"60s"`
	SessionTimeout time.Duration `env:"CHATROOM_SESSION_TIMEOUT" envDefault:"5m"`
	IdleAway       time.Duration `env:"CHATROOM_IDLE_AWAY" envDefault:"10m"`

	// Offline queue.
	OfflineRetention time.Duration `env:"CHATROOM_OFFLINE_RETENTION" envDefault:"168h"` // 7 days

	// Router.
	RouterQueueSize int `env:"CHATROOM_ROUTER_QUEUE_SIZE" envDefault:"1024"`

	// Per-connection inbound rate limit, frames per second with burst.
	RateLimit int `env:"CHATROOM_RATE_LIMIT" envDefault:"30"`
	RateBurst int `env:"CHATROOM_RATE_BURST" envDefault:"60"`

	// Ops HTTP surface. Empty disables it.
	OpsAddr string `env:"CHATROOM_OPS_ADDR" envDefault:"127.0.0.1:9090"`

	// Logging.
	LogLevel  string `env:"CHATROOM_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"CHATROOM_LOG_FORMAT" envDefault:"text"`
}

// Load reads configuration from an optional .env file and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("CHATROOM_PORT must be 1-65535, got %d", c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("CHATROOM_MAX_CONNECTIONS must be positive, got %d", c.MaxConnections)
	}
	if c.MaxFileSize <= 0 || c.MaxFileSize > protocol.MaxFileSize {
		return fmt.Errorf("CHATROOM_MAX_FILE_SIZE must be in (0, %d], got %d", int64(protocol.MaxFileSize), c.MaxFileSize)
	}
	if c.ChunkSizeDefault < protocol.MinChunkSize || c.ChunkSizeDefault > protocol.MaxChunkSize {
		return fmt.Errorf("CHATROOM_CHUNK_SIZE_DEFAULT must be in [%d, %d], got %d",
			int64(protocol.MinChunkSize), int64(protocol.MaxChunkSize), c.ChunkSizeDefault)
	}
	if c.AIEnabled && c.AIAPIKey == "" {
		return fmt.Errorf("CHATROOM_AI_API_KEY is required when the AI relay is enabled")
	}
	if c.SessionTimeout < c.PingInterval {
		return fmt.Errorf("CHATROOM_SESSION_TIMEOUT (%s) must not be shorter than CHATROOM_PING_INTERVAL (%s)",
			c.SessionTimeout, c.PingInterval)
	}
	if c.RateLimit < 1 || c.RateBurst < c.RateLimit {
		return fmt.Errorf("rate limit must be positive with burst >= limit, got %d/%d", c.RateLimit, c.RateBurst)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("CHATROOM_LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("CHATROOM_LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Addr returns the host:port the TCP listener binds.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
