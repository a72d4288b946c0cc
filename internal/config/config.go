package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all service configuration, read from environment variables
// with a .env file for development convenience.
type Config struct {
	// Server
	Addr         string        `env:"FPL_ADDR" envDefault:":8080"`
	DrainTimeout time.Duration `env:"FPL_DRAIN_TIMEOUT" envDefault:"30s"`

	// Connection manager
	MaxConnections    int           `env:"FPL_MAX_CONNECTIONS" envDefault:"1000"`
	HeartbeatInterval time.Duration `env:"FPL_HEARTBEAT_INTERVAL" envDefault:"30s"`
	PingInterval      time.Duration `env:"FPL_PING_INTERVAL" envDefault:"25s"`
	PingTimeout       time.Duration `env:"FPL_PING_TIMEOUT" envDefault:"10s"`
	ReconnectWindow   time.Duration `env:"FPL_RECONNECT_WINDOW" envDefault:"5m"`
	MessageBudget     int           `env:"FPL_MESSAGE_BUDGET" envDefault:"100"`
	MessageWindow     time.Duration `env:"FPL_MESSAGE_WINDOW" envDefault:"1m"`
	ReplayQueueSize   int           `env:"FPL_REPLAY_QUEUE_SIZE" envDefault:"100"`
	FanoutWorkers     int           `env:"FPL_FANOUT_WORKERS" envDefault:"8"`
	FanoutQueueSize   int           `env:"FPL_FANOUT_QUEUE_SIZE" envDefault:"800"`

	// Upstream API client
	UpstreamBaseURL    string        `env:"FPL_UPSTREAM_BASE_URL" envDefault:"https://fantasy.premierleague.com/api"`
	UpstreamTimeout    time.Duration `env:"FPL_UPSTREAM_TIMEOUT" envDefault:"10s"`
	UpstreamBurst      int           `env:"FPL_UPSTREAM_BURST" envDefault:"10"`
	UpstreamRefillRate float64       `env:"FPL_UPSTREAM_REFILL_RATE" envDefault:"1.0"`
	UpstreamMaxRetries int           `env:"FPL_UPSTREAM_MAX_RETRIES" envDefault:"5"`
	UpstreamBackoff    time.Duration `env:"FPL_UPSTREAM_BACKOFF" envDefault:"500ms"`
	UpstreamMaxBackoff time.Duration `env:"FPL_UPSTREAM_MAX_BACKOFF" envDefault:"30s"`

	// Live gameweek poller; 0 disables polling
	PollInterval        time.Duration `env:"FPL_POLL_INTERVAL" envDefault:"15s"`
	PollRefreshInterval time.Duration `env:"FPL_POLL_REFRESH_INTERVAL" envDefault:"1h"`

	// NATS ingest
	NATSURL          string        `env:"FPL_NATS_URL" envDefault:"nats://localhost:4222"`
	NATSStream       string        `env:"FPL_NATS_STREAM" envDefault:"FPL_LIVE"`
	NATSConsumer     string        `env:"FPL_NATS_CONSUMER" envDefault:"fpl-ws"`
	NATSStreamMaxAge time.Duration `env:"FPL_NATS_STREAM_MAX_AGE" envDefault:"30s"`
	NATSAckWait      time.Duration `env:"FPL_NATS_ACK_WAIT" envDefault:"30s"`

	// Resource guard
	CPURejectThreshold float64 `env:"FPL_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"FPL_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`
	MemoryLimit        int64   `env:"FPL_MEMORY_LIMIT" envDefault:"0"`
	MaxGoroutines      int     `env:"FPL_MAX_GOROUTINES" envDefault:"10000"`
	MaxIngestRate      int     `env:"FPL_MAX_INGEST_RATE" envDefault:"1000"`
	MaxBroadcastRate   int     `env:"FPL_MAX_BROADCAST_RATE" envDefault:"500"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration with priority: env vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("FPL_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("FPL_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MessageBudget < 1 {
		return fmt.Errorf("FPL_MESSAGE_BUDGET must be > 0, got %d", c.MessageBudget)
	}
	if c.ReconnectWindow < time.Second {
		return fmt.Errorf("FPL_RECONNECT_WINDOW must be >= 1s, got %s", c.ReconnectWindow)
	}
	if c.UpstreamBurst < 1 {
		return fmt.Errorf("FPL_UPSTREAM_BURST must be > 0, got %d", c.UpstreamBurst)
	}
	if c.UpstreamRefillRate <= 0 {
		return fmt.Errorf("FPL_UPSTREAM_REFILL_RATE must be > 0, got %f", c.UpstreamRefillRate)
	}
	if c.UpstreamMaxRetries < 0 {
		return fmt.Errorf("FPL_UPSTREAM_MAX_RETRIES must be >= 0, got %d", c.UpstreamMaxRetries)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("FPL_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("FPL_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.PingInterval >= 3*c.HeartbeatInterval {
		return fmt.Errorf("FPL_PING_INTERVAL must be below the heartbeat dead window")
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of trace/debug/info/warn/error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or pretty, got %q", c.LogFormat)
	}
	return nil
}
