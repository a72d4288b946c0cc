package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Addr:               ":8080",
		MaxConnections:     1000,
		HeartbeatInterval:  30 * time.Second,
		PingInterval:       25 * time.Second,
		ReconnectWindow:    5 * time.Minute,
		MessageBudget:      100,
		MessageWindow:      time.Minute,
		UpstreamBurst:      10,
		UpstreamRefillRate: 1.0,
		UpstreamMaxRetries: 5,
		CPURejectThreshold: 75,
		CPUPauseThreshold:  80,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }, "FPL_ADDR"},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }, "FPL_MAX_CONNECTIONS"},
		{"zero message budget", func(c *Config) { c.MessageBudget = 0 }, "FPL_MESSAGE_BUDGET"},
		{"tiny reconnect window", func(c *Config) { c.ReconnectWindow = 100 * time.Millisecond }, "FPL_RECONNECT_WINDOW"},
		{"zero burst", func(c *Config) { c.UpstreamBurst = 0 }, "FPL_UPSTREAM_BURST"},
		{"zero refill rate", func(c *Config) { c.UpstreamRefillRate = 0 }, "FPL_UPSTREAM_REFILL_RATE"},
		{"negative retries", func(c *Config) { c.UpstreamMaxRetries = -1 }, "FPL_UPSTREAM_MAX_RETRIES"},
		{"cpu threshold over 100", func(c *Config) { c.CPURejectThreshold = 101 }, "FPL_CPU_REJECT_THRESHOLD"},
		{"negative pause threshold", func(c *Config) { c.CPUPauseThreshold = -1 }, "FPL_CPU_PAUSE_THRESHOLD"},
		{"ping slower than dead window", func(c *Config) { c.PingInterval = 2 * time.Minute }, "FPL_PING_INTERVAL"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "LOG_LEVEL"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("FPL_ADDR", ":9090")
	t.Setenv("FPL_MAX_CONNECTIONS", "250")
	t.Setenv("FPL_POLL_INTERVAL", "0")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 250, cfg.MaxConnections)
	assert.Equal(t, time.Duration(0), cfg.PollInterval)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Untouched fields fall back to defaults.
	assert.Equal(t, 100, cfg.MessageBudget)
	assert.Equal(t, "FPL_LIVE", cfg.NATSStream)
}

func TestLoadRejectsInvalidEnvironment(t *testing.T) {
	t.Setenv("FPL_MAX_CONNECTIONS", "0")
	_, err := Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation")
}
