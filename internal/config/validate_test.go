package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Defaults(t *testing.T) {
	t.Parallel()

	require.NoError(t, Validate(DefaultConfig()))
}

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"endpoint scheme", func(c *Config) { c.Sync.Endpoint = "ws://example.com" }, "sync.endpoint"},
		{"endpoint relative", func(c *Config) { c.Sync.Endpoint = "/api" }, "sync.endpoint"},
		{"realtime scheme", func(c *Config) { c.Sync.RealtimeURL = "https://example.com/ws" }, "sync.realtime_url"},
		{"strategy", func(c *Config) { c.Sync.ConflictStrategy = "last-write" }, "sync.conflict_strategy"},
		{"poll too fast", func(c *Config) { c.Polling.ActiveInterval = "10ms" }, "polling.active_interval"},
		{"poll unparsable", func(c *Config) { c.Polling.IdleInterval = "soon" }, "polling.idle_interval"},
		{"decay zero", func(c *Config) { c.Activity.DecayFactor = 0 }, "activity.decay_factor"},
		{"decay above one", func(c *Config) { c.Activity.DecayFactor = 1.5 }, "activity.decay_factor"},
		{"score", func(c *Config) { c.Activity.ActiveScore = -1 }, "activity.active_score"},
		{"idle before active", func(c *Config) { c.Activity.IdleAfter = "5s" }, "activity.idle_after"},
		{"queue size", func(c *Config) { c.Offline.MaxQueueSize = 0 }, "offline.max_queue_size"},
		{"batch size", func(c *Config) { c.Offline.BatchSize = 0 }, "offline.batch_size"},
		{"retry delay", func(c *Config) { c.Offline.RetryDelay = "10ms" }, "offline.retry_delay"},
		{"reconnects", func(c *Config) { c.Realtime.MaxReconnectAttempts = -1 }, "realtime.max_reconnect_attempts"},
		{"reconnect base", func(c *Config) { c.Realtime.ReconnectBase = "1ms" }, "realtime.reconnect_base"},
		{"backend", func(c *Config) { c.State.Backend = "redis" }, "state.backend"},
		{"log level", func(c *Config) { c.Logging.LogLevel = "trace" }, "logging.log_level"},
		{"log format", func(c *Config) { c.Logging.LogFormat = "xml" }, "logging.log_format"},
		{"retention", func(c *Config) { c.Logging.LogRetentionDays = 0 }, "logging.log_retention_days"},
		{"data timeout", func(c *Config) { c.Network.DataTimeout = "1s" }, "network.data_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_AcceptsOptionalURLs(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Sync.Endpoint = "http://localhost:8080/api"
	cfg.Sync.RealtimeURL = "ws://localhost:8080/ws"
	cfg.Sync.ConflictStrategy = "client-wins"
	cfg.Offline.Debounce = "0s"

	assert.NoError(t, Validate(cfg))
}

func TestDuration(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 3*time.Second, Duration("3s", time.Minute))
	assert.Equal(t, time.Minute, Duration("bogus", time.Minute))
}
