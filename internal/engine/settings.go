package engine

import (
	"github.com/tonimelisma/rowsync/internal/activity"
	"github.com/tonimelisma/rowsync/internal/config"
	"github.com/tonimelisma/rowsync/internal/offline"
	"github.com/tonimelisma/rowsync/internal/poll"
	"github.com/tonimelisma/rowsync/internal/realtime"
	"github.com/tonimelisma/rowsync/internal/remote"
)

// The functions below translate validated config sections into component
// settings. Durations fall back to the component defaults so a Config that
// skipped validation still produces a working engine.

func activitySettings(c *config.ActivityConfig) activity.Config {
	def := activity.DefaultConfig()

	return activity.Config{
		TickInterval: config.Duration(c.TickInterval, def.TickInterval),
		DecayFactor:  c.DecayFactor,
		ActiveWindow: config.Duration(c.ActiveWindow, def.ActiveWindow),
		IdleAfter:    config.Duration(c.IdleAfter, def.IdleAfter),
		EditOverride: config.Duration(c.EditOverride, def.EditOverride),
		ActiveScore:  c.ActiveScore,
	}
}

func pollIntervals(c *config.PollingConfig) poll.Intervals {
	def := poll.DefaultIntervals()

	return poll.Intervals{
		Active: config.Duration(c.ActiveInterval, def.Active),
		Normal: config.Duration(c.NormalInterval, def.Normal),
		Idle:   config.Duration(c.IdleInterval, def.Idle),
	}
}

func offlineSettings(c *config.OfflineConfig) offline.Config {
	def := offline.DefaultConfig()

	return offline.Config{
		MaxQueueSize:  c.MaxQueueSize,
		BatchSize:     c.BatchSize,
		Debounce:      config.Duration(c.Debounce, def.Debounce),
		RetryDelay:    config.Duration(c.RetryDelay, def.RetryDelay),
		SweepInterval: config.Duration(c.SweepInterval, def.SweepInterval),
	}
}

func realtimeSettings(cfg *config.Config) realtime.Config {
	def := realtime.DefaultConfig()
	c := &cfg.Realtime

	return realtime.Config{
		URL:                  cfg.Sync.RealtimeURL,
		ConnectTimeout:       config.Duration(c.ConnectTimeout, def.ConnectTimeout),
		HeartbeatInterval:    config.Duration(c.HeartbeatInterval, def.HeartbeatInterval),
		ReconnectBase:        config.Duration(c.ReconnectBase, def.ReconnectBase),
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		UserAgent:            cfg.Network.UserAgent,
	}
}

func transportSettings(c *config.NetworkConfig) remote.TransportOptions {
	return remote.TransportOptions{
		ConnectTimeout: config.Duration(c.ConnectTimeout, defaultConnectTimeout),
		DataTimeout:    config.Duration(c.DataTimeout, defaultDataTimeout),
		ForceHTTP11:    c.ForceHTTP11,
	}
}
