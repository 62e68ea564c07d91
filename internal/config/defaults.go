package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain and work without any config file except
// for the endpoint, which has no sensible default.
const (
	defaultConflictStrategy     = "server-wins"
	defaultActiveInterval       = "3s"
	defaultNormalInterval       = "10s"
	defaultIdleInterval         = "30s"
	defaultBaselineInterval     = "10s"
	defaultTickInterval         = "1s"
	defaultDecayFactor          = 0.95
	defaultActiveWindow         = "10s"
	defaultIdleAfter            = "30s"
	defaultEditOverride         = "5s"
	defaultActiveScore          = 10
	defaultMaxQueueSize         = 100
	defaultBatchSize            = 10
	defaultDebounce             = "1s"
	defaultRetryDelay           = "5s"
	defaultSweepInterval        = "30s"
	defaultRealtimeConnect      = "10s"
	defaultHeartbeatInterval    = "30s"
	defaultReconnectBase        = "1s"
	defaultMaxReconnectAttempts = 5
	defaultStateBackend         = "sqlite"
	defaultLogLevel             = "info"
	defaultLogFormat            = "auto"
	defaultLogRetentionDays     = 30
	defaultConnectTimeout       = "10s"
	defaultDataTimeout          = "60s"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Sync:     defaultSyncConfig(),
		Polling:  defaultPollingConfig(),
		Activity: defaultActivityConfig(),
		Offline:  defaultOfflineConfig(),
		Realtime: defaultRealtimeConfig(),
		State:    defaultStateConfig(),
		Logging:  defaultLoggingConfig(),
		Network:  defaultNetworkConfig(),
	}
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		ConflictStrategy: defaultConflictStrategy,
	}
}

func defaultPollingConfig() PollingConfig {
	return PollingConfig{
		ActiveInterval:   defaultActiveInterval,
		NormalInterval:   defaultNormalInterval,
		IdleInterval:     defaultIdleInterval,
		BaselineInterval: defaultBaselineInterval,
		IdleProbe:        true,
	}
}

func defaultActivityConfig() ActivityConfig {
	return ActivityConfig{
		TickInterval: defaultTickInterval,
		DecayFactor:  defaultDecayFactor,
		ActiveWindow: defaultActiveWindow,
		IdleAfter:    defaultIdleAfter,
		EditOverride: defaultEditOverride,
		ActiveScore:  defaultActiveScore,
	}
}

func defaultOfflineConfig() OfflineConfig {
	return OfflineConfig{
		MaxQueueSize:  defaultMaxQueueSize,
		BatchSize:     defaultBatchSize,
		Debounce:      defaultDebounce,
		RetryDelay:    defaultRetryDelay,
		SweepInterval: defaultSweepInterval,
	}
}

func defaultRealtimeConfig() RealtimeConfig {
	return RealtimeConfig{
		Enabled:              true,
		ConnectTimeout:       defaultRealtimeConnect,
		HeartbeatInterval:    defaultHeartbeatInterval,
		ReconnectBase:        defaultReconnectBase,
		MaxReconnectAttempts: defaultMaxReconnectAttempts,
	}
}

func defaultStateConfig() StateConfig {
	return StateConfig{
		Backend: defaultStateBackend,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:         defaultLogLevel,
		LogFormat:        defaultLogFormat,
		LogRetentionDays: defaultLogRetentionDays,
	}
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ConnectTimeout: defaultConnectTimeout,
		DataTimeout:    defaultDataTimeout,
	}
}
