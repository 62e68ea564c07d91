// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for rowsync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
// Durations are stored as strings in Go duration syntax ("3s", "1m30s") and
// parsed by the components that consume them.
package config

// Config is the top-level configuration structure parsed from a TOML file.
// Every field lives in a named section.
type Config struct {
	Sync     SyncConfig     `toml:"sync"`
	Polling  PollingConfig  `toml:"polling"`
	Activity ActivityConfig `toml:"activity"`
	Offline  OfflineConfig  `toml:"offline"`
	Realtime RealtimeConfig `toml:"realtime"`
	State    StateConfig    `toml:"state"`
	Logging  LoggingConfig  `toml:"logging"`
	Network  NetworkConfig  `toml:"network"`
}

// SyncConfig identifies the remote and the conflict policy. An empty
// client_id means "generate one and remember it in the state database".
type SyncConfig struct {
	Endpoint         string `toml:"endpoint"`
	ClientID         string `toml:"client_id"`
	RealtimeURL      string `toml:"realtime_url"`
	ConflictStrategy string `toml:"conflict_strategy"`
}

// PollingConfig sets the poll interval for each activity state. The
// baseline is the fixed interval a naive poller would use and only feeds
// the polls-saved statistic.
type PollingConfig struct {
	ActiveInterval   string `toml:"active_interval"`
	NormalInterval   string `toml:"normal_interval"`
	IdleInterval     string `toml:"idle_interval"`
	BaselineInterval string `toml:"baseline_interval"`
	IdleProbe        bool   `toml:"idle_probe"`
}

// ActivityConfig tunes the activity score.
type ActivityConfig struct {
	TickInterval string  `toml:"tick_interval"`
	DecayFactor  float64 `toml:"decay_factor"`
	ActiveWindow string  `toml:"active_window"`
	IdleAfter    string  `toml:"idle_after"`
	EditOverride string  `toml:"edit_override"`
	ActiveScore  float64 `toml:"active_score"`
}

// OfflineConfig bounds the offline change queue.
type OfflineConfig struct {
	MaxQueueSize  int    `toml:"max_queue_size"`
	BatchSize     int    `toml:"batch_size"`
	Debounce      string `toml:"debounce"`
	RetryDelay    string `toml:"retry_delay"`
	SweepInterval string `toml:"sweep_interval"`
}

// RealtimeConfig controls the socket transport. It is only used when
// enabled and sync.realtime_url is set.
type RealtimeConfig struct {
	Enabled              bool   `toml:"enabled"`
	ConnectTimeout       string `toml:"connect_timeout"`
	HeartbeatInterval    string `toml:"heartbeat_interval"`
	ReconnectBase        string `toml:"reconnect_base"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
}

// StateConfig selects where cached rows and the pending queue are kept.
// An empty dir means the platform data directory.
type StateConfig struct {
	Backend string `toml:"backend"`
	Dir     string `toml:"dir"`
}

// LoggingConfig controls log output behavior: level, format, and rotation.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level"`
	LogFile          string `toml:"log_file"`
	LogFormat        string `toml:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days"`
}

// NetworkConfig controls HTTP client behavior: timeouts, user agent, and
// protocol version. force_http_11 is useful behind proxies that don't
// support HTTP/2.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
	ForceHTTP11    bool   `toml:"force_http_11"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	Endpoint   *string // --endpoint flag
	ClientID   *string // --client-id flag
	NoRealtime *bool   // --no-realtime flag
}
