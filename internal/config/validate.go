package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/tonimelisma/rowsync/internal/conflict"
)

// Validation range constants.
const (
	minPollInterval      = 500 * time.Millisecond
	minTickInterval      = 100 * time.Millisecond
	minConnectTimeout    = 1 * time.Second
	minDataTimeout       = 5 * time.Second
	minLogRetention      = 1
	minQueueSize         = 1
	maxQueueSize         = 100_000
	minBatchSize         = 1
	maxReconnectAttempts = 20
)

// State backend names.
const (
	backendSQLite = "sqlite"
	backendBolt   = "bolt"
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validatePolling(&cfg.Polling)...)
	errs = append(errs, validateActivity(&cfg.Activity)...)
	errs = append(errs, validateOffline(&cfg.Offline)...)
	errs = append(errs, validateRealtime(&cfg.Realtime)...)
	errs = append(errs, validateState(&cfg.State)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	return errors.Join(errs...)
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if s.Endpoint != "" {
		errs = append(errs, validateURL("sync.endpoint", s.Endpoint, "http", "https")...)
	}

	if s.RealtimeURL != "" {
		errs = append(errs, validateURL("sync.realtime_url", s.RealtimeURL, "ws", "wss")...)
	}

	if _, err := conflict.ParseStrategy(s.ConflictStrategy); err != nil {
		errs = append(errs, fmt.Errorf("sync.conflict_strategy: %w", err))
	}

	return errs
}

func validateURL(field, raw string, schemes ...string) []error {
	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid URL %q: %w", field, raw, err)}
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return []error{fmt.Errorf("%s: must be an absolute %v URL, got %q", field, schemes, raw)}
}

func validatePolling(p *PollingConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("polling.active_interval", p.ActiveInterval, minPollInterval)...)
	errs = append(errs, validateDurationMin("polling.normal_interval", p.NormalInterval, minPollInterval)...)
	errs = append(errs, validateDurationMin("polling.idle_interval", p.IdleInterval, minPollInterval)...)
	errs = append(errs, validateDurationMin("polling.baseline_interval", p.BaselineInterval, minPollInterval)...)

	return errs
}

func validateActivity(a *ActivityConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("activity.tick_interval", a.TickInterval, minTickInterval)...)
	errs = append(errs, validateDurationMin("activity.active_window", a.ActiveWindow, 0)...)
	errs = append(errs, validateDurationMin("activity.idle_after", a.IdleAfter, 0)...)
	errs = append(errs, validateDurationMin("activity.edit_override", a.EditOverride, 0)...)

	if a.DecayFactor <= 0 || a.DecayFactor > 1 {
		errs = append(errs, fmt.Errorf("activity.decay_factor: must be in (0, 1], got %g", a.DecayFactor))
	}

	if a.ActiveScore <= 0 {
		errs = append(errs, fmt.Errorf("activity.active_score: must be > 0, got %g", a.ActiveScore))
	}

	active, errA := time.ParseDuration(a.ActiveWindow)
	idle, errI := time.ParseDuration(a.IdleAfter)

	if errA == nil && errI == nil && idle < active {
		errs = append(errs, fmt.Errorf("activity.idle_after (%s) must not be shorter than activity.active_window (%s)",
			idle, active))
	}

	return errs
}

func validateOffline(o *OfflineConfig) []error {
	var errs []error

	if o.MaxQueueSize < minQueueSize || o.MaxQueueSize > maxQueueSize {
		errs = append(errs, fmt.Errorf("offline.max_queue_size: must be between %d and %d, got %d",
			minQueueSize, maxQueueSize, o.MaxQueueSize))
	}

	if o.BatchSize < minBatchSize {
		errs = append(errs, fmt.Errorf("offline.batch_size: must be >= %d, got %d", minBatchSize, o.BatchSize))
	}

	errs = append(errs, validateDurationMin("offline.debounce", o.Debounce, 0)...)
	errs = append(errs, validateDurationMin("offline.retry_delay", o.RetryDelay, time.Second)...)
	errs = append(errs, validateDurationMin("offline.sweep_interval", o.SweepInterval, time.Second)...)

	return errs
}

func validateRealtime(r *RealtimeConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("realtime.connect_timeout", r.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("realtime.heartbeat_interval", r.HeartbeatInterval, time.Second)...)
	errs = append(errs, validateDurationMin("realtime.reconnect_base", r.ReconnectBase, 100*time.Millisecond)...)

	if r.MaxReconnectAttempts < 0 || r.MaxReconnectAttempts > maxReconnectAttempts {
		errs = append(errs, fmt.Errorf("realtime.max_reconnect_attempts: must be between 0 and %d, got %d",
			maxReconnectAttempts, r.MaxReconnectAttempts))
	}

	return errs
}

func validateState(s *StateConfig) []error {
	if s.Backend != backendSQLite && s.Backend != backendBolt {
		return []error{fmt.Errorf("state.backend: must be one of %s, %s; got %q", backendSQLite, backendBolt, s.Backend)}
	}

	return nil
}

func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("logging.log_retention_days: must be >= %d, got %d",
			minLogRetention, l.LogRetentionDays))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("network.connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("network.data_timeout", n.DataTimeout, minDataTimeout)...)

	return errs
}

// Duration parses a validated duration field. Values that fail to parse
// (only possible for a Config that skipped Validate) yield fallback.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}

	return d
}
