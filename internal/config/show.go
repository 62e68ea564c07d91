package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command, giving
// users visibility into the effective values after all four override layers
// (defaults -> file -> env -> CLI) have been applied.
func RenderEffective(cfg *Config, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration\n\n")

	renderSyncSection(ew, &cfg.Sync)
	renderPollingSection(ew, &cfg.Polling)
	renderActivitySection(ew, &cfg.Activity)
	renderOfflineSection(ew, &cfg.Offline)
	renderRealtimeSection(ew, &cfg.Realtime)
	renderStateSection(ew, cfg)
	renderLoggingSection(ew, &cfg.Logging)
	renderNetworkSection(ew, &cfg.Network)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderSyncSection(ew *errWriter, s *SyncConfig) {
	ew.printf("[sync]\n")
	ew.printf("  endpoint          = %q\n", s.Endpoint)

	if s.ClientID != "" {
		ew.printf("  client_id         = %q\n", s.ClientID)
	} else {
		ew.printf("  client_id         = (generated)\n")
	}

	if s.RealtimeURL != "" {
		ew.printf("  realtime_url      = %q\n", s.RealtimeURL)
	}

	ew.printf("  conflict_strategy = %q\n", s.ConflictStrategy)
	ew.printf("\n")
}

func renderPollingSection(ew *errWriter, p *PollingConfig) {
	ew.printf("[polling]\n")
	ew.printf("  active_interval   = %q\n", p.ActiveInterval)
	ew.printf("  normal_interval   = %q\n", p.NormalInterval)
	ew.printf("  idle_interval     = %q\n", p.IdleInterval)
	ew.printf("  baseline_interval = %q\n", p.BaselineInterval)
	ew.printf("  idle_probe        = %t\n", p.IdleProbe)
	ew.printf("\n")
}

func renderActivitySection(ew *errWriter, a *ActivityConfig) {
	ew.printf("[activity]\n")
	ew.printf("  tick_interval = %q\n", a.TickInterval)
	ew.printf("  decay_factor  = %g\n", a.DecayFactor)
	ew.printf("  active_window = %q\n", a.ActiveWindow)
	ew.printf("  idle_after    = %q\n", a.IdleAfter)
	ew.printf("  edit_override = %q\n", a.EditOverride)
	ew.printf("  active_score  = %g\n", a.ActiveScore)
	ew.printf("\n")
}

func renderOfflineSection(ew *errWriter, o *OfflineConfig) {
	ew.printf("[offline]\n")
	ew.printf("  max_queue_size = %d\n", o.MaxQueueSize)
	ew.printf("  batch_size     = %d\n", o.BatchSize)
	ew.printf("  debounce       = %q\n", o.Debounce)
	ew.printf("  retry_delay    = %q\n", o.RetryDelay)
	ew.printf("  sweep_interval = %q\n", o.SweepInterval)
	ew.printf("\n")
}

func renderRealtimeSection(ew *errWriter, r *RealtimeConfig) {
	ew.printf("[realtime]\n")
	ew.printf("  enabled                = %t\n", r.Enabled)
	ew.printf("  connect_timeout        = %q\n", r.ConnectTimeout)
	ew.printf("  heartbeat_interval     = %q\n", r.HeartbeatInterval)
	ew.printf("  reconnect_base         = %q\n", r.ReconnectBase)
	ew.printf("  max_reconnect_attempts = %d\n", r.MaxReconnectAttempts)
	ew.printf("\n")
}

func renderStateSection(ew *errWriter, cfg *Config) {
	ew.printf("[state]\n")
	ew.printf("  backend = %q\n", cfg.State.Backend)
	ew.printf("  path    = %q\n", cfg.StatePath())
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  log_level          = %q\n", l.LogLevel)
	ew.printf("  log_format         = %q\n", l.LogFormat)
	ew.printf("  log_retention_days = %d\n", l.LogRetentionDays)

	if l.LogFile != "" {
		ew.printf("  log_file           = %q\n", l.LogFile)
	}

	ew.printf("\n")
}

func renderNetworkSection(ew *errWriter, n *NetworkConfig) {
	ew.printf("[network]\n")
	ew.printf("  connect_timeout = %q\n", n.ConnectTimeout)
	ew.printf("  data_timeout    = %q\n", n.DataTimeout)
	ew.printf("  force_http_11   = %t\n", n.ForceHTTP11)

	if n.UserAgent != "" {
		ew.printf("  user_agent      = %q\n", n.UserAgent)
	}
}
