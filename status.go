package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// statusReport is the machine-readable form of "rowsync status".
type statusReport struct {
	Endpoint   string    `json:"endpoint"`
	ClientID   string    `json:"client_id,omitempty"`
	StatePath  string    `json:"state_path"`
	StateSize  int64     `json:"state_size"`
	HasState   bool      `json:"has_state"`
	Version    string    `json:"version,omitempty"`
	Rows       int       `json:"rows"`
	CachedAt   time.Time `json:"cached_at,omitzero"`
	Pending    int       `json:"pending"`
	DaemonPID  int       `json:"daemon_pid,omitempty"`
	Realtime   bool      `json:"realtime"`
	Strategy   string    `json:"conflict_strategy"`
	StateError string    `json:"state_error,omitempty"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the cached version, pending changes, and daemon state",
		Long: `Display what the local cache holds without contacting the server.

Shows the cached version and row count, how long ago the cache was saved,
how many local changes are waiting to be pushed, and whether a sync daemon
is running.`,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	report := statusReport{
		Endpoint:  cc.Cfg.Sync.Endpoint,
		ClientID:  cc.Cfg.Sync.ClientID,
		StatePath: cc.Cfg.StatePath(),
		DaemonPID: daemonPID(cc.Cfg.PIDPath()),
		Realtime:  cc.Cfg.Realtime.Enabled && cc.Cfg.Sync.RealtimeURL != "",
		Strategy:  cc.Cfg.Sync.ConflictStrategy,
	}

	if fi, err := os.Stat(report.StatePath); err == nil {
		report.StateSize = fi.Size()
	}

	if err := fillFromCache(cmd, cc, &report); err != nil {
		if !errors.Is(err, errNoState) {
			report.StateError = err.Error()
		}
	}

	if cc.Flags.JSON {
		return printStatusJSON(cmd.OutOrStdout(), &report)
	}

	return printStatusText(cmd.OutOrStdout(), &report, time.Now())
}

func fillFromCache(cmd *cobra.Command, cc *CLIContext, report *statusReport) error {
	cache, closeFn, err := openCache(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer closeFn()

	report.HasState = true

	if report.ClientID == "" {
		if report.ClientID, err = cache.ClientID(cmd.Context()); err != nil {
			return err
		}
	}

	snap, err := cache.LoadSnapshot(cmd.Context())
	if err != nil {
		return err
	}

	if snap != nil {
		report.Version = snap.Version
		report.Rows = len(snap.Rows)
		report.CachedAt = snap.Meta.Timestamp
	}

	queue, err := cache.LoadQueue(cmd.Context())
	if err != nil {
		return err
	}

	report.Pending = len(queue)

	return nil
}

func printStatusJSON(w io.Writer, report *statusReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printStatusText(w io.Writer, r *statusReport, now time.Time) error {
	ew := &errWriter{w: w}

	endpoint := r.Endpoint
	if endpoint == "" {
		endpoint = "(not set)"
	}

	ew.printf("Endpoint:  %s\n", endpoint)

	if r.ClientID != "" {
		ew.printf("Client:    %s\n", r.ClientID)
	}

	switch {
	case r.StateError != "":
		ew.printf("State:     %s (unreadable: %s)\n", r.StatePath, r.StateError)
	case !r.HasState:
		ew.printf("State:     %s (none yet)\n", r.StatePath)
	default:
		ew.printf("State:     %s (%s)\n", r.StatePath, formatSize(r.StateSize))

		version := r.Version
		if version == "" {
			version = "(none)"
		}

		ew.printf("Version:   %s\n", version)
		ew.printf("Rows:      %d (saved %s)\n", r.Rows, formatAge(r.CachedAt, now))
		ew.printf("Pending:   %d\n", r.Pending)
	}

	ew.printf("Strategy:  %s\n", r.Strategy)

	if r.Realtime {
		ew.printf("Realtime:  enabled\n")
	} else {
		ew.printf("Realtime:  disabled (polling only)\n")
	}

	if r.DaemonPID != 0 {
		ew.printf("Daemon:    running (PID %d)\n", r.DaemonPID)
	} else {
		ew.printf("Daemon:    not running\n")
	}

	return ew.err
}

// errWriter remembers the first write error so a run of printf calls can be
// checked once at the end.
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
