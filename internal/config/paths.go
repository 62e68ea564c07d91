package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "rowsync"

// File names inside the config and data directories.
const (
	configFileName = "config.toml"
	sqliteFileName = "state.db"
	boltFileName   = "state.bolt"
	pidFileName    = "rowsync.pid"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/rowsync).
// On macOS, uses ~/Library/Application Support/rowsync per Apple guidelines.
// Other platforms fall back to ~/.config/rowsync.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxConfigDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// linuxConfigDir returns the XDG-compliant config directory for Linux.
func linuxConfigDir(home string) string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".config", appName)
}

// DefaultDataDir returns the platform-specific directory for application data
// (state database, PID file, logs).
// On Linux, respects XDG_DATA_HOME (defaults to ~/.local/share/rowsync).
// On macOS, uses ~/Library/Application Support/rowsync (macOS convention
// collapses config and data into one directory).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxDataDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

// linuxDataDir returns the XDG-compliant data directory for Linux.
func linuxDataDir(home string) string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".local", "share", appName)
}

// DefaultConfigPath returns the full path to the default config file.
// This is used as the fallback when neither ROWSYNC_CONFIG nor
// --config is specified.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// StatePath returns the state database path for the configured backend.
// The sqlite and bolt files have different names so switching backends
// never opens one format as the other.
func (c *Config) StatePath() string {
	dir := c.State.Dir
	if dir == "" {
		dir = DefaultDataDir()
	}

	name := sqliteFileName
	if c.State.Backend == backendBolt {
		name = boltFileName
	}

	return filepath.Join(dir, name)
}

// PIDPath returns the PID file used by "rowsync sync". It lives beside the
// state database so one state directory has at most one daemon.
func (c *Config) PIDPath() string {
	return filepath.Join(filepath.Dir(c.StatePath()), pidFileName)
}
