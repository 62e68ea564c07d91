package config

import "sync"

// Holder provides thread-safe access to a mutable *Config and an immutable
// config file path. The engine and the file watcher share one Holder, so a
// reload updates config in exactly one place.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	env  EnvOverrides
	cli  CLIOverrides
	path string // immutable after construction
}

// NewHolder creates a Holder with the initial config and config file path.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{
		cfg:  cfg,
		path: path,
	}
}

// Config returns the current config snapshot. Thread-safe (read lock).
func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file path.
func (h *Holder) Path() string {
	return h.path
}

// Update replaces the config. Thread-safe (write lock).
func (h *Holder) Update(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
}

// SetOverrides records the env and CLI layers that produced the current
// config so Reload can apply them again.
func (h *Holder) SetOverrides(env EnvOverrides, cli CLIOverrides) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.env = env
	h.cli = cli
}

// Reload re-reads the config file, re-applies the recorded overrides, and
// makes the result current. On error the current config stays in effect.
func (h *Holder) Reload() (*Config, error) {
	cfg, err := Load(h.path)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := applyOverrides(cfg, h.env, h.cli); err != nil {
		return nil, err
	}

	h.cfg = cfg

	return cfg, nil
}
