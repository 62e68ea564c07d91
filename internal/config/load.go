package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are treated as fatal errors with "did you
// mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags. It returns
// the validated config and the path it was (or would have been) read from.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, string, error) {
	// Config path: CLI > env > default.
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	if err := applyOverrides(cfg, env, cli); err != nil {
		return nil, cfgPath, err
	}

	return cfg, cfgPath, nil
}

// applyOverrides layers env then CLI values onto cfg. Overrides bypass
// Load's validation, so the merged result is checked again.
func applyOverrides(cfg *Config, env EnvOverrides, cli CLIOverrides) error {
	if env.Endpoint != "" {
		cfg.Sync.Endpoint = env.Endpoint
	}

	if env.ClientID != "" {
		cfg.Sync.ClientID = env.ClientID
	}

	if cli.Endpoint != nil {
		cfg.Sync.Endpoint = *cli.Endpoint
	}

	if cli.ClientID != nil {
		cfg.Sync.ClientID = *cli.ClientID
	}

	if cli.NoRealtime != nil && *cli.NoRealtime {
		cfg.Realtime.Enabled = false
	}

	if err := Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	return nil
}
