package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "ROWSYNC_CONFIG"
	EnvEndpoint = "ROWSYNC_ENDPOINT"
	EnvClientID = "ROWSYNC_CLIENT_ID"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // ROWSYNC_CONFIG: override config file path
	Endpoint   string // ROWSYNC_ENDPOINT: remote endpoint URL
	ClientID   string // ROWSYNC_CLIENT_ID: fixed client identity
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Endpoint:   os.Getenv(EnvEndpoint),
		ClientID:   os.Getenv(EnvClientID),
	}
}
