// Package state persists the client's local cache and offline queue across
// restarts. Two backends are available: SQLite (schema managed by goose)
// and bbolt. Both expose the same small key/value contract; Cache layers
// the typed rowsync keys on top.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("state: unknown backend")

// Backend is a durable key/value store. Implementations must make PutMany
// atomic: either every key is written or none is.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	PutMany(ctx context.Context, kv map[string][]byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open creates the parent directory of path and opens the named backend.
func Open(ctx context.Context, backend, path string, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("state: creating directory for %s: %w", path, err)
	}

	switch backend {
	case BackendSQLite, "":
		return OpenSQLite(ctx, path, logger)
	case BackendBolt:
		return OpenBolt(path, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}
