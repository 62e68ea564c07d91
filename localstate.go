package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tonimelisma/rowsync/internal/config"
	"github.com/tonimelisma/rowsync/internal/state"
)

// errNoState means no sync has run yet for this state directory.
var errNoState = errors.New("no local state yet: run 'rowsync sync' first")

// openCache opens the persisted state for reading without starting an
// engine. It never creates a database: a missing file is errNoState.
func openCache(ctx context.Context, cc *CLIContext) (*state.Cache, func(), error) {
	path := cc.Cfg.StatePath()

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, errNoState
		}

		return nil, nil, fmt.Errorf("checking state database: %w", err)
	}

	backend, err := state.Open(ctx, cc.Cfg.State.Backend, path, cc.Logger)
	if err != nil {
		if pid := daemonPID(cc.Cfg.PIDPath()); pid != 0 {
			return nil, nil, fmt.Errorf("state database is held by rowsync sync (PID %d): %w", pid, err)
		}

		return nil, nil, err
	}

	closeFn := func() {
		if err := backend.Close(); err != nil {
			cc.Logger.Warn("closing state database", "error", err)
		}
	}

	return state.NewCache(backend), closeFn, nil
}

// refuseIfDaemon fails when a "rowsync sync" process owns the state
// directory. One-shot commands that write state must not race it.
func refuseIfDaemon(cfg *config.Config) error {
	if pid := daemonPID(cfg.PIDPath()); pid != 0 {
		return fmt.Errorf("%w (PID %d): use the interactive prompt of that process instead", errDaemonRunning, pid)
	}

	return nil
}
