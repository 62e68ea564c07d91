package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors produce when
// saving (truncate, write, chmod, rename-over).
const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the config file when it changes on disk and publishes
// the new value, overrides included, through a Holder. Invalid files are logged and ignored;
// the previous config stays in effect.
type Watcher struct {
	holder   *Holder
	onChange func(*Config)
	logger   *slog.Logger
	debounce time.Duration
}

// NewWatcher creates a Watcher for holder's path. onChange is called after
// each successful reload; it may be nil.
func NewWatcher(holder *Holder, onChange func(*Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		holder:   holder,
		onChange: onChange,
		logger:   logger,
		debounce: reloadDebounce,
	}
}

// Run watches until ctx is canceled. The directory is watched rather than
// the file so atomic rename-over saves keep being observed.
func (w *Watcher) Run(ctx context.Context) error {
	path := w.holder.Path()
	if path == "" {
		<-ctx.Done()
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("config: watching %s: %w", dir, err)
	}

	w.logger.Debug("watching config file", slog.String("path", path))

	target := filepath.Clean(path)

	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != target {
				continue
			}

			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(w.debounce)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("config watcher error", slog.String("error", err.Error()))

		case <-pending:
			pending = nil
			w.reload(path)
		}
	}
}

func (w *Watcher) reload(path string) {
	cfg, err := w.holder.Reload()
	if err != nil {
		w.logger.Warn("ignoring invalid config change",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	w.logger.Info("config reloaded", slog.String("path", path))

	if w.onChange != nil {
		w.onChange(cfg)
	}
}
