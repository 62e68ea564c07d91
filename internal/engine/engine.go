// Package engine assembles the sync components into one running client:
// the local store and its persisted cache, the delta manager, the activity
// tracker and adaptive poller, the offline queue, and the optional realtime
// transport. Every dependency is constructed here and passed explicitly;
// components talk to each other through the event bus and narrow
// interfaces.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/rowsync/internal/activity"
	"github.com/tonimelisma/rowsync/internal/config"
	"github.com/tonimelisma/rowsync/internal/conflict"
	"github.com/tonimelisma/rowsync/internal/delta"
	"github.com/tonimelisma/rowsync/internal/events"
	"github.com/tonimelisma/rowsync/internal/offline"
	"github.com/tonimelisma/rowsync/internal/poll"
	"github.com/tonimelisma/rowsync/internal/realtime"
	"github.com/tonimelisma/rowsync/internal/remote"
	"github.com/tonimelisma/rowsync/internal/sheet"
	"github.com/tonimelisma/rowsync/internal/state"
	"github.com/tonimelisma/rowsync/internal/store"
)

// ErrNoEndpoint is returned by New when no sync endpoint is configured.
var ErrNoEndpoint = errors.New("engine: no sync endpoint configured")

const (
	defaultConnectTimeout = 10 * time.Second
	defaultDataTimeout    = 60 * time.Second
	snapshotTimeout       = 5 * time.Second
)

// Notifier receives user-facing messages: server notifications, resolved
// conflicts, and transport fallback.
type Notifier func(level, message string)

// Options configures an Engine. Config is required.
type Options struct {
	Config *config.Config

	// Holder enables config hot reload in Run. Optional.
	Holder *config.Holder

	// HTTPClient overrides the client built from the [network] section.
	HTTPClient *http.Client

	Renderer delta.Renderer
	Notifier Notifier
	Logger   *slog.Logger
}

// Stats aggregates every component's counters.
type Stats struct {
	ClientID string
	Version  string
	Rows     int
	Strategy conflict.Strategy
	Delta    delta.Stats
	Poll     poll.Stats
	Activity activity.Stats
	Offline  offline.Stats
	Realtime *realtime.Stats
}

// Engine is a fully wired sync client. Safe for concurrent use.
type Engine struct {
	logger   *slog.Logger
	holder   *config.Holder
	renderer delta.Renderer
	notifier Notifier

	clientID string
	backend  state.Backend
	cache    *state.Cache
	bus      *events.Bus
	store    *store.Store
	client   *remote.Client
	resolver *conflict.Resolver
	delta    *delta.Manager
	tracker  *activity.Tracker
	poller   *poll.Controller
	queue    *offline.Queue
	realtime *realtime.Manager

	unsubscribe []func()
	closeOnce   sync.Once
	closeErr    error
}

// New opens the persisted state, restores the cached rows and pending
// queue, and wires every component. The caller must Close the engine.
func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		panic("engine: New requires a Config")
	}

	if cfg.Sync.Endpoint == "" {
		return nil, ErrNoEndpoint
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backend, err := state.Open(ctx, cfg.State.Backend, cfg.StatePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("engine: opening state: %w", err)
	}

	e, err := assemble(ctx, cfg, backend, opts, logger)
	if err != nil {
		backend.Close()
		return nil, err
	}

	return e, nil
}

func assemble(ctx context.Context, cfg *config.Config, backend state.Backend, opts Options, logger *slog.Logger) (*Engine, error) {
	cache := state.NewCache(backend)

	clientID, err := resolveClientID(ctx, cfg.Sync.ClientID, cache, logger)
	if err != nil {
		return nil, err
	}

	snap, err := cache.LoadSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: loading cached rows: %w", err)
	}

	var (
		rows    []sheet.Row
		version string
	)

	if snap != nil {
		rows, version = snap.Rows, snap.Version
		logger.Info("restored cached rows",
			slog.Int("rows", len(rows)),
			slog.String("version", version),
			slog.Time("saved_at", snap.Meta.Timestamp),
		)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient, err = remote.NewHTTPClient(transportSettings(&cfg.Network))
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}

	strategy, err := conflict.ParseStrategy(cfg.Sync.ConflictStrategy)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		logger:   logger,
		holder:   opts.Holder,
		renderer: opts.Renderer,
		notifier: opts.Notifier,
		clientID: clientID,
		backend:  backend,
		cache:    cache,
		bus:      events.NewBus(logger),
		store:    store.New(rows),
		resolver: conflict.NewResolver(strategy, logger),
	}

	e.client = remote.NewClient(cfg.Sync.Endpoint, clientID, httpClient, logger, cfg.Network.UserAgent)

	e.delta = delta.NewManager(delta.Options{
		ClientID:       clientID,
		Fetcher:        e.client,
		Store:          e.store,
		Resolver:       e.resolver,
		Bus:            e.bus,
		Renderer:       opts.Renderer,
		Logger:         logger,
		InitialVersion: version,
	})

	e.queue = offline.NewQueue(offline.Options{
		Pusher:       e.client,
		State:        cache,
		Store:        e.store,
		Versions:     e.delta,
		Resolver:     e.resolver,
		Bus:          e.bus,
		Config:       offlineSettings(&cfg.Offline),
		Logger:       logger,
		Reachability: e.delta,
	})
	e.delta.SetPending(e.queue)

	if err := e.queue.Restore(ctx); err != nil {
		e.queue.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	e.tracker = activity.NewTracker(activitySettings(&cfg.Activity), e.bus, logger)

	e.poller = poll.NewController(poll.Options{
		Syncer:    e.delta,
		Prober:    e.delta,
		Bus:       e.bus,
		Intervals: pollIntervals(&cfg.Polling),
		Baseline:  config.Duration(cfg.Polling.BaselineInterval, poll.DefaultBaseline),
		IdleProbe: cfg.Polling.IdleProbe,
		Logger:    logger,
	})

	if cfg.Realtime.Enabled && cfg.Sync.RealtimeURL != "" {
		e.realtime = realtime.NewManager(realtime.Options{
			ClientID: clientID,
			Versions: e.delta,
			Applier:  e.delta,
			Polling:  e.poller,
			Bus:      e.bus,
			Config:   realtimeSettings(cfg),
			Logger:   logger,
		})
	}

	e.subscribe()

	logger.Info("engine assembled",
		slog.String("client_id", clientID),
		slog.String("endpoint", cfg.Sync.Endpoint),
		slog.String("strategy", string(strategy)),
		slog.Bool("realtime", e.realtime != nil),
		slog.Int("pending", e.queue.Len()),
	)

	return e, nil
}

// resolveClientID prefers the configured id, then the persisted one, and
// otherwise generates and persists a new one.
func resolveClientID(ctx context.Context, configured string, cache *state.Cache, logger *slog.Logger) (string, error) {
	if configured != "" {
		return configured, nil
	}

	id, err := cache.ClientID(ctx)
	if err != nil {
		return "", fmt.Errorf("engine: loading client id: %w", err)
	}

	if id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := cache.SaveClientID(ctx, id); err != nil {
		return "", fmt.Errorf("engine: saving client id: %w", err)
	}

	logger.Info("generated client id", slog.String("client_id", id))

	return id, nil
}

func (e *Engine) subscribe() {
	e.unsubscribe = append(e.unsubscribe,
		events.Subscribe(e.bus, func(events.Applied) {
			e.saveSnapshot()
		}),
		events.Subscribe(e.bus, func(ev events.Notification) {
			e.notify(ev.Level, ev.Message)
		}),
		events.Subscribe(e.bus, func(ev events.ConflictResolved) {
			e.notify("info", fmt.Sprintf("conflict at row %d col %d resolved (%s): %s",
				ev.Row, ev.Col, ev.Strategy, sheet.FormatCell(ev.Value)))
		}),
		events.Subscribe(e.bus, func(ev events.TransportFallback) {
			e.notify("warn", fmt.Sprintf("realtime unavailable after %d attempts, polling instead", ev.Attempts))
		}),
		events.Subscribe(e.bus, func(ev events.ActivityChanged) {
			e.logger.Debug("activity changed", slog.String("from", ev.From), slog.String("to", ev.To))
		}),
	)
}

func (e *Engine) notify(level, message string) {
	if e.notifier != nil {
		e.notifier(level, message)
	}
}

func (e *Engine) saveSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	if err := e.cache.SaveSnapshot(ctx, e.store.Snapshot(), e.delta.Version()); err != nil {
		e.logger.Warn("saving row cache failed", slog.String("error", err.Error()))
	}
}

// Run drives the engine until ctx is canceled: an initial sync, the
// activity ticker, the offline sweep, adaptive polling, the realtime
// transport when configured, and the config watcher when a Holder was
// given. It returns nil on cancellation.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := e.SyncOnce(gctx); err != nil && gctx.Err() == nil {
			e.logger.Warn("initial sync failed", slog.String("error", err.Error()))
		}

		return nil
	})

	g.Go(func() error { return e.tracker.Run(gctx) })
	g.Go(func() error { return e.queue.Run(gctx) })

	e.poller.Start(gctx)

	if e.realtime != nil {
		g.Go(func() error { return e.realtime.Run(gctx) })
	}

	if e.holder != nil {
		w := config.NewWatcher(e.holder, e.Reconfigure, e.logger)

		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				e.logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
			}

			return nil
		})
	}

	e.logger.Info("engine running", slog.String("client_id", e.clientID))

	err := g.Wait()
	e.poller.Stop()

	e.logger.Info("engine stopped")

	return err
}

// SyncOnce fetches and applies one update, then flushes the offline queue.
// Both halves run even if the first fails.
func (e *Engine) SyncOnce(ctx context.Context) error {
	fetchErr := e.delta.SyncOnce(ctx)

	var pushErr error

	if e.queue.Len() > 0 && e.queue.Online() {
		if _, err := e.queue.SyncChanges(ctx); err != nil && !errors.Is(err, offline.ErrSyncInProgress) {
			pushErr = err
		}
	}

	return errors.Join(fetchErr, pushErr)
}

// Edit writes value into (row, col) locally and queues the change for the
// server. The returned id identifies the queued change.
func (e *Engine) Edit(ctx context.Context, row, col int, value any) (string, error) {
	return e.local(e.queue.EditCell(ctx, row, col, value))
}

// InsertRow inserts values at row locally and queues a create change.
func (e *Engine) InsertRow(ctx context.Context, row int, values sheet.Row) (string, error) {
	return e.local(e.queue.InsertRow(ctx, row, values))
}

// DeleteRow removes row locally and queues a delete change.
func (e *Engine) DeleteRow(ctx context.Context, row int) (string, error) {
	return e.local(e.queue.DeleteRow(ctx, row))
}

// local records activity and re-renders once a local edit reached the
// store. An empty id means nothing changed.
func (e *Engine) local(id string, err error) (string, error) {
	if id == "" {
		return "", fmt.Errorf("engine: %w", err)
	}

	e.tracker.Record(activity.Edit)
	e.renderLocal()

	return id, err
}

func (e *Engine) renderLocal() {
	if e.renderer != nil {
		e.renderer(e.store.Snapshot(), "local")
	}
}

// Record feeds one input event to the activity tracker.
func (e *Engine) Record(kind activity.Kind) {
	e.tracker.Record(kind)
}

// SetVisible reports host visibility. Hidden suspends polling.
func (e *Engine) SetVisible(visible bool) {
	e.tracker.SetVisible(visible)
}

// RequestSync asks the server for an update over the realtime socket, or
// polls directly when there is no socket.
func (e *Engine) RequestSync(ctx context.Context) error {
	if e.realtime != nil && e.realtime.State() == realtime.StateConnected {
		return e.realtime.RequestSync()
	}

	return e.SyncOnce(ctx)
}

// Reconfigure hot-applies the settings that can change without a restart:
// conflict strategy, poll intervals, and activity thresholds. Endpoint,
// identity, state, and transport changes need a restart and are logged.
func (e *Engine) Reconfigure(cfg *config.Config) {
	if s, err := conflict.ParseStrategy(cfg.Sync.ConflictStrategy); err == nil {
		e.resolver.SetStrategy(s)
	}

	if err := e.poller.SetIntervals(pollIntervals(&cfg.Polling)); err != nil {
		e.logger.Warn("ignoring poll intervals", slog.String("error", err.Error()))
	}

	e.tracker.SetConfig(activitySettings(&cfg.Activity))

	e.logger.Info("applied config change",
		slog.String("strategy", cfg.Sync.ConflictStrategy),
		slog.String("active_interval", cfg.Polling.ActiveInterval),
	)
}

// Rows returns a copy of the local rows.
func (e *Engine) Rows() []sheet.Row {
	return e.store.Snapshot()
}

// Pending returns a copy of the queued changes.
func (e *Engine) Pending() []sheet.ChangeRecord {
	return e.queue.Pending()
}

// ClientID returns the identity used with the server.
func (e *Engine) ClientID() string {
	return e.clientID
}

// Bus exposes the event bus for hosts that want to observe the engine.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Stats returns a snapshot of every component's counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		ClientID: e.clientID,
		Version:  e.delta.Version(),
		Rows:     e.store.Len(),
		Strategy: e.resolver.Strategy(),
		Delta:    e.delta.Stats(),
		Poll:     e.poller.Stats(),
		Activity: e.tracker.Stats(),
		Offline:  e.queue.Stats(),
	}

	if e.realtime != nil {
		rt := e.realtime.Stats()
		s.Realtime = &rt
	}

	return s
}

// Close stops the transport and timers, saves the rows, and closes the
// state database. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.realtime != nil {
			e.realtime.Close()
		}

		e.poller.Stop()
		e.queue.Close()

		for _, u := range e.unsubscribe {
			u()
		}

		e.saveSnapshot()
		e.closeErr = e.backend.Close()
	})

	return e.closeErr
}
