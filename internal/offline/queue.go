// Package offline records local edits while the remote is unreachable (or
// simply not yet synced) and reconciles them with the server once it is.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/rowsync/internal/conflict"
	"github.com/tonimelisma/rowsync/internal/events"
	"github.com/tonimelisma/rowsync/internal/remote"
	"github.com/tonimelisma/rowsync/internal/sheet"
	"github.com/tonimelisma/rowsync/internal/store"
)

// Sentinel errors.
var (
	ErrSyncInProgress = errors.New("offline: sync already in progress")

	// ErrOfflineQueueFull is never returned: overflow evicts the oldest
	// record. It is exported so log consumers can match the eviction warning.
	ErrOfflineQueueFull = errors.New("offline: queue full")
)

// Pusher sends one change to the server.
type Pusher interface {
	PushChange(ctx context.Context, rec sheet.ChangeRecord, baseVersion string) (*remote.PushResult, error)
}

// StateStore persists the queue and store snapshots.
type StateStore interface {
	SaveQueue(ctx context.Context, queue []sheet.ChangeRecord) error
	LoadQueue(ctx context.Context) ([]sheet.ChangeRecord, error)
	SaveSnapshot(ctx context.Context, rows []sheet.Row, version string) error
}

// VersionSource reports the last applied server version.
type VersionSource interface {
	Version() string
}

// Reachability re-checks whether the server answers and publishes the
// outcome as a ConnectivityChanged event.
type Reachability interface {
	CheckReachable(ctx context.Context) error
}

// Resolver decides conflicting values.
type Resolver interface {
	Resolve(rec sheet.ConflictRecord) any
	Strategy() conflict.Strategy
}

// State is the reconciler's lifecycle state.
type State string

// Reconciler states.
const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateError   State = "error"
)

// Config holds queue limits and timings.
type Config struct {
	MaxQueueSize  int
	BatchSize     int
	Debounce      time.Duration
	RetryDelay    time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:  100,
		BatchSize:     10,
		Debounce:      time.Second,
		RetryDelay:    5 * time.Second,
		SweepInterval: 30 * time.Second,
	}
}

// Options configures a Queue. Pusher, State, and Store are required.
type Options struct {
	Pusher   Pusher
	State    StateStore
	Store    *store.Store
	Versions VersionSource
	Resolver Resolver
	Bus      *events.Bus
	Config   Config
	Logger   *slog.Logger

	// Reachability lets the sweep notice recovery while offline. Without
	// it the queue waits for another component to report the server back.
	Reachability Reachability
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Queued          int
	Synced          int64
	Conflicts       int64
	Failed          int64
	Evicted         int64
	Batches         int64
	OfflineDuration time.Duration
	Online          bool
	State           State
}

type timerHandle interface {
	Stop() bool
}

// Queue is the offline change queue and its reconciler. Safe for
// concurrent use.
type Queue struct {
	pusher   Pusher
	state    StateStore
	store    *store.Store
	versions VersionSource
	resolver Resolver
	bus      *events.Bus
	cfg      Config
	logger   *slog.Logger
	reach    Reachability

	mu              sync.Mutex
	queue           []sheet.ChangeRecord
	online          bool
	offlineSince    time.Time
	offlineDuration time.Duration
	status          State
	timer           timerHandle
	baseCtx         context.Context

	// repushed holds create/delete changes already re-sent once under
	// client-wins; a second conflict accepts the server state.
	repushed map[string]bool

	syncing atomic.Bool
	abort   atomic.Bool

	unsubscribe func()

	nowFunc   func() time.Time
	afterFunc func(d time.Duration, f func()) timerHandle
	newID     func() string

	synced    atomic.Int64
	conflicts atomic.Int64
	failed    atomic.Int64
	evicted   atomic.Int64
	batches   atomic.Int64
}

// NewQueue creates an empty, online queue and subscribes it to
// connectivity events.
func NewQueue(opts Options) *Queue {
	if opts.Pusher == nil || opts.State == nil || opts.Store == nil {
		panic("offline: NewQueue requires Pusher, State, and Store")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := opts.Config
	def := DefaultConfig()

	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = conflict.NewResolver(conflict.DefaultStrategy, logger)
	}

	q := &Queue{
		pusher:   opts.Pusher,
		state:    opts.State,
		store:    opts.Store,
		versions: opts.Versions,
		resolver: resolver,
		bus:      opts.Bus,
		cfg:      cfg,
		logger:   logger,
		reach:    opts.Reachability,
		online:   true,
		status:   StateIdle,
		baseCtx:  context.Background(),
		repushed: make(map[string]bool),
		nowFunc:  time.Now,
		afterFunc: func(d time.Duration, f func()) timerHandle {
			return time.AfterFunc(d, f)
		},
		newID: uuid.NewString,
	}

	if opts.Bus != nil {
		q.unsubscribe = events.Subscribe(opts.Bus, q.onConnectivityChanged)
	}

	return q
}

// Restore loads the persisted queue, keeping the most recent records when
// it exceeds the configured capacity.
func (q *Queue) Restore(ctx context.Context) error {
	loaded, err := q.state.LoadQueue(ctx)
	if err != nil {
		return fmt.Errorf("offline: restoring queue: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if over := len(loaded) - q.cfg.MaxQueueSize; over > 0 {
		q.logger.Warn("restored queue exceeds capacity, dropping oldest",
			slog.Int("dropped", over),
			slog.Int("capacity", q.cfg.MaxQueueSize),
		)
		loaded = loaded[over:]
		q.evicted.Add(int64(over))
	}

	q.queue = loaded

	q.logger.Info("restored offline queue", slog.Int("pending", len(loaded)))

	return nil
}

// AddChange records a local mutation and returns its id. When online and
// not already syncing, a sync is scheduled after the debounce delay. The
// record is kept in memory even if persisting it fails.
func (q *Queue) AddChange(ctx context.Context, data sheet.ChangeData, typ sheet.ChangeType) (string, error) {
	rec := sheet.ChangeRecord{
		ID:        q.newID(),
		Type:      typ,
		Data:      data,
		Timestamp: q.nowFunc().UTC(),
	}

	q.mu.Lock()
	q.queue = append(q.queue, rec)
	q.evictLocked()
	snapshot := q.copyLocked()
	online := q.online
	q.mu.Unlock()

	q.logger.Debug("queued local change",
		slog.String("change_id", rec.ID),
		slog.String("type", string(typ)),
		slog.Int("row", data.Row),
		slog.Int("col", data.Col),
	)

	persistErr := q.state.SaveQueue(ctx, snapshot)

	if online && !q.syncing.Load() {
		q.schedule(q.cfg.Debounce)
	}

	if persistErr != nil {
		return rec.ID, fmt.Errorf("offline: persisting queue: %w", persistErr)
	}

	return rec.ID, nil
}

// evictLocked drops the oldest unsynced records until the queue fits.
// Caller holds mu.
func (q *Queue) evictLocked() {
	for len(q.queue) > q.cfg.MaxQueueSize {
		idx := 0
		for i, r := range q.queue {
			if !r.Synced {
				idx = i
				break
			}
		}

		victim := q.queue[idx]
		q.queue = append(q.queue[:idx], q.queue[idx+1:]...)
		q.evicted.Add(1)

		q.logger.Warn("offline queue full, evicted oldest change",
			slog.String("change_id", victim.ID),
			slog.Int("capacity", q.cfg.MaxQueueSize),
			slog.String("error", ErrOfflineQueueFull.Error()),
		)
	}
}

func (q *Queue) copyLocked() []sheet.ChangeRecord {
	out := make([]sheet.ChangeRecord, len(q.queue))
	copy(out, q.queue)

	return out
}

// Pending returns a copy of the queued records, oldest first.
func (q *Queue) Pending() []sheet.ChangeRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.copyLocked()
}

// Len returns the number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.queue)
}

// PendingCell returns the newest unsynced update for (row, col).
func (q *Queue) PendingCell(row, col int) (local, base any, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := len(q.queue) - 1; i >= 0; i-- {
		r := q.queue[i]
		if !r.Synced && r.Type == sheet.ChangeUpdate && r.Data.Row == row && r.Data.Col == col {
			return r.Data.Value, r.Data.Base, true
		}
	}

	return nil, nil, false
}

// Online reports the last known connectivity.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.online
}

// onConnectivityChanged acts only on real transitions.
func (q *Queue) onConnectivityChanged(ev events.ConnectivityChanged) {
	now := q.nowFunc()

	q.mu.Lock()
	if q.online == ev.Online {
		q.mu.Unlock()
		return
	}

	q.online = ev.Online

	if !ev.Online {
		q.offlineSince = now
		q.abort.Store(true)
		ctx := q.baseCtx
		q.mu.Unlock()

		q.logger.Info("remote unreachable, queueing changes locally",
			slog.String("source", ev.Source),
		)
		q.persistSnapshot(ctx)

		return
	}

	var away time.Duration
	if !q.offlineSince.IsZero() {
		away = now.Sub(q.offlineSince)
		q.offlineDuration += away
	}

	q.abort.Store(false)
	pending := len(q.queue)
	q.mu.Unlock()

	q.logger.Info("remote reachable again",
		slog.Duration("offline_for", away),
		slog.Int("pending", pending),
	)

	if pending > 0 {
		q.schedule(0)
	}
}

// persistSnapshot saves the local store so a restart while offline still
// has data to show.
func (q *Queue) persistSnapshot(ctx context.Context) {
	var version string
	if q.versions != nil {
		version = q.versions.Version()
	}

	rows := q.store.Snapshot()
	if err := q.state.SaveSnapshot(ctx, rows, version); err != nil {
		q.logger.Warn("saving offline snapshot failed", slog.String("error", err.Error()))
		return
	}

	q.logger.Debug("saved offline snapshot",
		slog.Int("rows", len(rows)),
		slog.String("version", version),
	)
}

// schedule runs SyncChanges after d, replacing any pending schedule.
func (q *Queue) schedule(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.timer != nil {
		q.timer.Stop()
	}

	ctx := q.baseCtx
	q.timer = q.afterFunc(d, func() {
		if ctx.Err() != nil {
			return
		}

		if _, err := q.SyncChanges(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
			q.logger.Warn("scheduled sync failed", slog.String("error", err.Error()))
		}
	})
}

func (q *Queue) setStatus(s State) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.status = s
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	offline := q.offlineDuration
	if !q.online && !q.offlineSince.IsZero() {
		offline += q.nowFunc().Sub(q.offlineSince)
	}

	return Stats{
		Queued:          len(q.queue),
		Synced:          q.synced.Load(),
		Conflicts:       q.conflicts.Load(),
		Failed:          q.failed.Load(),
		Evicted:         q.evicted.Load(),
		Batches:         q.batches.Load(),
		OfflineDuration: offline,
		Online:          q.online,
		State:           q.status,
	}
}

// Close stops timers and detaches from the bus.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}

	unsub := q.unsubscribe
	q.unsubscribe = nil
	q.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}
