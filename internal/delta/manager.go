// Package delta implements versioned fetch-and-apply of sheet changes.
//
// A Manager fetches envelopes from the sync endpoint and applies them to the
// local store. Every envelope, whether fetched here or delivered over the
// realtime socket, goes through one FIFO apply queue so that at most one
// apply runs at a time and envelopes are applied in arrival order.
package delta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tonimelisma/rowsync/internal/conflict"
	"github.com/tonimelisma/rowsync/internal/events"
	"github.com/tonimelisma/rowsync/internal/remote"
	"github.com/tonimelisma/rowsync/internal/sheet"
	"github.com/tonimelisma/rowsync/internal/store"
)

// Sentinel errors.
var (
	ErrMalformedDelta  = errors.New("delta: malformed delta")
	ErrUnknownEnvelope = errors.New("delta: unknown envelope type")
)

// Fetcher is the remote capability the manager needs.
type Fetcher interface {
	FetchIncremental(ctx context.Context, version string) (*sheet.Envelope, error)
	Probe(ctx context.Context, version string) (bool, error)
}

// PendingCells reports unsynced local edits. The offline queue provides it.
type PendingCells interface {
	// PendingCell returns the latest unsynced local value for (row, col) and
	// the value the user saw before editing.
	PendingCell(row, col int) (local, base any, ok bool)
}

// Resolver decides the value written when a server change collides with a
// pending local edit.
type Resolver interface {
	Resolve(rec sheet.ConflictRecord) any
	Strategy() conflict.Strategy
}

// Renderer receives the full row set after every successful apply.
type Renderer func(rows []sheet.Row, kind string)

// Options configures a Manager. Fetcher and Store are required. A nil
// Resolver keeps the server value on conflict.
type Options struct {
	ClientID string
	Fetcher  Fetcher
	Store    *store.Store
	Resolver Resolver
	Pending  PendingCells
	Bus      events.Publisher
	Renderer Renderer
	Logger   *slog.Logger

	// InitialVersion seeds the session, typically from the persisted cache.
	InitialVersion string
}

// Session is a point-in-time view of the client's sync identity.
type Session struct {
	ClientID       string
	CurrentVersion string
}

// Stats is a snapshot of manager counters.
type Stats struct {
	Fetches           int64
	FetchErrors       int64
	FullSyncs         int64
	IncrementalSyncs  int64
	Applies           int64
	DroppedDeltas     int64
	Conflicts         int64
	LastApplyDuration time.Duration
}

// Manager fetches and applies envelopes. Safe for concurrent use.
type Manager struct {
	clientID string
	fetcher  Fetcher
	store    *store.Store
	resolver Resolver
	pending  PendingCells
	bus      events.Publisher
	renderer Renderer
	logger   *slog.Logger

	versionMu sync.RWMutex
	version   string

	queueMu    sync.Mutex
	queue      []*applyJob
	processing bool

	nowFunc func() time.Time

	fetches           atomic.Int64
	fetchErrors       atomic.Int64
	fullSyncs         atomic.Int64
	incrementalSyncs  atomic.Int64
	applies           atomic.Int64
	droppedDeltas     atomic.Int64
	conflicts         atomic.Int64
	lastApplyDuration atomic.Int64
}

type applyJob struct {
	env  *sheet.Envelope
	done chan error
}

// NewManager creates a manager. It panics if Fetcher or Store is nil, since
// that is a wiring bug rather than a runtime condition.
func NewManager(opts Options) *Manager {
	if opts.Fetcher == nil || opts.Store == nil {
		panic("delta: NewManager requires Fetcher and Store")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = conflict.NewResolver(conflict.ServerWins, logger)
	}

	return &Manager{
		clientID: opts.ClientID,
		fetcher:  opts.Fetcher,
		store:    opts.Store,
		resolver: resolver,
		pending:  opts.Pending,
		bus:      opts.Bus,
		renderer: opts.Renderer,
		logger:   logger,
		version:  opts.InitialVersion,
		nowFunc:  time.Now,
	}
}

// SetPending installs the pending-edit lookup after construction. The
// engine uses it to break the construction cycle with the offline queue.
func (m *Manager) SetPending(p PendingCells) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	m.pending = p
}

// Session returns the client id and current version.
func (m *Manager) Session() Session {
	return Session{ClientID: m.clientID, CurrentVersion: m.Version()}
}

// Version returns the last applied version, or "" before the first apply.
func (m *Manager) Version() string {
	m.versionMu.RLock()
	defer m.versionMu.RUnlock()

	return m.version
}

func (m *Manager) setVersion(v string) {
	m.versionMu.Lock()
	defer m.versionMu.Unlock()

	m.version = v
}

// ForceFullSync clears the version so the next fetch returns a full
// snapshot.
func (m *Manager) ForceFullSync() {
	old := m.Version()
	m.setVersion("")

	m.logger.Info("full resync forced", slog.String("previous_version", old))
}

// FetchUpdate makes exactly one request for changes since the current
// version. Errors are returned unretried. A 410 Gone clears the version so
// the next fetch is a full resync.
func (m *Manager) FetchUpdate(ctx context.Context) (*sheet.Envelope, error) {
	m.fetches.Add(1)

	version := m.Version()

	env, err := m.fetcher.FetchIncremental(ctx, version)
	m.publishReachability(ctx, err)

	if err != nil {
		m.fetchErrors.Add(1)

		if errors.Is(err, remote.ErrGone) {
			m.logger.Warn("server no longer has version, forcing full resync",
				slog.String("version", version),
			)
			m.setVersion("")
		}

		return nil, fmt.Errorf("delta: fetching since %q: %w", version, err)
	}

	m.logger.Debug("fetched update",
		slog.String("since", version),
		slog.String("type", string(env.Type)),
		slog.String("version", env.Version),
	)

	return env, nil
}

// Probe asks the server whether anything changed since the current version.
func (m *Manager) Probe(ctx context.Context) (bool, error) {
	changed, err := m.fetcher.Probe(ctx, m.Version())
	m.publishReachability(ctx, err)

	if err != nil {
		return false, fmt.Errorf("delta: probing: %w", err)
	}

	return changed, nil
}

// CheckReachable pings the server and publishes whether it answered.
func (m *Manager) CheckReachable(ctx context.Context) error {
	_, err := m.Probe(ctx)
	return err
}

// publishReachability reports connectivity from a request outcome. Any HTTP
// response means the server was reachable.
func (m *Manager) publishReachability(ctx context.Context, err error) {
	if m.bus == nil || ctx.Err() != nil {
		return
	}

	online := err == nil || remote.IsHTTPError(err)
	m.bus.Publish(events.ConnectivityChanged{Online: online, Source: "fetch"})
}

// SyncOnce fetches and applies one update.
func (m *Manager) SyncOnce(ctx context.Context) error {
	env, err := m.FetchUpdate(ctx)
	if err != nil {
		return err
	}

	return m.ApplyUpdate(ctx, env)
}

// ApplyUpdate enqueues env and waits for its apply to finish. If no apply is
// running, the caller drains the queue itself. Cancelling ctx stops the
// wait but not the apply.
func (m *Manager) ApplyUpdate(ctx context.Context, env *sheet.Envelope) error {
	job := &applyJob{env: env, done: make(chan error, 1)}

	m.queueMu.Lock()
	m.queue = append(m.queue, job)

	drain := !m.processing
	if drain {
		m.processing = true
	}
	m.queueMu.Unlock()

	if drain {
		m.drain()
	}

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain applies queued jobs in order until the queue is empty.
func (m *Manager) drain() {
	for {
		m.queueMu.Lock()
		if len(m.queue) == 0 {
			m.processing = false
			m.queueMu.Unlock()

			return
		}

		job := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		pending := m.pending
		m.queueMu.Unlock()

		job.done <- m.apply(job.env, pending)
	}
}

// QueueLen returns the number of envelopes waiting to be applied.
func (m *Manager) QueueLen() int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	return len(m.queue)
}

func (m *Manager) apply(env *sheet.Envelope, pending PendingCells) error {
	if env == nil {
		return m.drop(nil, fmt.Errorf("%w: nil envelope", ErrMalformedDelta))
	}

	start := m.nowFunc()

	var (
		resolved []events.ConflictResolved
		err      error
	)

	switch env.Type {
	case sheet.EnvelopeFull:
		err = m.store.Update(func(tx *store.Tx) error {
			tx.Replace(env.Data)
			return nil
		})
	case sheet.EnvelopeIncremental:
		local := pendingFor(env.Delta, pending)

		err = m.store.Update(func(tx *store.Tx) error {
			var applyErr error
			resolved, applyErr = m.applyDelta(tx, env.Delta, local)

			return applyErr
		})
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrMalformedDelta, err)
		}
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownEnvelope, env.Type)
	}

	if err != nil {
		return m.drop(env, err)
	}

	elapsed := m.nowFunc().Sub(start)

	if env.Type == sheet.EnvelopeFull {
		m.fullSyncs.Add(1)
		m.setVersion(env.Version)
	} else {
		m.incrementalSyncs.Add(1)
		if env.Version != "" {
			m.setVersion(env.Version)
		}
	}

	m.applies.Add(1)
	m.conflicts.Add(int64(len(resolved)))
	m.lastApplyDuration.Store(int64(elapsed))

	rows := m.store.Snapshot()

	m.logger.Info("applied update",
		slog.String("type", string(env.Type)),
		slog.String("version", env.Version),
		slog.Int("rows", len(rows)),
		slog.Int("changes", env.Delta.Size()),
		slog.Int("conflicts", len(resolved)),
		slog.Duration("elapsed", elapsed),
	)

	if m.bus != nil {
		for _, ev := range resolved {
			m.bus.Publish(ev)
		}

		m.bus.Publish(events.Applied{
			Rows:    len(rows),
			Mode:    string(env.Type),
			Version: env.Version,
			Elapsed: elapsed,
		})
	}

	if m.renderer != nil {
		m.renderer(rows, string(env.Type))
	}

	return nil
}

func (m *Manager) drop(env *sheet.Envelope, err error) error {
	m.droppedDeltas.Add(1)

	attrs := []any{slog.String("error", err.Error())}
	if env != nil {
		attrs = append(attrs,
			slog.String("type", string(env.Type)),
			slog.String("version", env.Version),
		)
	}

	m.logger.Warn("dropping update", attrs...)

	return err
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Fetches:           m.fetches.Load(),
		FetchErrors:       m.fetchErrors.Load(),
		FullSyncs:         m.fullSyncs.Load(),
		IncrementalSyncs:  m.incrementalSyncs.Load(),
		Applies:           m.applies.Load(),
		DroppedDeltas:     m.droppedDeltas.Load(),
		Conflicts:         m.conflicts.Load(),
		LastApplyDuration: time.Duration(m.lastApplyDuration.Load()),
	}
}
