package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/rowsync/internal/conflict"
	"github.com/tonimelisma/rowsync/internal/events"
	"github.com/tonimelisma/rowsync/internal/remote"
	"github.com/tonimelisma/rowsync/internal/sheet"
	"github.com/tonimelisma/rowsync/internal/store"
)

// scriptedPusher answers pushes from a per-change-id script, defaulting
// to synced.
type scriptedPusher struct {
	mu      sync.Mutex
	answers map[string][]pushAnswer
	pushed  []string
	block   chan struct{}
}

type pushAnswer struct {
	res *remote.PushResult
	err error
}

func (p *scriptedPusher) PushChange(_ context.Context, rec sheet.ChangeRecord, _ string) (*remote.PushResult, error) {
	if p.block != nil {
		<-p.block
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.pushed = append(p.pushed, rec.ID)

	if list := p.answers[rec.ID]; len(list) > 0 {
		a := list[0]
		p.answers[rec.ID] = list[1:]

		return a.res, a.err
	}

	return &remote.PushResult{Status: remote.PushSynced}, nil
}

func (p *scriptedPusher) script(id string, answers ...pushAnswer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.answers == nil {
		p.answers = make(map[string][]pushAnswer)
	}

	p.answers[id] = append(p.answers[id], answers...)
}

func (p *scriptedPusher) pushedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.pushed...)
}

// memState is an in-memory StateStore.
type memState struct {
	mu        sync.Mutex
	queue     []sheet.ChangeRecord
	saves     int
	failSaves bool
	rows      []sheet.Row
	version   string
	snapshots int
}

func (m *memState) SaveQueue(_ context.Context, q []sheet.ChangeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failSaves {
		return errors.New("disk full")
	}

	m.saves++
	m.queue = append([]sheet.ChangeRecord(nil), q...)

	return nil
}

func (m *memState) LoadQueue(context.Context) ([]sheet.ChangeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]sheet.ChangeRecord(nil), m.queue...), nil
}

func (m *memState) SaveSnapshot(_ context.Context, rows []sheet.Row, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rows = rows
	m.version = version
	m.snapshots++

	return nil
}

type fixedVersion string

func (v fixedVersion) Version() string { return string(v) }

// fakeTimer records a scheduled callback instead of running it.
type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true

	return was
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) afterFunc(d time.Duration, f func()) timerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &fakeTimer{d: d, f: f}
	s.timers = append(s.timers, t)

	return t
}

func (s *fakeScheduler) live() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.timers) - 1; i >= 0; i-- {
		if !s.timers[i].stopped {
			return s.timers[i]
		}
	}

	return nil
}

type harness struct {
	q      *Queue
	pusher *scriptedPusher
	state  *memState
	store  *store.Store
	bus    *events.Bus
	sched  *fakeScheduler
	ids    int
}

func newHarness(t *testing.T, strategy conflict.Strategy, cfg Config) *harness {
	t.Helper()

	h := &harness{
		pusher: &scriptedPusher{},
		state:  &memState{},
		store:  store.New([]sheet.Row{{"a", 5.0}, {"b", "x"}}),
		bus:    events.NewBus(nil),
		sched:  &fakeScheduler{},
	}

	h.q = NewQueue(Options{
		Pusher:   h.pusher,
		State:    h.state,
		Store:    h.store,
		Versions: fixedVersion("v7"),
		Resolver: conflict.NewResolver(strategy, nil),
		Bus:      h.bus,
		Config:   cfg,
	})
	h.q.afterFunc = h.sched.afterFunc
	h.q.newID = func() string {
		h.ids++
		return fmt.Sprintf("chg-%d", h.ids)
	}

	return h
}

func (h *harness) add(t *testing.T, row, col int, value any) string {
	t.Helper()

	id, err := h.q.AddChange(context.Background(), sheet.ChangeData{Row: row, Col: col, Value: value}, sheet.ChangeUpdate)
	require.NoError(t, err)

	return id
}

func TestAddChange_PersistsAndDebounces(t *testing.T) {
	t.Parallel()

	h := newHarness(t, conflict.ServerWins, DefaultConfig())

	id := h.add(t, 0, 1, 9.0)
	assert.Equal(t, "chg-1", id)
	assert.Equal(t, 1, h.q.Len())
	assert.Len(t, h.state.queue, 1)

	timer := h.sched.live()
	require.NotNil(t, timer)
	assert.Equal(t, time.Second, timer.d)

	h.add(t, 0, 1, 10.0)
	assert.True(t, timer.stopped, "second add restarts the debounce")

	h.sched.live().f()
	assert.Equal(t, 0, h.q.Len())
	assert.Equal(t, []string{"chg-1", "chg-2"}, h.pusher.pushedIDs())
}

func TestAddChange_OfflineDoesNotSchedule(t *testing.T) {
	t.Parallel()

	h := newHarness(t, conflict.ServerWins, DefaultConfig())
	h.bus.Publish(events.ConnectivityChanged{Online: false})

	h.add(t, 0, 0, "x")
	assert.Nil(t, h.sched.live())
	assert.Equal(t, 1, h.q.Len())
}

func TestAddChange_PersistFailureKeepsRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, conflict.ServerWins, DefaultConfig())
	h.state.failSaves = true

	id, err := h.q.AddChange(context.Background(), sheet.ChangeData{Row: 0}, sheet.ChangeDelete)
	require.Error(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, h.q.Len())
}

func TestAddChange_CapacityEvictsOldest(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxQueueSize = 3
	h := newHarness(t, conflict.ServerWins, cfg)

	for i := range 5 {
		h.add(t, i, 0, float64(i))
		assert.LessOrEqual(t, h.q.Len(), 3)
	}

	var ids []string
	for _, r := range h.q.Pending() {
		ids = append(ids, r.ID)
	}

	assert.Equal(t, []string{"chg-3", "chg-4", "chg-5"}, ids)
	assert.Equal(t, int64(2), h.q.Stats().Evicted)
}

func TestSyncChanges_BatchesAndPersistsEachBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, conflict.ServerWins, DefaultConfig())
	h.bus.Publish(events.ConnectivityChanged{Online: false})

	for i := range 25 {
		h.add(t, 0, i, "v")
	}

	savesBefore := h.state.saves
	h.q.abort.Store(false)

	res, err := h.q.SyncChanges(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 25, res.Synced)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, int64(3), h.q.Stats().Batches)
	assert.Equal(t, savesBefore+3, h.state.saves)
	assert.Empty(t, h.state.queue)
	assert.Equal(t, StateIdle, h.q.Stats().State)
}

func TestSyncChanges_FailedRecordStaysQueued(t *testing.T) {
	t.Parallel()

	h := newHarness(t, conflict.ServerWins, DefaultConfig())
	id1 := h.add(t, 0, 0, "x")
	h.add(t, 1, 0, "y")

	h.pusher.script(id1, pushAnswer{err: &remote.Error{StatusCode: http.StatusBadRequest, Err: remote.ErrBadRequest}})

	res, err := h.q.SyncChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Failed)
	require.Equal(t, 1, h.q.Len())
	assert.Equal(t, id1, h.q.Pending()[0].ID)
	assert.True(t, h.q.Online())
}

func TestSyncChanges_NetworkErrorAbortsPass(t *testing.T) {
	t.Parallel()

	h := newHarness(t, conflict.ServerWins, DefaultConfig())
	id1 := h.add(t, 0, 0, "x")
	h.add(t, 1, 0, "y")
	h.add(t, 1, 1, "z")

	h.pusher.script(id1, pushAnswer{err: errors.New("dial tcp: no route to host")})

	res, err := h.q.SyncChanges(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, []string{id1}, h.pusher.pushedIDs())
	assert.Equal(t, 3, h.q.Len())
	assert.False(t, h.q.Online())
	assert.Equal(t, 1, h.state.snapshots)
}

func TestSyncChanges_Reentrancy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, conflict.ServerWins, DefaultConfig())
	h.add(t, 0, 0, "x")

	h.pusher.block = make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _ = h.q.SyncChanges(context.Background())
	}()

	require.Eventually(t, h.q.syncing.Load, time.Second, time.Millisecond)

	_, err := h.q.SyncChanges(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(h.pusher.block)
	<-done

	assert.Equal(t, 0, h.q.Len())
}

func TestSyncChanges_PersistFailureSchedulesRetry(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RetryDelay = 5 * time.Second
	h := newHarness(t, conflict.ServerWins, cfg)
	id := h.add(t, 0, 0, "x")

	h.pusher.script(id, pushAnswer{err: &remote.Error{StatusCode: http.StatusServiceUnavailable, Err: remote.ErrServerError}})
	h.state.failSaves = true

	_, err := h.q.SyncChanges(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, h.q.Stats().State)
	assert.Equal(t, 1, h.q.Len(), "queue is never cleared on failure")

	retry := h.sched.live()
	require.NotNil(t, retry)
	assert.Equal(t, 5*time.Second, retry.d)

	h.state.failSaves = false
	retry.f()

	assert.Equal(t, StateIdle, h.q.Stats().State)
	assert.Equal(t, 0, h.q.Len())
}

func TestResolveConflict_UpdateStrategies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		strategy  conflict.Strategy
		want      any
		followUps int
	}{
		{conflict.Merge, 15.0, 1},
		{conflict.ServerWins, 20.0, 0},
		{conflict.ClientWins, 10.0, 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, tt.strategy, DefaultConfig())
			id := h.add(t, 0, 1, 10.0)
			h.pusher.script(id, pushAnswer{res: &remote.PushResult{Status: remote.PushConflict, ServerValue: 20.0}})

			var resolved []events.ConflictResolved
			events.Subscribe(h.bus, func(ev events.ConflictResolved) { resolved = append(resolved, ev) })

			res, err := h.q.SyncChanges(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, res.Conflicts)
			assert.Equal(t, tt.followUps, res.FollowUps)

			v, _ := h.store.Cell(0, 1)
			assert.Equal(t, tt.want, v)

			require.Len(t, resolved, 1)
			assert.Equal(t, string(tt.strategy), resolved[0].Strategy)

			pending := h.q.Pending()
			require.Len(t, pending, tt.followUps)

			if tt.followUps > 0 {
				assert.NotEqual(t, id, pending[0].ID)
				assert.Equal(t, tt.want, pending[0].Data.Value)
				assert.Equal(t, 20.0, pending[0].Data.Base)
			}
		})
	}
}

func TestResolveConflict_CreateAcceptsServerUnlessClientWins(t *testing.T) {
	t.Parallel()

	h := newHarness(t, conflict.ClientWins, DefaultConfig())

	id, err := h.q.AddChange(context.Background(), sheet.ChangeData{Row: 2, Values: sheet.Row{"new"}}, sheet.ChangeCreate)
	require.NoError(t, err)

	conflictAnswer := pushAnswer{res: &remote.PushResult{Status: remote.PushConflict}}
	h.pusher.script(id, conflictAnswer, conflictAnswer)

	res, err := h.q.SyncChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.FollowUps)
	assert.Equal(t, 1, h.q.Len(), "re-pushed once under client-wins")

	_, err = h.q.SyncChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, h.q.Len(), "second conflict accepts the server")
	assert.Equal(t, []string{id, id}, h.pusher.pushedIDs())
}

func TestResolveConflict_DeleteServerWins(t *testing.T) {
	t.Parallel()

	h := newHarness(t, conflict.ServerWins, DefaultConfig())

	rec := sheet.ChangeRecord{ID: "d1", Type: sheet.ChangeDelete, Data: sheet.ChangeData{Row: 1}}
	v, err := h.q.ResolveConflict(context.Background(), rec, nil)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, 2, h.store.Len(), "store untouched for delete conflicts")
	assert.Equal(t, int64(1), h.q.Stats().Conflicts)
}

func TestResolveConflict_MissingRowReportsError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, conflict.ClientWins, DefaultConfig())

	rec := sheet.ChangeRecord{ID: "u1", Type: sheet.ChangeUpdate, Data: sheet.ChangeData{Row: 50, Col: 0, Value: "x"}}
	_, err := h.q.ResolveConflict(context.Background(), rec, "y")
	assert.Error(t, err)
}

func TestConnectivity_TransitionsOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, conflict.ServerWins, DefaultConfig())

	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	h.q.nowFunc = func() time.Time { return now }

	h.bus.Publish(events.ConnectivityChanged{Online: true})
	assert.Equal(t, 0, h.state.snapshots)

	h.bus.Publish(events.ConnectivityChanged{Online: false})
	h.bus.Publish(events.ConnectivityChanged{Online: false})
	assert.Equal(t, 1, h.state.snapshots)
	assert.Equal(t, "v7", h.state.version)
	assert.Equal(t, h.store.Snapshot(), h.state.rows)
	assert.True(t, h.q.abort.Load())

	h.add(t, 0, 0, "offline edit")

	now = now.Add(90 * time.Second)
	h.bus.Publish(events.ConnectivityChanged{Online: true})

	stats := h.q.Stats()
	assert.Equal(t, 90*time.Second, stats.OfflineDuration)
	assert.True(t, stats.Online)
	assert.False(t, h.q.abort.Load())

	timer := h.sched.live()
	require.NotNil(t, timer, "reconnect with pending changes syncs immediately")
	assert.Equal(t, time.Duration(0), timer.d)

	timer.f()
	assert.Equal(t, 0, h.q.Len())
}

func TestPendingCell_NewestUnsyncedUpdate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, conflict.ServerWins, DefaultConfig())
	h.bus.Publish(events.ConnectivityChanged{Online: false})

	_, err := h.q.AddChange(context.Background(), sheet.ChangeData{Row: 0, Col: 1, Value: 1.0, Base: 5.0}, sheet.ChangeUpdate)
	require.NoError(t, err)
	_, err = h.q.AddChange(context.Background(), sheet.ChangeData{Row: 0, Col: 1, Value: 2.0, Base: 1.0}, sheet.ChangeUpdate)
	require.NoError(t, err)

	local, base, ok := h.q.PendingCell(0, 1)
	require.True(t, ok)
	assert.Equal(t, 2.0, local)
	assert.Equal(t, 1.0, base)

	_, _, ok = h.q.PendingCell(3, 3)
	assert.False(t, ok)
}

func TestRestore_TrimsToCapacity(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxQueueSize = 2
	h := newHarness(t, conflict.ServerWins, cfg)

	h.state.queue = []sheet.ChangeRecord{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	require.NoError(t, h.q.Restore(context.Background()))

	pending := h.q.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "b", pending[0].ID)
	assert.Equal(t, "c", pending[1].ID)
}

func TestRun_SweepsWhenOnline(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.SweepInterval = 5 * time.Millisecond
	h := newHarness(t, conflict.ServerWins, cfg)

	h.bus.Publish(events.ConnectivityChanged{Online: false})
	h.add(t, 0, 0, "x")

	h.q.mu.Lock()
	h.q.online = true
	h.q.mu.Unlock()
	h.q.abort.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- h.q.Run(ctx) }()

	assert.Eventually(t, func() bool { return h.q.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

// busReachability reports the server back on its first check after
// failing the given number of times.
type busReachability struct {
	bus      *events.Bus
	failures int
	checks   atomic.Int64
}

func (r *busReachability) CheckReachable(context.Context) error {
	n := r.checks.Add(1)
	if int(n) <= r.failures {
		r.bus.Publish(events.ConnectivityChanged{Online: false, Source: "fetch"})
		return errors.New("dial tcp: connection refused")
	}

	r.bus.Publish(events.ConnectivityChanged{Online: true, Source: "fetch"})

	return nil
}

func TestSweep_OfflineChecksReachabilityThenDrains(t *testing.T) {
	t.Parallel()

	h := newHarness(t, conflict.ServerWins, DefaultConfig())
	reach := &busReachability{bus: h.bus, failures: 1}
	h.q.reach = reach

	h.bus.Publish(events.ConnectivityChanged{Online: false, Source: "push"})
	h.add(t, 0, 0, "x")
	assert.Nil(t, h.sched.live(), "offline adds do not schedule")

	h.q.sweep(context.Background())
	assert.Equal(t, int64(1), reach.checks.Load())
	assert.False(t, h.q.Online())
	assert.Empty(t, h.pusher.pushedIDs(), "an offline sweep never pushes")

	h.q.sweep(context.Background())
	assert.Equal(t, int64(2), reach.checks.Load())
	require.True(t, h.q.Online())

	timer := h.sched.live()
	require.NotNil(t, timer)
	assert.Equal(t, time.Duration(0), timer.d)

	timer.f()
	assert.Equal(t, 0, h.q.Len())
	assert.Equal(t, []string{"chg-1"}, h.pusher.pushedIDs())
}

func TestSweep_OfflineEmptyQueueSkipsCheck(t *testing.T) {
	t.Parallel()

	h := newHarness(t, conflict.ServerWins, DefaultConfig())
	reach := &busReachability{bus: h.bus}
	h.q.reach = reach

	h.bus.Publish(events.ConnectivityChanged{Online: false})
	h.q.sweep(context.Background())

	assert.Zero(t, reach.checks.Load())
	assert.False(t, h.q.Online())
}

func TestClose_Unsubscribes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, conflict.ServerWins, DefaultConfig())
	h.q.Close()

	h.bus.Publish(events.ConnectivityChanged{Online: false})
	assert.True(t, h.q.Online())
}
