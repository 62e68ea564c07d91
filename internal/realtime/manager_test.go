package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/rowsync/internal/events"
	"github.com/tonimelisma/rowsync/internal/sheet"
)

// wsServer is a real socket endpoint. Every frame a client sends is decoded
// onto received.
type wsServer struct {
	srv       *httptest.Server
	conns     chan *websocket.Conn
	received  chan map[string]any
	dials     atomic.Int32
	reject    atomic.Bool
	lastQuery atomic.Value
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()

	s := &wsServer{
		conns:    make(chan *websocket.Conn, 8),
		received: make(chan map[string]any, 64),
	}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.dials.Add(1)
		s.lastQuery.Store(r.URL.RawQuery)

		if s.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		s.conns <- conn

		go func() {
			for {
				_, data, err := conn.Read(context.Background())
				if err != nil {
					return
				}

				var msg map[string]any
				if json.Unmarshal(data, &msg) == nil {
					s.received <- msg
				}
			}
		}()
	}))
	t.Cleanup(s.srv.Close)

	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) next(t *testing.T) map[string]any {
	t.Helper()

	select {
	case msg := <-s.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return nil
	}
}

func (s *wsServer) accepted(t *testing.T) *websocket.Conn {
	t.Helper()

	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

func send(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

type fakePoller struct {
	mu      sync.Mutex
	running bool
	starts  int
	stops   int
}

func (p *fakePoller) StartPolling() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.running = true
	p.starts++
}

func (p *fakePoller) StopPolling() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.running = false
	p.stops++
}

func (p *fakePoller) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.running
}

type recordingApplier struct {
	mu   sync.Mutex
	envs []*sheet.Envelope
}

func (a *recordingApplier) ApplyUpdate(_ context.Context, env *sheet.Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.envs = append(a.envs, env)

	return nil
}

func (a *recordingApplier) applied() []*sheet.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]*sheet.Envelope(nil), a.envs...)
}

// recorder collects events of one type published from any goroutine.
type recorder[E events.Event] struct {
	mu  sync.Mutex
	got []E
}

func record[E events.Event](bus *events.Bus) *recorder[E] {
	r := &recorder[E]{}
	events.Subscribe(bus, func(ev E) {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.got = append(r.got, ev)
	})

	return r
}

func (r *recorder[E]) all() []E {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]E(nil), r.got...)
}

type fixedVersion string

func (v fixedVersion) Version() string { return string(v) }

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

func (s *fakeScheduler) all() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*fakeTimer(nil), s.timers...)
}

type harness struct {
	m       *Manager
	srv     *wsServer
	poller  *fakePoller
	applier *recordingApplier
	bus     *events.Bus
	sched   *fakeScheduler
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	h := &harness{
		srv:     newWSServer(t),
		poller:  &fakePoller{running: true},
		applier: &recordingApplier{},
		bus:     events.NewBus(nil),
		sched:   &fakeScheduler{},
	}

	cfg := DefaultConfig()
	cfg.URL = h.srv.url()
	cfg.ReconnectBase = 100 * time.Millisecond

	if mutate != nil {
		mutate(&cfg)
	}

	h.m = NewManager(Options{
		ClientID: "c1",
		Versions: fixedVersion("v9"),
		Applier:  h.applier,
		Polling:  h.poller,
		Bus:      h.bus,
		Config:   cfg,
	})
	h.m.afterFunc = h.sched.afterFunc

	t.Cleanup(h.m.Close)

	return h
}

func TestConnect_SuspendsPollingAndFlushesQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	states := record[events.ConnectionStateChanged](h.bus)
	online := record[events.ConnectivityChanged](h.bus)

	require.NoError(t, h.m.SendMessage("note", map[string]any{"n": 1}))
	require.NoError(t, h.m.SendMessage("note", map[string]any{"n": 2}))
	assert.Equal(t, 2, h.m.Stats().Queued)

	require.NoError(t, h.m.Connect(context.Background()))

	assert.Equal(t, StateConnected, h.m.State())
	assert.False(t, h.poller.isRunning())

	first := h.srv.next(t)
	second := h.srv.next(t)
	assert.Equal(t, "note", first["type"])
	assert.InDelta(t, 1.0, first["n"], 0)
	assert.InDelta(t, 2.0, second["n"], 0)
	assert.NotZero(t, first["timestamp"])
	assert.Equal(t, 0, h.m.Stats().Queued)

	require.NoError(t, h.m.Connect(context.Background()), "connect while connected is a no-op")
	assert.Equal(t, int32(1), h.srv.dials.Load())
	assert.Contains(t, h.srv.lastQuery.Load(), "clientId=c1")

	assert.Equal(t, []events.ConnectionStateChanged{
		{From: "disconnected", To: "connecting"},
		{From: "connecting", To: "connected"},
	}, states.all())
	assert.Equal(t, []events.ConnectivityChanged{{Online: true, Source: "realtime"}}, online.all())
}

func TestOnOpen_FailedFlushKeepsFramesInOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	require.NoError(t, h.m.SendMessage("note", map[string]any{"n": 1}))
	require.NoError(t, h.m.SendMessage("note", map[string]any{"n": 2}))

	// A socket that dies between the handshake and the flush.
	conn, _, err := websocket.Dial(context.Background(), h.srv.url(), nil)
	require.NoError(t, err)
	h.srv.accepted(t)
	require.NoError(t, conn.CloseNow())

	h.m.onOpen(context.Background(), conn)

	stats := h.m.Stats()
	assert.Equal(t, 2, stats.Queued, "unsent frames stay queued")
	assert.Zero(t, stats.MessagesOut)
	assert.Equal(t, StateError, h.m.State())
	assert.True(t, h.poller.isRunning())

	timers := h.sched.all()
	require.Len(t, timers, 1, "a failed flush reconnects")
	timers[0].f()

	require.Equal(t, StateConnected, h.m.State())

	first := h.srv.next(t)
	second := h.srv.next(t)
	assert.InDelta(t, 1.0, first["n"], 0)
	assert.InDelta(t, 2.0, second["n"], 0)
	assert.Equal(t, 0, h.m.Stats().Queued)
}

func TestDispatch_InboundMessages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	peers := record[events.PeerActivity](h.bus)
	notes := record[events.Notification](h.bus)

	require.NoError(t, h.m.Connect(context.Background()))
	conn := h.srv.accepted(t)

	send(t, conn, map[string]any{"type": "data-update", "version": "v1", "data": [][]any{{"a", 1}}})
	send(t, conn, map[string]any{
		"type":    "delta-update",
		"version": "v2",
		"delta":   map[string]any{"added": []any{map[string]any{"row": 1, "data": []any{"b"}}}},
	})
	send(t, conn, map[string]any{"type": "user-activity", "clientId": "other", "payload": map[string]any{"cell": "A1"}})
	send(t, conn, map[string]any{"type": "user-activity", "clientId": "c1"})
	send(t, conn, map[string]any{"type": "system-notification", "level": "warn", "message": "maintenance"})
	send(t, conn, map[string]any{"type": "error", "message": "bad request"})
	send(t, conn, map[string]any{"type": "mystery"})

	require.Eventually(t, func() bool { return h.m.Stats().MessagesIn == 7 }, 2*time.Second, 5*time.Millisecond)

	envs := h.applier.applied()
	require.Len(t, envs, 2)
	assert.Equal(t, sheet.EnvelopeFull, envs[0].Type)
	assert.Equal(t, "v1", envs[0].Version)
	assert.Equal(t, []sheet.Row{{"a", 1.0}}, envs[0].Data)
	assert.Equal(t, sheet.EnvelopeIncremental, envs[1].Type)
	require.NotNil(t, envs[1].Delta)
	assert.Equal(t, 1, envs[1].Delta.Added[0].Row)

	gotPeers := peers.all()
	require.Len(t, gotPeers, 1, "own activity echoes are dropped")
	assert.Equal(t, "other", gotPeers[0].ClientID)
	assert.Equal(t, "A1", gotPeers[0].Payload["cell"])

	assert.Equal(t, []events.Notification{
		{Level: "warn", Message: "maintenance"},
		{Level: "error", Message: "bad request"},
	}, notes.all())
}

func TestPong_UpdatesLatency(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	now := time.UnixMilli(1_700_000_000_000)
	h.m.nowFunc = func() time.Time { return now }

	require.NoError(t, h.m.Connect(context.Background()))
	conn := h.srv.accepted(t)

	send(t, conn, map[string]any{"type": "pong", "timestamp": now.Add(-50 * time.Millisecond).UnixMilli()})

	assert.Eventually(t, func() bool { return h.m.Stats().Latency == 50*time.Millisecond }, 2*time.Second, 5*time.Millisecond)
}

func TestRecordLatency_MovingAverage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	h.m.recordLatency(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, h.m.Stats().Latency)

	h.m.recordLatency(200 * time.Millisecond)
	assert.Equal(t, 110*time.Millisecond, h.m.Stats().Latency)

	h.m.recordLatency(-time.Second)
	assert.Equal(t, 110*time.Millisecond, h.m.Stats().Latency)
}

func TestReconnect_BackoffThenFallback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.srv.reject.Store(true)
	fallbacks := record[events.TransportFallback](h.bus)

	require.Error(t, h.m.Connect(context.Background()))
	assert.Equal(t, StateError, h.m.State())
	assert.True(t, h.poller.isRunning())

	for i := range 5 {
		timers := h.sched.all()
		require.Len(t, timers, i+1)
		timers[i].f()
	}

	var delays []time.Duration
	for _, tm := range h.sched.all() {
		delays = append(delays, tm.d)
	}

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
	}, delays)

	stats := h.m.Stats()
	assert.True(t, stats.Fallback)
	assert.Equal(t, int64(5), stats.Reconnects)
	assert.Equal(t, int32(6), h.srv.dials.Load())
	assert.True(t, h.poller.isRunning())

	got := fallbacks.all()
	require.Len(t, got, 1)
	assert.Equal(t, 5, got[0].Attempts)

	require.ErrorIs(t, h.m.Connect(context.Background()), ErrFallbackActive)
	require.ErrorIs(t, h.m.SendMessage("note", nil), ErrNotConnected)
	assert.Len(t, h.sched.all(), 5, "no reconnect after the ceiling")
}

func TestServerCleanClose_NoReconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.m.Connect(context.Background()))
	conn := h.srv.accepted(t)

	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	require.Eventually(t, func() bool { return h.m.State() == StateDisconnected }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.poller.isRunning())
	assert.Empty(t, h.sched.all())
}

func TestServerAbnormalClose_ReconnectsAndResumes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.m.Connect(context.Background()))
	conn := h.srv.accepted(t)
	assert.False(t, h.poller.isRunning())

	_ = conn.Close(websocket.StatusInternalError, "boom")

	require.Eventually(t, func() bool { return len(h.sched.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateError, h.m.State())
	assert.Eventually(t, h.poller.isRunning, 2*time.Second, 5*time.Millisecond, "polling covers the gap")

	timer := h.sched.all()[0]
	assert.Equal(t, 100*time.Millisecond, timer.d)

	timer.f()

	assert.Equal(t, StateConnected, h.m.State())
	assert.False(t, h.poller.isRunning())
	assert.Equal(t, 0, h.m.Stats().Attempts)
	assert.Equal(t, int32(2), h.srv.dials.Load())
}

func TestConnect_Timeout(t *testing.T) {
	t.Parallel()

	hang := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer hang.Close()

	h := newHarness(t, func(c *Config) {
		c.URL = "ws" + strings.TrimPrefix(hang.URL, "http")
		c.ConnectTimeout = 50 * time.Millisecond
	})

	start := time.Now()
	require.Error(t, h.m.Connect(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateError, h.m.State())
	assert.Len(t, h.sched.all(), 1)
}

func TestConnect_InvalidURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.URL = "not a url" })

	require.Error(t, h.m.Connect(context.Background()))
	assert.Equal(t, StateError, h.m.State())
}

func TestRequestSync(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.m.Connect(context.Background()))

	require.NoError(t, h.m.RequestSync())

	msg := h.srv.next(t)
	assert.Equal(t, "request-sync", msg["type"])
	assert.Equal(t, "c1", msg["clientId"])
	assert.Equal(t, "v9", msg["version"])
}

func TestHeartbeat_SendsPings(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.HeartbeatInterval = 10 * time.Millisecond })
	require.NoError(t, h.m.Connect(context.Background()))

	msg := h.srv.next(t)
	assert.Equal(t, "ping", msg["type"])
	assert.NotZero(t, msg["timestamp"])
}

func TestClose_StopsAndRefuses(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.m.Connect(context.Background()))

	h.m.Close()
	h.m.Close()

	assert.Equal(t, StateDisconnected, h.m.State())
	assert.True(t, h.poller.isRunning())
	require.ErrorIs(t, h.m.SendMessage("note", nil), ErrNotConnected)
	require.ErrorIs(t, h.m.Connect(context.Background()), ErrNotConnected)
}

func TestRun_ClosesOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- h.m.Run(ctx) }()

	require.Eventually(t, func() bool { return h.m.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateDisconnected, h.m.State())
	assert.Eventually(t, h.poller.isRunning, 2*time.Second, 5*time.Millisecond)
}
