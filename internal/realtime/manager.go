// Package realtime keeps a persistent socket to the server and prefers it
// over polling. While the socket is open the poller is suspended; when it
// drops the poller resumes, and after repeated failures the transport gives
// up for the rest of the session.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/tonimelisma/rowsync/internal/events"
	"github.com/tonimelisma/rowsync/internal/sheet"
)

// Sentinel errors.
var (
	ErrFallbackActive = errors.New("realtime: fell back to polling for this session")
	ErrNotConnected   = errors.New("realtime: not connected")
)

// State is the connection state.
type State string

// Connection states.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Applier applies envelopes pushed by the server.
type Applier interface {
	ApplyUpdate(ctx context.Context, env *sheet.Envelope) error
}

// PollSwitch turns the fallback poller on and off.
type PollSwitch interface {
	StartPolling()
	StopPolling()
}

// VersionSource reports the last applied server version.
type VersionSource interface {
	Version() string
}

// Config holds socket timings.
type Config struct {
	URL                  string
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBase        time.Duration
	MaxReconnectAttempts int
	UserAgent            string
}

// DefaultConfig returns the standard timings. URL is left empty.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		ReconnectBase:        time.Second,
		MaxReconnectAttempts: 5,
	}
}

// writeTimeout bounds a single frame write.
const writeTimeout = 10 * time.Second

// Options configures a Manager. Applier and Polling are required.
type Options struct {
	ClientID string
	Versions VersionSource
	Applier  Applier
	Polling  PollSwitch
	Bus      events.Publisher
	Config   Config
	Logger   *slog.Logger
}

// Stats is a snapshot of transport counters.
type Stats struct {
	State       State
	Attempts    int
	Reconnects  int64
	Fallback    bool
	Latency     time.Duration
	MessagesIn  int64
	MessagesOut int64
	Queued      int
}

type timerHandle interface {
	Stop() bool
}

// Manager owns the socket. Safe for concurrent use.
type Manager struct {
	cfg      Config
	clientID string
	versions VersionSource
	applier  Applier
	polling  PollSwitch
	bus      events.Publisher
	logger   *slog.Logger

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	connID      uint64
	attempts    int
	fallback    bool
	closed      bool
	outbound    [][]byte
	baseCtx     context.Context
	reconnect   timerHandle
	stopBeat    context.CancelFunc
	latency     time.Duration
	haveLatency bool

	nowFunc   func() time.Time
	afterFunc func(d time.Duration, f func()) timerHandle

	messagesIn  atomic.Int64
	messagesOut atomic.Int64
	reconnects  atomic.Int64
}

// NewManager creates a disconnected manager. Nothing is dialed until
// Connect.
func NewManager(opts Options) *Manager {
	if opts.Applier == nil || opts.Polling == nil {
		panic("realtime: NewManager requires Applier and Polling")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := opts.Config
	def := DefaultConfig()

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}

	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}

	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}

	return &Manager{
		cfg:      cfg,
		clientID: opts.ClientID,
		versions: opts.Versions,
		applier:  opts.Applier,
		polling:  opts.Polling,
		bus:      opts.Bus,
		logger:   logger,
		state:    StateDisconnected,
		baseCtx:  context.Background(),
		nowFunc:  time.Now,
		afterFunc: func(d time.Duration, f func()) timerHandle {
			return time.AfterFunc(d, f)
		},
	}
}

// Connect dials the socket. It is a no-op while connected or connecting and
// returns ErrFallbackActive once the transport has given up. ctx bounds the
// life of the connection, not just the dial.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()

	if m.fallback {
		m.mu.Unlock()
		return ErrFallbackActive
	}

	if m.closed {
		m.mu.Unlock()
		return ErrNotConnected
	}

	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}

	m.baseCtx = ctx
	from := m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	m.publishState(from, StateConnecting)

	target, err := m.dialURL()
	if err != nil {
		m.onClose(false, err)
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPHeader: m.header(),
	})
	cancel()

	if err != nil {
		clean := ctx.Err() != nil
		m.onClose(clean, err)

		return fmt.Errorf("realtime: dialing %s: %w", m.cfg.URL, err)
	}

	m.onOpen(ctx, conn)

	return nil
}

func (m *Manager) dialURL() (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("realtime: invalid url %q", m.cfg.URL)
	}

	if m.clientID != "" {
		q := u.Query()
		q.Set("clientId", m.clientID)
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

func (m *Manager) header() http.Header {
	h := http.Header{}
	if m.cfg.UserAgent != "" {
		h.Set("User-Agent", m.cfg.UserAgent)
	}

	return h
}

func (m *Manager) onOpen(ctx context.Context, conn *websocket.Conn) {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")

		return
	}

	m.conn = conn
	m.connID++
	id := m.connID
	m.attempts = 0
	m.mu.Unlock()

	// Drain the outbound queue before flipping to connected so that frames
	// sent meanwhile are queued behind it rather than overtaking it.
	var (
		flushed  int
		from     State
		beatCtx  context.Context
		stopBeat context.CancelFunc
	)

	for {
		m.mu.Lock()

		if m.closed {
			m.mu.Unlock()
			return
		}

		pending := m.outbound
		m.outbound = nil

		if len(pending) == 0 {
			from = m.setStateLocked(StateConnected)
			beatCtx, stopBeat = context.WithCancel(ctx)
			m.stopBeat = stopBeat
			m.mu.Unlock()

			break
		}

		m.mu.Unlock()

		for i, frame := range pending {
			if err := m.write(ctx, conn, frame); err != nil {
				// Unsent frames go back ahead of anything queued since.
				m.mu.Lock()
				m.outbound = slices.Concat(pending[i:], m.outbound)
				m.mu.Unlock()

				m.logger.Warn("flushing queued messages failed",
					slog.Int("unsent", len(pending)-i),
					slog.String("error", err.Error()),
				)

				_ = conn.CloseNow()
				m.onDisconnect(ctx, id, err)

				return
			}

			flushed++
		}
	}

	m.logger.Info("realtime connected",
		slog.String("url", m.cfg.URL),
		slog.Int("flushed", flushed),
	)

	m.polling.StopPolling()
	m.publishState(from, StateConnected)
	m.publish(events.ConnectivityChanged{Online: true, Source: "realtime"})

	go m.heartbeat(beatCtx, conn)
	go m.readLoop(ctx, conn, id)
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn, id uint64) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			m.onDisconnect(ctx, id, err)
			return
		}

		if typ != websocket.MessageText {
			m.logger.Debug("ignoring binary frame", slog.Int("bytes", len(data)))
			continue
		}

		m.dispatch(ctx, data)
	}
}

// onDisconnect handles the end of connection id. Stale ids (a connection
// already replaced or closed locally) are ignored.
func (m *Manager) onDisconnect(ctx context.Context, id uint64, err error) {
	m.mu.Lock()

	if id != m.connID || m.conn == nil {
		m.mu.Unlock()
		return
	}

	m.conn = nil
	if m.stopBeat != nil {
		m.stopBeat()
		m.stopBeat = nil
	}

	clean := m.closed || ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure
	m.mu.Unlock()

	m.onClose(clean, err)
}

// onClose moves to disconnected (clean) or error, re-enables polling, and
// either schedules a reconnect or falls back.
func (m *Manager) onClose(clean bool, reason error) {
	to := StateDisconnected
	if !clean {
		to = StateError
	}

	m.mu.Lock()
	from := m.setStateLocked(to)

	var (
		delay    time.Duration
		fellBack bool
	)

	if !clean && !m.closed {
		if m.attempts < m.cfg.MaxReconnectAttempts {
			delay = m.cfg.ReconnectBase << m.attempts
			m.attempts++

			if m.reconnect != nil {
				m.reconnect.Stop()
			}

			m.reconnect = m.afterFunc(delay, m.retry)
		} else {
			m.fallback = true
			fellBack = true
		}
	}

	attempts := m.attempts
	m.mu.Unlock()

	m.polling.StartPolling()
	m.publishState(from, to)

	var msg string
	if reason != nil {
		msg = reason.Error()
	}

	switch {
	case fellBack:
		m.logger.Warn("realtime unavailable, falling back to polling",
			slog.Int("attempts", attempts),
			slog.String("error", msg),
		)
		m.publish(events.TransportFallback{Attempts: attempts, Reason: msg})
	case delay > 0:
		m.logger.Warn("realtime connection lost, reconnecting",
			slog.Int("attempt", attempts),
			slog.Duration("backoff", delay),
			slog.String("error", msg),
		)
	default:
		m.logger.Info("realtime disconnected", slog.Bool("clean", clean))
	}
}

func (m *Manager) retry() {
	m.mu.Lock()
	m.reconnect = nil
	ctx := m.baseCtx
	closed := m.closed
	m.mu.Unlock()

	if closed || ctx.Err() != nil {
		return
	}

	m.reconnects.Add(1)

	if err := m.Connect(ctx); err != nil {
		m.logger.Debug("reconnect attempt failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := encodeFrame(MsgPing, nil, m.nowFunc())
			if err != nil {
				continue
			}

			if err := m.write(ctx, conn, frame); err != nil {
				m.logger.Debug("heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (m *Manager) write(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := conn.Write(wctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}

	m.messagesOut.Add(1)

	return nil
}

// SendMessage sends a frame of msgType carrying payload. While the socket is
// not open the frame is queued and flushed in order on the next open. It
// returns ErrNotConnected once no connection can come back: after Close or
// fallback.
func (m *Manager) SendMessage(msgType string, payload map[string]any) error {
	frame, err := encodeFrame(msgType, payload, m.nowFunc())
	if err != nil {
		return fmt.Errorf("realtime: encoding %s: %w", msgType, err)
	}

	m.mu.Lock()

	if m.closed || m.fallback {
		m.mu.Unlock()
		return ErrNotConnected
	}

	if m.state != StateConnected || m.conn == nil {
		m.outbound = append(m.outbound, frame)
		m.mu.Unlock()

		return nil
	}

	conn := m.conn
	ctx := m.baseCtx
	m.mu.Unlock()

	if err := m.write(ctx, conn, frame); err != nil {
		m.logger.Warn("send failed, queued for next connection",
			slog.String("type", msgType),
			slog.String("error", err.Error()),
		)

		m.mu.Lock()
		m.outbound = append(m.outbound, frame)
		m.mu.Unlock()
	}

	return nil
}

// RequestSync asks the server to push anything newer than the local version.
func (m *Manager) RequestSync() error {
	var version string
	if m.versions != nil {
		version = m.versions.Version()
	}

	return m.SendMessage(MsgRequestSync, map[string]any{
		"clientId": m.clientID,
		"version":  version,
	})
}

// Close closes the socket cleanly and stops timers. Polling is re-enabled
// if the socket was open.
func (m *Manager) Close() {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return
	}

	m.closed = true

	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}

	if m.stopBeat != nil {
		m.stopBeat()
		m.stopBeat = nil
	}

	conn := m.conn
	m.conn = nil
	m.connID++
	from := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
		m.polling.StartPolling()
	}

	m.publishState(from, StateDisconnected)
}

// Run connects and holds the connection until ctx is canceled. A failed
// first dial is not fatal: reconnects or fallback take over.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Connect(ctx); err != nil {
		m.logger.Warn("realtime connect failed", slog.String("error", err.Error()))
	}

	<-ctx.Done()
	m.Close()

	return nil
}

// State returns the connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Stats returns a snapshot of transport counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		State:       m.state,
		Attempts:    m.attempts,
		Reconnects:  m.reconnects.Load(),
		Fallback:    m.fallback,
		Latency:     m.latency,
		MessagesIn:  m.messagesIn.Load(),
		MessagesOut: m.messagesOut.Load(),
		Queued:      len(m.outbound),
	}
}

// setStateLocked sets the state and returns the previous one. Caller holds mu.
func (m *Manager) setStateLocked(s State) State {
	from := m.state
	m.state = s

	return from
}

func (m *Manager) publishState(from, to State) {
	if from == to {
		return
	}

	m.publish(events.ConnectionStateChanged{From: string(from), To: string(to)})
}

func (m *Manager) publish(ev events.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}
