// Package poll drives periodic sync when the realtime transport is not
// connected. The cadence follows the activity state: fast while the user is
// active, slower when idle, and suspended in the background.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tonimelisma/rowsync/internal/activity"
	"github.com/tonimelisma/rowsync/internal/events"
)

// Syncer runs one fetch-and-apply cycle.
type Syncer interface {
	SyncOnce(ctx context.Context) error
}

// Prober cheaply checks whether a full fetch is worthwhile.
type Prober interface {
	Probe(ctx context.Context) (bool, error)
}

// Intervals maps activity states to poll intervals. Background is always
// suspended.
type Intervals struct {
	Active time.Duration
	Normal time.Duration
	Idle   time.Duration
}

// DefaultIntervals returns the standard cadence.
func DefaultIntervals() Intervals {
	return Intervals{
		Active: 3 * time.Second,
		Normal: 10 * time.Second,
		Idle:   30 * time.Second,
	}
}

// DefaultBaseline is the fixed interval a naive poller would use. It is the
// reference for Stats.PollsSaved.
const DefaultBaseline = 10 * time.Second

// For returns the interval for state, or 0 when polling is suspended.
func (iv Intervals) For(state activity.State) time.Duration {
	switch state {
	case activity.Active:
		return iv.Active
	case activity.Normal:
		return iv.Normal
	case activity.Idle:
		return iv.Idle
	default:
		return 0
	}
}

// Validate rejects non-positive intervals.
func (iv Intervals) Validate() error {
	if iv.Active <= 0 || iv.Normal <= 0 || iv.Idle <= 0 {
		return fmt.Errorf("poll: intervals must be positive (active %s, normal %s, idle %s)",
			iv.Active, iv.Normal, iv.Idle)
	}

	return nil
}

// Options configures a Controller. Syncer is required; without a Prober
// idle ticks run a full sync.
type Options struct {
	Syncer    Syncer
	Prober    Prober
	Bus       *events.Bus
	Intervals Intervals
	Baseline  time.Duration
	IdleProbe bool
	Logger    *slog.Logger
}

// Stats is a snapshot of controller counters.
type Stats struct {
	TotalPolls       int64
	Probes           int64
	ProbeHits        int64
	Errors           int64
	StateChanges     int64
	PollsSaved       int64
	State            activity.State
	Interval         time.Duration
	Running          bool
	LastPollDuration time.Duration
}

// timerHandle is the subset of *time.Timer the controller uses.
type timerHandle interface {
	Stop() bool
}

// Controller schedules polls. Safe for concurrent use.
type Controller struct {
	syncer    Syncer
	prober    Prober
	idleProbe bool
	baseline  time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	intervals Intervals
	state     activity.State
	visible   bool
	started   bool
	suspended bool
	ctx       context.Context
	startedAt time.Time
	timer     timerHandle
	interval  time.Duration
	gen       uint64

	unsubscribe []func()

	nowFunc   func() time.Time
	afterFunc func(d time.Duration, f func()) timerHandle

	totalPolls   atomic.Int64
	probes       atomic.Int64
	probeHits    atomic.Int64
	errors       atomic.Int64
	stateChanges atomic.Int64
	lastPoll     atomic.Int64
}

// NewController creates a stopped controller in the normal state and
// subscribes it to activity and visibility events on opts.Bus.
func NewController(opts Options) *Controller {
	if opts.Syncer == nil {
		panic("poll: NewController requires a Syncer")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	intervals := opts.Intervals
	if intervals.Validate() != nil {
		intervals = DefaultIntervals()
	}

	baseline := opts.Baseline
	if baseline <= 0 {
		baseline = DefaultBaseline
	}

	c := &Controller{
		syncer:    opts.Syncer,
		prober:    opts.Prober,
		idleProbe: opts.IdleProbe && opts.Prober != nil,
		baseline:  baseline,
		logger:    logger,
		intervals: intervals,
		state:     activity.Normal,
		visible:   true,
		nowFunc:   time.Now,
		afterFunc: func(d time.Duration, f func()) timerHandle { return time.AfterFunc(d, f) },
	}

	if opts.Bus != nil {
		c.unsubscribe = append(c.unsubscribe,
			events.Subscribe(opts.Bus, c.onActivityChanged),
			events.Subscribe(opts.Bus, c.onVisibilityChanged),
		)
	}

	return c
}

// Start begins polling. Polls run with ctx; cancelling it stops polling
// once the in-flight poll returns.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return
	}

	c.started = true
	c.ctx = ctx
	c.startedAt = c.nowFunc()
	c.reschedule()

	c.logger.Info("polling started",
		slog.String("state", string(c.state)),
		slog.Duration("interval", c.interval),
	)
}

// Stop halts polling and detaches from the bus. It does not wait for an
// in-flight poll.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.started = false
	c.reschedule()
	unsub := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	for _, u := range unsub {
		u()
	}
}

// StartPolling resumes polling after the transport disconnects.
func (c *Controller) StartPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.suspended {
		return
	}

	c.suspended = false
	c.reschedule()
	c.logger.Debug("polling resumed", slog.Duration("interval", c.interval))
}

// StopPolling suspends polling while the transport is connected.
func (c *Controller) StopPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.suspended {
		return
	}

	c.suspended = true
	c.reschedule()
	c.logger.Debug("polling suspended by transport")
}

// Running reports whether a poll timer is live.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.timer != nil
}

// SetIntervals applies a new interval table and restarts the live timer.
func (c *Controller) SetIntervals(iv Intervals) error {
	if err := iv.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.intervals = iv
	c.reschedule()

	return nil
}

// State returns the effective activity state.
func (c *Controller) State() activity.State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.effectiveState()
}

func (c *Controller) effectiveState() activity.State {
	if !c.visible {
		return activity.Background
	}

	return c.state
}

func (c *Controller) onActivityChanged(ev events.ActivityChanged) {
	c.setState(activity.State(ev.To))
}

func (c *Controller) onVisibilityChanged(ev events.VisibilityChanged) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.visible == ev.Visible {
		return
	}

	c.visible = ev.Visible
	c.stateChanges.Add(1)
	c.reschedule()
}

func (c *Controller) setState(s activity.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == s {
		return
	}

	from := c.effectiveState()
	c.state = s
	c.stateChanges.Add(1)
	c.reschedule()

	c.logger.Debug("poll cadence changed",
		slog.String("from", string(from)),
		slog.String("to", string(c.effectiveState())),
		slog.Duration("interval", c.interval),
	)
}

// reschedule tears down the timer and starts a new one when polling should
// run. Caller holds mu.
func (c *Controller) reschedule() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	c.gen++
	c.interval = 0

	if !c.started || c.suspended {
		return
	}

	d := c.intervals.For(c.effectiveState())
	if d <= 0 {
		return
	}

	gen := c.gen
	c.interval = d
	c.timer = c.afterFunc(d, func() { c.fire(gen) })
}

// fire runs one scheduled poll and schedules the next, unless a transition
// replaced the timer while the poll was running.
func (c *Controller) fire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.started {
		c.mu.Unlock()
		return
	}

	ctx := c.ctx
	c.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	_ = c.Poll(ctx) // logged and counted inside

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen == c.gen {
		c.reschedule()
	}
}

// Poll runs one poll for the current state: a full sync when active or
// normal, a probe (then a sync on a hit) when idle, nothing in background.
func (c *Controller) Poll(ctx context.Context) error {
	state := c.State()
	if state == activity.Background {
		return nil
	}

	start := c.nowFunc()
	c.totalPolls.Add(1)

	err := c.poll(ctx, state)

	elapsed := c.nowFunc().Sub(start)
	c.lastPoll.Store(int64(elapsed))

	if err != nil {
		c.errors.Add(1)
		c.logger.Warn("poll failed",
			slog.String("state", string(state)),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)

		return err
	}

	return nil
}

func (c *Controller) poll(ctx context.Context, state activity.State) error {
	if state == activity.Idle && c.idleProbe {
		c.probes.Add(1)

		changed, err := c.prober.Probe(ctx)
		if err != nil {
			return err
		}

		if !changed {
			c.logger.Debug("idle probe: no change")
			return nil
		}

		c.probeHits.Add(1)
	}

	return c.syncer.SyncOnce(ctx)
}

// Stats returns a snapshot of controller counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	state := c.effectiveState()
	interval := c.interval
	running := c.timer != nil
	startedAt := c.startedAt
	c.mu.Unlock()

	total := c.totalPolls.Load()

	var saved int64
	if !startedAt.IsZero() {
		baselinePolls := int64(c.nowFunc().Sub(startedAt) / c.baseline)
		saved = max(baselinePolls-total, 0)
	}

	return Stats{
		TotalPolls:       total,
		Probes:           c.probes.Load(),
		ProbeHits:        c.probeHits.Load(),
		Errors:           c.errors.Load(),
		StateChanges:     c.stateChanges.Load(),
		PollsSaved:       saved,
		State:            state,
		Interval:         interval,
		Running:          running,
		LastPollDuration: time.Duration(c.lastPoll.Load()),
	}
}
