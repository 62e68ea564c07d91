// Package activity scores recent user input and classifies the client into
// an activity state that drives the polling cadence.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tonimelisma/rowsync/internal/events"
)

// Kind is a category of user input.
type Kind string

// Input kinds.
const (
	Mouse    Kind = "mouse"
	Scroll   Kind = "scroll"
	Keyboard Kind = "keyboard"
	Edit     Kind = "edit"
)

var weights = map[Kind]float64{
	Mouse:    1,
	Scroll:   1,
	Keyboard: 3,
	Edit:     5,
}

// ParseKind validates an input kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := weights[k]; !ok {
		return "", fmt.Errorf("activity: unknown input kind %q", s)
	}

	return k, nil
}

// State is the classified activity level.
type State string

// Activity states, most to least engaged.
const (
	Active     State = "active"
	Normal     State = "normal"
	Idle       State = "idle"
	Background State = "background"
)

// Config holds the tracker thresholds.
type Config struct {
	TickInterval time.Duration
	DecayFactor  float64
	ActiveWindow time.Duration // last event within this window can be active
	IdleAfter    time.Duration // no event for this long means idle
	EditOverride time.Duration // an edit within this window forces active
	ActiveScore  float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Second,
		DecayFactor:  0.95,
		ActiveWindow: 10 * time.Second,
		IdleAfter:    30 * time.Second,
		EditOverride: 5 * time.Second,
		ActiveScore:  10,
	}
}

// Stats is a snapshot of tracker state.
type Stats struct {
	State       State
	Score       float64
	Transitions int64
	LastEvent   time.Time
	LastEdit    time.Time
	Visible     bool
}

// Tracker accumulates input into a decaying score and publishes
// events.ActivityChanged on every state transition. Safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	cfg       Config
	score     float64
	lastEvent time.Time
	lastEdit  time.Time
	visible   bool
	state     State

	transitions atomic.Int64

	// retick carries a changed tick interval to Run.
	retick chan time.Duration

	bus     events.Publisher
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewTracker creates a visible tracker in the normal state, as if the user
// had just started the client.
func NewTracker(cfg Config, bus events.Publisher, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		cfg:     cfg,
		visible: true,
		state:   Normal,
		retick:  make(chan time.Duration, 1),
		bus:     bus,
		logger:  logger,
		nowFunc: time.Now,
	}
	t.lastEvent = t.nowFunc()

	return t
}

// Record registers one input of the given kind.
func (t *Tracker) Record(kind Kind) {
	w, ok := weights[kind]
	if !ok {
		t.logger.Debug("ignoring unknown input kind", slog.String("kind", string(kind)))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFunc()
	t.score += w
	t.lastEvent = now

	if kind == Edit {
		t.lastEdit = now
	}
}

// Evaluate decays the score once and re-classifies the state. It returns
// the state after evaluation.
func (t *Tracker) Evaluate() State {
	return t.evaluate(true)
}

func (t *Tracker) evaluate(decay bool) State {
	t.mu.Lock()

	if decay {
		t.score *= t.cfg.DecayFactor
	}

	from := t.state
	to := t.classify(t.nowFunc())
	t.state = to
	t.mu.Unlock()

	if from != to {
		t.transition(from, to)
	}

	return to
}

// classify picks a state. Caller holds mu.
func (t *Tracker) classify(now time.Time) State {
	if !t.visible {
		return Background
	}

	if !t.lastEdit.IsZero() && now.Sub(t.lastEdit) < t.cfg.EditOverride {
		return Active
	}

	sinceEvent := now.Sub(t.lastEvent)

	switch {
	case sinceEvent < t.cfg.ActiveWindow && t.score >= t.cfg.ActiveScore:
		return Active
	case sinceEvent < t.cfg.IdleAfter:
		return Normal
	default:
		return Idle
	}
}

func (t *Tracker) transition(from, to State) {
	t.transitions.Add(1)

	t.logger.Debug("activity state changed",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)

	if t.bus != nil {
		t.bus.Publish(events.ActivityChanged{From: string(from), To: string(to), At: t.nowFunc()})
	}
}

// SetVisible records host visibility. Hiding forces the background state
// immediately; showing re-classifies without decaying the score.
func (t *Tracker) SetVisible(visible bool) {
	t.mu.Lock()
	changed := t.visible != visible
	t.visible = visible
	t.mu.Unlock()

	if !changed {
		return
	}

	if t.bus != nil {
		t.bus.Publish(events.VisibilityChanged{Visible: visible})
	}

	t.evaluate(false)
}

// SetConfig replaces the thresholds. The next evaluation uses them, and a
// running Run switches to the new tick interval.
func (t *Tracker) SetConfig(cfg Config) {
	t.mu.Lock()
	changed := cfg.TickInterval != t.cfg.TickInterval
	t.cfg = cfg
	t.mu.Unlock()

	if !changed || cfg.TickInterval <= 0 {
		return
	}

	// Only the latest interval matters.
	select {
	case <-t.retick:
	default:
	}

	select {
	case t.retick <- cfg.TickInterval:
	default:
	}
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// Stats returns a snapshot of the tracker.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Stats{
		State:       t.state,
		Score:       t.score,
		Transitions: t.transitions.Load(),
		LastEvent:   t.lastEvent,
		LastEdit:    t.lastEdit,
		Visible:     t.visible,
	}
}

// Run evaluates once per tick until ctx is canceled.
func (t *Tracker) Run(ctx context.Context) error {
	t.mu.Lock()
	interval := t.cfg.TickInterval
	t.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-t.retick:
			ticker.Reset(d)
			t.logger.Debug("activity tick interval changed", slog.Duration("interval", d))
		case <-ticker.C:
			t.Evaluate()
		}
	}
}
