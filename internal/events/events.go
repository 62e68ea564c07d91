// Package events is the in-process typed event bus that connects the sync
// components. Subscribers register for a concrete event type and are called
// synchronously, in subscription order, on the publisher's goroutine.
package events

import (
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// Event is implemented by every event published on the bus.
type Event interface {
	Kind() string
}

// Bus dispatches events to typed subscribers. The zero value is not usable;
// call NewBus.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[reflect.Type][]subscription
	logger *slog.Logger
}

type subscription struct {
	id uint64
	fn func(Event)
}

// NewBus creates an empty bus. A nil logger falls back to slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{
		subs:   make(map[reflect.Type][]subscription),
		logger: logger,
	}
}

// Subscribe registers fn for events of type E and returns a function that
// removes the subscription.
func Subscribe[E Event](b *Bus, fn func(E)) (unsubscribe func()) {
	t := reflect.TypeFor[E]()

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{
		id: id,
		fn: func(ev Event) { fn(ev.(E)) },
	})
	b.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() { b.remove(t, id) })
	}
}

func (b *Bus) remove(t reflect.Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[t]
	for i, s := range list {
		if s.id == id {
			b.subs[t] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every subscriber of its concrete type. Handlers run
// without the bus lock held, so a handler may publish or subscribe. A panic
// in one handler is logged and does not prevent delivery to the rest.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	list := b.subs[reflect.TypeOf(ev)]
	handlers := make([]subscription, len(list))
	copy(handlers, list)
	b.mu.RUnlock()

	for _, s := range handlers {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("kind", ev.Kind()),
				slog.Any("panic", r),
			)
		}
	}()

	s.fn(ev)
}

// Publisher is the narrow capability components use to emit events.
type Publisher interface {
	Publish(ev Event)
}

// ActivityChanged reports an activity-state transition.
type ActivityChanged struct {
	From string
	To   string
	At   time.Time
}

// Kind implements Event.
func (ActivityChanged) Kind() string { return "activity-changed" }

// VisibilityChanged reports the host becoming hidden or visible.
type VisibilityChanged struct {
	Visible bool
}

// Kind implements Event.
func (VisibilityChanged) Kind() string { return "visibility-changed" }

// ConnectivityChanged reports reachability of the remote endpoint.
type ConnectivityChanged struct {
	Online bool
	Source string
}

// Kind implements Event.
func (ConnectivityChanged) Kind() string { return "connectivity-changed" }

// ConnectionStateChanged reports a realtime transport state transition.
type ConnectionStateChanged struct {
	From string
	To   string
}

// Kind implements Event.
func (ConnectionStateChanged) Kind() string { return "connection-state-changed" }

// TransportFallback is published once when the realtime transport gives up
// and polling becomes the permanent driver for the session.
type TransportFallback struct {
	Attempts int
	Reason   string
}

// Kind implements Event.
func (TransportFallback) Kind() string { return "transport-fallback" }

// Applied is published after an envelope is applied to the local store.
type Applied struct {
	Rows    int
	Mode    string // "full" or "incremental"
	Version string
	Elapsed time.Duration
}

// Kind implements Event.
func (Applied) Kind() string { return "applied" }

// PeerActivity relays another client's activity received over the socket.
type PeerActivity struct {
	ClientID string
	Payload  map[string]any
}

// Kind implements Event.
func (PeerActivity) Kind() string { return "peer-activity" }

// Notification is a user-facing message.
type Notification struct {
	Level   string
	Message string
}

// Kind implements Event.
func (Notification) Kind() string { return "notification" }

// ConflictResolved is published after a local change collided with the
// server and a value was chosen.
type ConflictResolved struct {
	Row      int
	Col      int
	Strategy string
	Value    any
}

// Kind implements Event.
func (ConflictResolved) Kind() string { return "conflict-resolved" }
