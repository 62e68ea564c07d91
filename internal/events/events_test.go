package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribe_DeliversOnlyMatchingType(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)

	var got []bool
	Subscribe(bus, func(ev ConnectivityChanged) { got = append(got, ev.Online) })

	bus.Publish(ConnectivityChanged{Online: true})
	bus.Publish(VisibilityChanged{Visible: false})
	bus.Publish(ConnectivityChanged{Online: false})

	assert.Equal(t, []bool{true, false}, got)
}

func TestSubscribe_OrderAndUnsubscribe(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)

	var order []string
	unsubA := Subscribe(bus, func(Notification) { order = append(order, "a") })
	Subscribe(bus, func(Notification) { order = append(order, "b") })

	bus.Publish(Notification{Message: "one"})
	unsubA()
	unsubA()
	bus.Publish(Notification{Message: "two"})

	assert.Equal(t, []string{"a", "b", "b"}, order)
}

func TestPublish_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)

	delivered := false
	Subscribe(bus, func(Applied) { panic("boom") })
	Subscribe(bus, func(Applied) { delivered = true })

	require.NotPanics(t, func() { bus.Publish(Applied{Rows: 1}) })
	assert.True(t, delivered)
}

func TestPublish_HandlerMayPublish(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)

	var notified string
	Subscribe(bus, func(ev TransportFallback) {
		bus.Publish(Notification{Level: "warn", Message: ev.Reason})
	})
	Subscribe(bus, func(ev Notification) { notified = ev.Message })

	bus.Publish(TransportFallback{Attempts: 5, Reason: "gave up"})
	assert.Equal(t, "gave up", notified)
}

func TestEventKinds_Distinct(t *testing.T) {
	t.Parallel()

	all := []Event{
		ActivityChanged{}, VisibilityChanged{}, ConnectivityChanged{},
		ConnectionStateChanged{}, TransportFallback{}, Applied{},
		PeerActivity{}, Notification{}, ConflictResolved{},
	}

	seen := make(map[string]bool)
	for _, ev := range all {
		assert.False(t, seen[ev.Kind()], ev.Kind())
		seen[ev.Kind()] = true
	}
}
