package events

import (
	"testing"
	"time"

	"wallet-copy-trader/internal/wallet"
)

func TestEventBusDeliversToTypedAndAllSubscribers(t *testing.T) {
	bus := NewEventBus()

	typed := make(chan Event, 1)
	all := make(chan Event, 2)
	bus.Subscribe(EventExclusionAdded, func(e Event) { typed <- e })
	bus.SubscribeAll(func(e Event) { all <- e })

	bus.Publish(Event{
		Type:      EventExclusionAdded,
		Wallet:    "0x1111111111111111111111111111111111111111",
		Component: ComponentRedFlag,
		Severity:  wallet.SeverityHigh,
		Reason:    "test",
	})
	bus.Publish(Event{Type: EventTierChanged, Component: ComponentQuality})

	select {
	case e := <-typed:
		if e.ID == "" {
			t.Error("Expected event ID to be assigned")
		}
		if e.Timestamp.IsZero() {
			t.Error("Expected timestamp to be assigned")
		}
	case <-time.After(time.Second):
		t.Fatal("Expected typed subscriber to receive event")
	}

	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatalf("Expected all-subscriber to receive 2 events, got %d", i)
		}
	}
}

func TestRecorderFiltersByType(t *testing.T) {
	r := &Recorder{}
	r.Publish(Event{Type: EventTierChanged})
	r.Publish(Event{Type: EventBreakerTransition})
	r.Publish(Event{Type: EventTierChanged})

	if got := len(r.OfType(EventTierChanged)); got != 2 {
		t.Errorf("Expected 2 tier events, got %d", got)
	}
}
