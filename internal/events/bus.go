package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"wallet-copy-trader/internal/wallet"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventExclusionAdded    EventType = "EXCLUSION_ADDED"
	EventTierChanged       EventType = "TIER_CHANGED"
	EventBehaviorChange    EventType = "BEHAVIOR_CHANGE"
	EventWalletRotated     EventType = "WALLET_ROTATED"
	EventBreakerTransition EventType = "CIRCUIT_BREAKER_TRANSITION"
	EventTradeSized        EventType = "TRADE_SIZED"
	EventTradeOutcome      EventType = "TRADE_OUTCOME"
	EventError             EventType = "ERROR"
)

// Component names carried on events.
const (
	ComponentQuality  = "quality_scorer"
	ComponentRedFlag  = "redflag_detector"
	ComponentSizer    = "position_sizer"
	ComponentMonitor  = "behavior_monitor"
	ComponentBreaker  = "circuit_breaker"
	ComponentPipeline = "pipeline"
)

// Event represents a structured system event consumed by alerting and dashboards.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Wallet    string                 `json:"wallet,omitempty"`
	Component string                 `json:"component"`
	Severity  wallet.Severity        `json:"severity"`
	Reason    string                 `json:"reason"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Publisher is the narrow interface components depend on.
type Publisher interface {
	Publish(event Event)
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	// Subscribers run in their own goroutine so a slow notifier never
	// blocks a component holding its lock.
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// Nop discards events. Used where a component is built without a bus.
type Nop struct{}

func (Nop) Publish(Event) {}

// Recorder collects events synchronously. Handy for tests and replay.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
