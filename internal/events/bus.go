package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventOrderPlaced       EventType = "ORDER_PLACED"
	EventOrderFilled       EventType = "ORDER_FILLED"
	EventOrderCancelled    EventType = "ORDER_CANCELLED"
	EventOrderTimeout      EventType = "ORDER_TIMEOUT"
	EventPriceUpdate       EventType = "PRICE_UPDATE"
	EventPositionUpdate    EventType = "POSITION_UPDATE"
	EventProtectionTripped EventType = "PROTECTION_TRIPPED"
	EventProtectionCleared EventType = "PROTECTION_CLEARED"
	EventSignalChanged     EventType = "SIGNAL_CHANGED"
	EventBotStarted        EventType = "BOT_STARTED"
	EventBotStopped        EventType = "BOT_STOPPED"
	EventError             EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Subscribers run in goroutines so a slow consumer cannot block the
	// publishing path.
	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishProtectionTripped publishes a protection trip event
func (b *Bus) PublishProtectionTripped(symbol, direction string, cumulativeMove float64) {
	b.Publish(Event{
		Type: EventProtectionTripped,
		Data: map[string]interface{}{
			"symbol":          symbol,
			"direction":       direction,
			"cumulative_move": cumulativeMove,
		},
	})
}

// PublishSignalChanged publishes a trend signal change event
func (b *Bus) PublishSignalChanged(symbol, trend string, adx float64) {
	b.Publish(Event{
		Type: EventSignalChanged,
		Data: map[string]interface{}{
			"symbol": symbol,
			"trend":  trend,
			"adx":    adx,
		},
	})
}

// PublishError publishes an error event
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
