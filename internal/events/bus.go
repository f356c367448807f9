// Package events provides the in-process pub/sub bus the agent core uses to
// speak to the management GUI. The GUI subscribes; the core never blocks on
// a slow or absent subscriber.
package events

import (
	"sync"
)

// Event types published by the agent core.
const (
	EventBackupProgress  = "backup.progress"  // payload: file, percent
	EventCycleComplete   = "cycle.complete"   // payload: operation_id, status, files
	EventRestoreProgress = "restore.progress" // payload: file, percent
	EventDriveDetected   = "drive.detected"   // payload: volume
)

// Event represents an event in the system.
type Event struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// Subscriber is a channel that receives events.
type Subscriber chan Event

// Bus manages event subscriptions and publishing.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscriber
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific event type ("*" for all).
// Returns a channel that receives events and an unsubscribe function.
func (b *Bus) Subscribe(eventType string) (Subscriber, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100) // Buffer to avoid blocking publishers
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, sub := range subs {
			if sub == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}

	return ch, unsubscribe
}

// Publish sends an event to all subscribers of that event type.
// Delivery is best-effort: a full subscriber channel drops the event.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}

	for _, ch := range b.subscribers["*"] {
		select {
		case ch <- event:
		default:
		}
	}
}

// PublishProgress publishes a progress event for a file at the given percent.
func (b *Bus) PublishProgress(eventType, file string, percent int) {
	b.Publish(Event{
		Type: eventType,
		Payload: map[string]interface{}{
			"file":    file,
			"percent": percent,
		},
	})
}
