// Package events carries session lifecycle events to in-process subscribers
package events

import "sync"

// EventType represents the type of event
type EventType string

// Define event types
const (
	EventSessionStarted   EventType = "SESSION_STARTED"
	EventMoveApplied      EventType = "MOVE_APPLIED"
	EventSessionEnded     EventType = "SESSION_ENDED"
	EventConnectionOpened EventType = "CONNECTION_OPENED"
	EventConnectionClosed EventType = "CONNECTION_CLOSED"
)

// all is the subscription key for handlers that receive every event type
const all EventType = "*"

// Event represents an event in the system
type Event struct {
	Type      EventType
	SessionID string // Optional, can be empty for non-session events
	Seq       int    // Per-session emission order
	Payload   interface{}
}

// Handler is a function that processes events
type Handler func(event Event)

// Publisher is the central event publisher
type Publisher struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Handler

	inflight sync.WaitGroup
}

// NewPublisher creates a new event publisher
func NewPublisher() *Publisher {
	return &Publisher{
		subscribers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for a specific event type
func (p *Publisher) Subscribe(eventType EventType, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.subscribers[eventType] = append(p.subscribers[eventType], handler)
}

// SubscribeAll registers a handler for all event types
func (p *Publisher) SubscribeAll(handler Handler) {
	p.Subscribe(all, handler)
}

// Publish hands an event to every subscriber of its type and to every "all events"
// handler. Handlers run concurrently and never block the publisher.
func (p *Publisher) Publish(event Event) {
	p.mu.RLock()
	handlers := make([]Handler, 0, len(p.subscribers[event.Type])+len(p.subscribers[all]))
	handlers = append(handlers, p.subscribers[event.Type]...)
	handlers = append(handlers, p.subscribers[all]...)
	p.mu.RUnlock()

	for _, handler := range handlers {
		p.inflight.Add(1)
		go func(h Handler) {
			defer p.inflight.Done()
			h(event)
		}(handler)
	}
}

// Wait blocks until every handler started so far has returned
func (p *Publisher) Wait() {
	p.inflight.Wait()
}
