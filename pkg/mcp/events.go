package mcp

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies a connection lifecycle transition or a server-initiated
// notification.
type EventType string

const (
	// EventConnected fires once the handshake completes after a (re)start.
	EventConnected EventType = "connected"
	// EventDisconnected fires when the child process exits unexpectedly.
	EventDisconnected EventType = "disconnected"
	// EventReconnecting fires before each reconnect attempt, carrying the
	// attempt number and the backoff delay that preceded it.
	EventReconnecting EventType = "reconnecting"
	// EventReconnectFailed fires after the reconnect budget is exhausted. No
	// further attempts happen until the client is explicitly reconnected.
	EventReconnectFailed EventType = "reconnect_failed"
	// EventNotification carries a server notification (method, no id).
	EventNotification EventType = "notification"
)

// Event is the payload delivered to subscribers.
type Event struct {
	Type    EventType
	Attempt int           // reconnecting: attempt number, 1-based
	Delay   time.Duration // reconnecting: backoff delay before this attempt
	Err     string        // disconnected / reconnect_failed: underlying cause
	Method  string        // notification: JSON-RPC method
	Params  json.RawMessage
	Time    time.Time
}

// EventHandler receives events. Handlers are invoked synchronously on the
// client's internal goroutines and must not block.
type EventHandler func(Event)

// eventBroadcaster fans events out to registered handlers.
type eventBroadcaster struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]EventHandler
}

func newEventBroadcaster() *eventBroadcaster {
	return &eventBroadcaster{handlers: make(map[int]EventHandler)}
}

// subscribe registers a handler and returns its unsubscribe function.
func (b *eventBroadcaster) subscribe(h EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

func (b *eventBroadcaster) snapshot() []EventHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		out = append(out, h)
	}
	return out
}

func (b *eventBroadcaster) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, h := range b.snapshot() {
		h(e)
	}
}
