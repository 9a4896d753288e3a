// Package events carries worker lifecycle events between the supervisor and
// observers such as the SSE feed.
package events

import (
	"sync"
	"time"
)

// Event types published by the supervisor.
const (
	TypeStateChange   = "state_change"
	TypeWorkerExit    = "worker_exit"
	TypeIdleSweep     = "idle_sweep"
	TypeWorkerMessage = "worker_message"
)

// Event is one worker lifecycle occurrence.
type Event struct {
	Type     string    `json:"type"`
	OrgID    string    `json:"org_id,omitempty"`
	PluginID string    `json:"plugin_id,omitempty"`
	State    string    `json:"state,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Handler receives published events. Handlers must not block.
type Handler func(Event)

// Bus is a thread-safe in-process broadcast bus with a bounded history.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
	history  []Event
	maxHist  int
}

// NewBus creates a Bus with a 500-event history cap.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[int]Handler),
		maxHist:  500,
	}
}

// Publish delivers the event to every subscriber and appends it to history.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}
	targets := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		targets = append(targets, h)
	}
	b.mu.Unlock()

	for _, h := range targets {
		h(ev)
	}
}

// Subscribe registers a handler. The returned function unsubscribes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// History returns the most recent limit events, oldest first. limit <= 0
// returns everything retained.
func (b *Bus) History(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := 0
	if limit > 0 && len(b.history) > limit {
		start = len(b.history) - limit
	}
	out := make([]Event, len(b.history)-start)
	copy(out, b.history[start:])
	return out
}
