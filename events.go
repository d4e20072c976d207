package pricefeed

import (
	"sync"
	"time"
)

// EventType tags a lifecycle event.
type EventType int

const (
	EventConnect EventType = iota
	EventDisconnect
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventError:
		return "error"
	}
	return "unknown"
}

// LifecycleEvent is published on the client event bus.
type LifecycleEvent struct {
	Type EventType
	// Err is set for EventError.
	Err error
	At  time.Time
}

// Listener receives lifecycle events.
type Listener func(LifecycleEvent)

// ListenerID identifies one registration of a listener.
type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// eventBus delivers events synchronously, in registration order, on the
// goroutine that raised them. A panicking listener is not recovered.
type eventBus struct {
	mu        sync.Mutex
	nextID    ListenerID
	listeners map[EventType][]listenerEntry
}

func newEventBus() *eventBus {
	return &eventBus{listeners: make(map[EventType][]listenerEntry)}
}

func (b *eventBus) on(t EventType, fn Listener) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners[t] = append(b.listeners[t], listenerEntry{id: b.nextID, fn: fn})
	return b.nextID
}

func (b *eventBus) off(t EventType, id ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.listeners[t]
	for i, e := range entries {
		if e.id == id {
			b.listeners[t] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

func (b *eventBus) notify(ev LifecycleEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	entries := make([]listenerEntry, len(b.listeners[ev.Type]))
	copy(entries, b.listeners[ev.Type])
	b.mu.Unlock()

	for _, e := range entries {
		e.fn(ev)
	}
}

func (b *eventBus) count(t EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[t])
}
