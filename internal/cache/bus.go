package cache

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmylchreest/fragcache/internal/fmp4"
)

// EventType identifies a lifecycle event.
type EventType string

// Event types.
const (
	EventInitialized EventType = "initialized"
	EventSegment     EventType = "segment"
	EventReset       EventType = "reset"
	EventError       EventType = "error"
)

// Event is one lifecycle notification. Exactly one payload field is set,
// matching Type; reset carries none.
type Event struct {
	Type       EventType
	Generation uint64

	Init    *fmp4.InitSegment
	Segment *Segment
	Err     error
}

// Listener receives events in emission order.
type Listener interface {
	Notify(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

// Notify calls f(e).
func (f ListenerFunc) Notify(e Event) {
	f(e)
}

type registration struct {
	id       uint64
	listener Listener
}

// Bus is a synchronous publish/subscribe hub. A panicking listener is logged
// and does not stop delivery to the others.
type Bus struct {
	mu        sync.RWMutex
	listeners []registration
	nextID    uint64
	logger    *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Register adds a listener and returns a function that removes it.
func (b *Bus) Register(l Listener) (unregister func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, registration{id: id, listener: l})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, r := range b.listeners {
			if r.id == id {
				b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// Len returns the number of registered listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish delivers e to every listener registered at the time of the call.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	for _, r := range listeners {
		b.notify(r.listener, e)
	}
}

func (b *Bus) notify(l Listener, e Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("event listener panicked",
				slog.String("event", string(e.Type)),
				slog.String("panic", fmt.Sprint(rec)),
			)
		}
	}()
	l.Notify(e)
}
