package eventbus

import (
	"context"
	"fmt"
	"sync"

	"fxPilot/internal/domain"
	"fxPilot/internal/ports"
)

// Handler consumes a single lifecycle event. Handlers run synchronously on
// the publisher's goroutine and must not block.
type Handler func(ctx context.Context, ev domain.Event)

// Bus is a typed, synchronous publish/subscribe dispatcher. Delivery is
// in-order per publisher; a panicking handler is isolated and never prevents
// delivery to the remaining subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[domain.EventKind][]Handler
	logger   ports.Logger

	published map[domain.EventKind]uint64
	recovered uint64
}

// New creates an empty bus.
func New(logger ports.Logger) *Bus {
	return &Bus{
		handlers:  make(map[domain.EventKind][]Handler),
		published: make(map[domain.EventKind]uint64),
		logger:    logger,
	}
}

// Subscribe registers a handler for one event kind. Multiple handlers per
// kind are invoked in registration order.
func (b *Bus) Subscribe(kind domain.EventKind, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Publish delivers the event to every subscriber of its kind. Safe for
// concurrent use; publishing with no subscribers is a no-op.
func (b *Bus) Publish(ctx context.Context, ev domain.Event) {
	if ev == nil {
		return
	}

	b.mu.RLock()
	hs := b.handlers[ev.Kind()]
	b.mu.RUnlock()

	b.mu.Lock()
	b.published[ev.Kind()]++
	b.mu.Unlock()

	for _, h := range hs {
		b.dispatch(ctx, ev, h)
	}
}

func (b *Bus) dispatch(ctx context.Context, ev domain.Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.recovered++
			b.mu.Unlock()
			if b.logger != nil {
				b.logger.Error(ctx, fmt.Errorf("event handler panic: %v", r),
					"Event handler panicked", map[string]interface{}{"kind": ev.Kind()})
			}
		}
	}()
	h(ctx, ev)
}

// Stats is a snapshot of dispatch counters, mainly for status reporting.
type Stats struct {
	Published map[domain.EventKind]uint64
	Recovered uint64
}

// Stats returns a copy of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := Stats{Published: make(map[domain.EventKind]uint64, len(b.published)), Recovered: b.recovered}
	for k, v := range b.published {
		out.Published[k] = v
	}
	return out
}
