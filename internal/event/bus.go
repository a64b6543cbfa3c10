package event

import (
	"context"
	"errors"
	"sync"
)

// ErrBusClosed is returned when publishing after Close.
var ErrBusClosed = errors.New("event bus closed")

// Bus merges events from every producer into one ordered stream with a
// single consumer. Events from one producer keep their publish order.
type Bus struct {
	mu     sync.RWMutex
	closed bool
	ch     chan Event
}

// NewBus creates a bus buffering up to size events.
func NewBus(size int) *Bus {
	return &Bus{ch: make(chan Event, size)}
}

// Publish blocks until the event is buffered, ctx is done, or the bus is
// closed.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}
	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side. It is closed by Close once every
// in-flight Publish has returned.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Close stops accepting events. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
