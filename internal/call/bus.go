// Package call holds the lifecycle engine that coordinates signaling,
// peer connections, quality, and recovery for live calls.
package call

import (
	"sync"

	"github.com/sirupsen/logrus"

	"peercall/internal/domain"
)

const busBufferSize = 128

// Bus is the engine's typed event fan-out. Subscribers get buffered
// channels; a subscriber that stops draining loses events rather than
// stalling the engine.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan domain.Event
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan domain.Event)}
}

// Subscribe returns a channel of events and a cancel function. The
// channel is closed by cancel or when the bus shuts down.
func (b *Bus) Subscribe() (<-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan domain.Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan domain.Event, busBufferSize)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			logrus.WithFields(logrus.Fields{
				"component": "call",
				"call_id":   e.EventCallID(),
			}).Warn("event subscriber full, dropping")
		}
	}
}

// Close shuts the bus down, closing every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
