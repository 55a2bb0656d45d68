// Package events fans domain events out to in-process subscribers.
package events

import (
	"log/slog"
	"sync"

	"github.com/vietddude/collector/internal/collector/metrics"
	"github.com/vietddude/collector/internal/core/domain"
)

const defaultBuffer = 256

type subscription struct {
	name      string
	ch        chan domain.Event
	localOnly bool
}

// Bus is a non-blocking publisher. A subscriber whose buffer is full misses
// the event; the drop is logged and counted.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	buffer int
	closed bool
	logger *slog.Logger
}

// NewBus creates a bus whose subscriber channels hold buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{
		buffer: buffer,
		logger: slog.Default().With("component", "event_bus"),
	}
}

// Subscribe registers a subscriber that receives every event.
// The returned func unsubscribes and closes the channel.
func (b *Bus) Subscribe(name string) (<-chan domain.Event, func()) {
	return b.subscribe(name, false)
}

// SubscribeLocalOnly registers a subscriber that does not receive events
// injected with PublishRemote.
func (b *Bus) SubscribeLocalOnly(name string) (<-chan domain.Event, func()) {
	return b.subscribe(name, true)
}

func (b *Bus) subscribe(name string, localOnly bool) (<-chan domain.Event, func()) {
	sub := &subscription{
		name:      name,
		ch:        make(chan domain.Event, b.buffer),
		localOnly: localOnly,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { b.remove(sub) })
	}
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish delivers an event raised in this process.
func (b *Bus) Publish(e domain.Event) {
	b.deliver(e, false)
}

// PublishRemote delivers an event received from another instance.
func (b *Bus) PublishRemote(e domain.Event) {
	b.deliver(e, true)
}

func (b *Bus) deliver(e domain.Event, remote bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	eventType := string(e.EventType())
	metrics.EventsPublished.WithLabelValues(eventType).Inc()
	for _, sub := range b.subs {
		if remote && sub.localOnly {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			metrics.EventsDropped.WithLabelValues(eventType).Inc()
			b.logger.Warn("Dropped event for full subscriber",
				"subscriber", sub.name,
				"type", eventType,
				"transaction_id", e.EventTransactionID(),
			)
		}
	}
}

// Close closes every subscriber channel. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
