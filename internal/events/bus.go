// Package events is the in-process notification bus. Publishing never
// blocks: a subscriber that falls behind loses events rather than
// stalling the pipeline.
package events

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/tinytelemetry/thousand/internal/model"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Bus fans published events out to every current subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan model.Event
	nextID uint64
	buffer int

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates a bus whose subscribers buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:   make(map[uint64]chan model.Event),
		buffer: buffer,
	}
}

// Publish delivers an event to all subscribers without waiting.
func (b *Bus) Publish(name string, payload any) {
	ev := model.Event{Name: name, Payload: payload}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
				log.Printf("events: subscriber %d is behind, dropped %d events total", id, n)
			}
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func
// unregisters it and closes the channel; it is safe to call twice.
func (b *Bus) Subscribe() (<-chan model.Event, func()) {
	ch := make(chan model.Event, b.buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats returns the published and dropped event totals.
func (b *Bus) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}
