// Package eventbus fans engine events out to subscribers (the transport
// server's connected clients, each subscribing on connect and
// unsubscribing on disconnect).
package eventbus

import (
	"context"
	"sync"

	"github.com/nervelabs/nerve/internal/logger"
)

// Event is the payload broadcast to every subscriber; transport wraps it
// as {type: "event", ...} on the wire.
type Event struct {
	EventType string
	NodeID    string
	Data      map[string]any
	Timestamp float64
}

// Bus is a fan-out publisher. A single Publish call is delivered to every
// currently-registered subscriber, in registration order for any one
// subscriber's own channel (no cross-subscriber ordering is promised).
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
	log  *logger.Logger
}

// New creates an empty event bus.
func New(log *logger.Logger) *Bus {
	return &Bus{subs: make(map[int]chan Event), log: log}
}

// Subscribe registers a new subscriber with a buffered channel and returns
// it along with an id to pass to Unsubscribe. Slow subscribers that fill
// their buffer lose the new event: Publish never blocks, it logs and drops
// the event for that one subscriber instead of stalling the emitter.
func (b *Bus) Subscribe(buffer int) (id int, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := make(chan Event, buffer)
	id = b.next
	b.next++
	b.subs[id] = c
	return id, c
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(c)
	}
}

// Publish delivers ev to every current subscriber without blocking.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, c := range b.subs {
		select {
		case c <- ev:
		case <-ctx.Done():
			return
		default:
			b.log.Warn("event subscriber backlogged, dropping event", "subscriber_id", id, "event_type", ev.EventType)
		}
	}
}

// Close unsubscribes and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, c := range b.subs {
		delete(b.subs, id)
		close(c)
	}
}
