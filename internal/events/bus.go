// Package events fans out forward lifecycle and traffic notifications to
// subscribers such as the control API's event stream.
package events

import (
	"sync"
	"time"

	"github.com/orris-inc/sshfwd/internal/forward"
)

// Kind is the closed set of event kinds.
type Kind string

const (
	KindActive   Kind = "active"
	KindInactive Kind = "inactive"
	KindError    Kind = "error"
	KindTraffic  Kind = "traffic"
)

// Event is one notification about a forward.
type Event struct {
	Kind      Kind                  `json:"kind"`
	ForwardID string                `json:"forwardId"`
	Message   string                `json:"message,omitempty"`
	Stats     *forward.TrafficStats `json:"stats,omitempty"`
	Time      time.Time             `json:"time"`
}

// Bus delivers published events to every subscriber. Publish never blocks:
// a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
}

// NewBus creates a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unregisters it and closes the channel; it is safe to call
// more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers ev to all subscribers. It returns the number of
// subscribers that received it.
func (b *Bus) Publish(ev Event) int {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}

// Close unregisters all subscribers and closes their channels.
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
