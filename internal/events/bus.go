package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Bus is a lightweight pub/sub broker using channels. Subscribers receive Message values.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]chan Message
	dropped atomic.Uint64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Message)}
}

// Subscribe registers one listener for all given topics and returns the channel and an
// unsubscribe function. The channel is closed on unsubscribe.
func (b *Bus) Subscribe(buffer int, topics ...Event) (<-chan Message, func()) {
	ch := make(chan Message, buffer)

	b.mu.Lock()
	for _, e := range topics {
		b.subs[e] = append(b.subs[e], ch)
	}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, e := range topics {
				subs := b.subs[e]
				for i, c := range subs {
					if c == ch {
						b.subs[e] = append(subs[:i:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
	return ch, unsub
}

// Publish fans the payload out without blocking; slow subscribers lose the message.
func (b *Bus) Publish(e Event, payload any) {
	msg := Message{Event: e, Payload: payload, At: time.Now()}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
