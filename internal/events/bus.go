package events

import (
	"sync"
)

// Bus is a lightweight pub/sub broker using channels. Publishing never
// blocks: a subscriber whose buffer is full misses the message.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]chan Message
	all  []chan Message
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan Message)}
}

// Subscribe registers a listener for one topic and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(t Topic, buffer int) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, buffer)
	b.subs[t] = append(b.subs[t], ch)

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs[t] = remove(b.subs[t], ch)
	}
}

// SubscribeAll registers a listener for every topic.
func (b *Bus) SubscribeAll(buffer int) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, buffer)
	b.all = append(b.all, ch)

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, ch)
	}
}

// Publish fans the message out to subscribers.
func (b *Bus) Publish(m Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[m.Topic] {
		select {
		case ch <- m:
		default:
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- m:
		default:
		}
	}
}

func remove(subs []chan Message, ch chan Message) []chan Message {
	for i, c := range subs {
		if c == ch {
			close(c)
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
