package session

import (
	"sync"

	"sandtrap/pkg/models"
)

// Feed publishes lifecycle and verdict updates to subscribers. Delivery is
// non-blocking: a subscriber whose buffer is full loses updates for itself
// only, never stalling the controller's enforcement loop.
type Feed struct {
	mu     sync.Mutex
	subs   map[int]chan models.StatusUpdate
	next   int
	closed bool
}

// NewFeed creates an empty status feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan models.StatusUpdate)}
}

// Subscribe registers a subscriber with its own buffer. The returned cancel
// function unregisters and closes the channel.
func (f *Feed) Subscribe(buffer int) (<-chan models.StatusUpdate, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan models.StatusUpdate, buffer)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
}

// Publish delivers an update to every subscriber that has buffer room.
func (f *Feed) Publish(update models.StatusUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- update:
		default:
		}
	}
}

// Close drops all subscribers.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
