// Package aggregator merges the collectors' event streams into one ordered,
// deduplicated, bounded queue. It is the only synchronization point between
// the collectors and the policy pipeline.
package aggregator

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"sandtrap/pkg/models"
)

// Aggregator is a bounded multi-producer single-consumer event queue.
type Aggregator struct {
	mu       sync.Mutex
	pending  []*models.BehaviorEvent
	lastSeen map[string]*models.BehaviorEvent

	window   time.Duration
	capacity int

	seq     atomic.Uint64
	dropped atomic.Uint64

	notify chan struct{}
}

// New creates an aggregator with the given coalescing window and queue
// capacity.
func New(window time.Duration, capacity int) *Aggregator {
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	if capacity <= 0 {
		capacity = 4096
	}
	return &Aggregator{
		lastSeen: make(map[string]*models.BehaviorEvent),
		window:   window,
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Ingest accepts one event from a collector. Duplicate (kind, pid, subject)
// events inside the coalescing window merge into the pending event's count.
// When the queue is full, the oldest drop-eligible event is discarded; events
// whose kind can carry a terminate or quarantine rule are never discarded.
func (a *Aggregator) Ingest(ev *models.BehaviorEvent) {
	if ev == nil {
		return
	}

	a.mu.Lock()
	if ev.Seq == 0 {
		ev.Seq = a.seq.Add(1)
	}

	key := ev.DedupeKey()
	if prev, ok := a.lastSeen[key]; ok && !ev.Timestamp.After(prev.Timestamp.Add(a.window)) {
		prev.Count = prev.Occurrences() + ev.Occurrences()
		a.mu.Unlock()
		a.wake()
		return
	}

	if len(a.pending) >= a.capacity {
		a.evictLocked()
	}

	a.pending = append(a.pending, ev)
	a.lastSeen[key] = ev
	a.mu.Unlock()
	a.wake()
}

// evictLocked drops the oldest drop-eligible pending event. If every pending
// event is protected, nothing is dropped and the queue grows past capacity.
func (a *Aggregator) evictLocked() {
	for i, ev := range a.pending {
		if !ev.Kind.DropEligible() {
			continue
		}
		if a.lastSeen[ev.DedupeKey()] == ev {
			delete(a.lastSeen, ev.DedupeKey())
		}
		a.pending = append(a.pending[:i], a.pending[i+1:]...)
		a.dropped.Add(1)
		return
	}
}

// Drain returns all pending events ordered by (timestamp, seq) and empties
// the queue. Only the session's pipeline goroutine calls Drain.
func (a *Aggregator) Drain() []*models.BehaviorEvent {
	a.mu.Lock()
	out := a.pending
	a.pending = nil
	a.lastSeen = make(map[string]*models.BehaviorEvent)
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Dropped returns the number of events discarded under queue pressure.
func (a *Aggregator) Dropped() uint64 {
	return a.dropped.Load()
}

// C signals when new events are pending.
func (a *Aggregator) C() <-chan struct{} {
	return a.notify
}

func (a *Aggregator) wake() {
	select {
	case a.notify <- struct{}{}:
	default:
	}
}
