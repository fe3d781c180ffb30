// Package collector implements the behavior watchers bound to a session's
// process tree. Each collector runs its own poll loop and appends typed
// events to the aggregator ingress; no collector ever blocks another.
package collector

import (
	"context"
	"sync/atomic"
	"time"

	"sandtrap/pkg/models"
)

// Sink accepts observed events. The session's aggregator implements it.
type Sink interface {
	Ingest(ev *models.BehaviorEvent)
}

// TreeView is a read-only snapshot of the session's process tree. The
// controller refreshes it whenever it commits a membership change.
type TreeView interface {
	PIDs() []int
	Has(pid int) bool
}

// Collector is one independent behavior watcher.
type Collector interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

// poller drives a collector's observation loop on a fixed interval.
type poller struct {
	name    string
	every   time.Duration
	tick    func(now time.Time)
	final   func()
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
}

func newPoller(name string, every time.Duration, tick func(now time.Time), final func()) *poller {
	if every <= 0 {
		every = 250 * time.Millisecond
	}
	return &poller{name: name, every: every, tick: tick, final: final}
}

func (p *poller) start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if p.final != nil {
					p.final()
				}
				return
			case now := <-ticker.C:
				p.tick(now)
			}
		}
	}()
}

// stop halts observation and waits for the loop to drain. Halting completes
// within one polling interval.
func (p *poller) stop() {
	if p.cancel == nil || !p.stopped.CompareAndSwap(false, true) {
		return
	}
	p.cancel()
	<-p.done
}
