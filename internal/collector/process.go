package collector

import (
	"context"
	"time"

	"sandtrap/internal/probe"
	"sandtrap/pkg/models"
)

// ListFunc lists the host's processes. The default is probe.Processes.
type ListFunc func() ([]probe.ProcessInfo, error)

// Proposer receives observed tree growth. Only the controller commits the
// membership change; the watcher proposes.
type Proposer func(pid, ppid int)

// ProcessWatcher observes new process creation under the tree root. The
// spawn event is emitted before enforcement scoping completes so a rule can
// reject the spawn even if enforcement lags by one sampling tick.
type ProcessWatcher struct {
	sessionID string
	tree      TreeView
	sink      Sink
	list      ListFunc
	propose   Proposer

	reported map[int]struct{}

	poller *poller
}

// NewProcessWatcher creates the child-process watcher.
func NewProcessWatcher(sessionID string, pollEvery time.Duration, tree TreeView, sink Sink, list ListFunc, propose Proposer) *ProcessWatcher {
	w := &ProcessWatcher{
		sessionID: sessionID,
		tree:      tree,
		sink:      sink,
		list:      list,
		propose:   propose,
		reported:  make(map[int]struct{}),
	}
	w.poller = newPoller(w.Name(), pollEvery, w.scan, nil)
	return w
}

// Name identifies the collector.
func (w *ProcessWatcher) Name() string { return "process" }

// Start verifies the probe works and begins polling.
func (w *ProcessWatcher) Start(ctx context.Context) error {
	if _, err := w.list(); err != nil {
		return err
	}
	w.poller.start(ctx)
	return nil
}

// Stop halts observation.
func (w *ProcessWatcher) Stop() { w.poller.stop() }

func (w *ProcessWatcher) scan(now time.Time) {
	processes, err := w.list()
	if err != nil {
		return
	}

	for _, proc := range processes {
		if w.tree.Has(proc.PID) {
			continue
		}
		if !w.tree.Has(proc.PPID) {
			continue
		}
		if _, seen := w.reported[proc.PID]; seen {
			continue
		}
		w.reported[proc.PID] = struct{}{}

		w.sink.Ingest(&models.BehaviorEvent{
			Timestamp: now,
			SessionID: w.sessionID,
			Kind:      models.KindProcessSpawn,
			PID:       proc.PPID,
			Subject:   proc.Command,
			Detail: map[string]interface{}{
				"child_pid": proc.PID,
			},
		})
		if w.propose != nil {
			w.propose(proc.PID, proc.PPID)
		}
	}
}
