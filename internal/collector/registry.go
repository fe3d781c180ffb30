package collector

import (
	"context"
	"time"

	"sandtrap/pkg/models"
)

// SnapshotFunc captures the monitored persistence keys as a
// name-to-fingerprint map. The default is probe.PersistenceSnapshot.
type SnapshotFunc func(keys []string) (map[string]string, error)

// RegistryWatcher observes value create/write/delete under the monitored
// hives (autostart paths on hosts without a registry).
type RegistryWatcher struct {
	sessionID string
	keys      []string
	tree      TreeView
	sink      Sink
	snapshot  SnapshotFunc

	known map[string]string

	poller *poller
}

// NewRegistryWatcher creates the registry/persistence watcher.
func NewRegistryWatcher(sessionID string, keys []string, pollEvery time.Duration, tree TreeView, sink Sink, snapshot SnapshotFunc) *RegistryWatcher {
	w := &RegistryWatcher{
		sessionID: sessionID,
		keys:      keys,
		tree:      tree,
		sink:      sink,
		snapshot:  snapshot,
	}
	w.poller = newPoller(w.Name(), pollEvery, w.scan, nil)
	return w
}

// Name identifies the collector.
func (w *RegistryWatcher) Name() string { return "registry" }

// Start seeds the baseline snapshot and begins polling.
func (w *RegistryWatcher) Start(ctx context.Context) error {
	baseline, err := w.snapshot(w.keys)
	if err != nil {
		return err
	}
	w.known = baseline
	w.poller.start(ctx)
	return nil
}

// Stop halts observation.
func (w *RegistryWatcher) Stop() { w.poller.stop() }

func (w *RegistryWatcher) scan(now time.Time) {
	current, err := w.snapshot(w.keys)
	if err != nil {
		return
	}

	for name, value := range current {
		prev, existed := w.known[name]
		if !existed || prev != value {
			op := "write"
			if !existed {
				op = "create"
			}
			w.sink.Ingest(&models.BehaviorEvent{
				Timestamp: now,
				SessionID: w.sessionID,
				Kind:      models.KindRegistryWrite,
				PID:       rootPID(w.tree),
				Subject:   name,
				Detail:    map[string]interface{}{"op": op},
			})
		}
	}
	for name := range w.known {
		if _, ok := current[name]; !ok {
			w.sink.Ingest(&models.BehaviorEvent{
				Timestamp: now,
				SessionID: w.sessionID,
				Kind:      models.KindRegistryDelete,
				PID:       rootPID(w.tree),
				Subject:   name,
			})
		}
	}
	w.known = current
}
