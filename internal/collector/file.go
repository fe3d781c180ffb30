package collector

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"

	"sandtrap/pkg/models"
)

type fileState struct {
	modTime time.Time
	size    int64
}

type pendingWrite struct {
	first  time.Time
	last   time.Time
	count  int
	detail map[string]interface{}
}

// FileWatcher observes create/write/delete under the monitored paths and
// coalesces rapid repeated writes to the same path into one event with an
// accumulated count.
type FileWatcher struct {
	sessionID string
	paths     []string
	window    time.Duration
	tree      TreeView
	sink      Sink

	known   map[string]fileState
	pending map[string]*pendingWrite

	poller *poller
}

// NewFileWatcher creates the file-system watcher.
func NewFileWatcher(sessionID string, paths []string, pollEvery, coalesce time.Duration, tree TreeView, sink Sink) *FileWatcher {
	w := &FileWatcher{
		sessionID: sessionID,
		paths:     paths,
		window:    coalesce,
		tree:      tree,
		sink:      sink,
		known:     make(map[string]fileState),
		pending:   make(map[string]*pendingWrite),
	}
	w.poller = newPoller(w.Name(), pollEvery, w.scan, w.flushAll)
	return w
}

// Name identifies the collector.
func (w *FileWatcher) Name() string { return "file" }

// Start seeds the baseline snapshot and begins polling. A failed baseline
// degrades only this collector.
func (w *FileWatcher) Start(ctx context.Context) error {
	baseline, err := w.snapshot()
	if err != nil {
		return err
	}
	w.known = baseline
	w.poller.start(ctx)
	return nil
}

// Stop halts observation and flushes coalesced writes still pending.
func (w *FileWatcher) Stop() { w.poller.stop() }

func (w *FileWatcher) snapshot() (map[string]fileState, error) {
	snapshot := make(map[string]fileState)
	var firstErr error
	for _, root := range w.paths {
		err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				// An unreadable watch root is fatal to the baseline;
				// anything below it is skipped.
				if path == root {
					return walkErr
				}
				return nil
			}
			if entry.IsDir() {
				return nil
			}
			info, err := entry.Info()
			if err != nil {
				return nil
			}
			snapshot[path] = fileState{modTime: info.ModTime(), size: info.Size()}
			return nil
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return snapshot, firstErr
}

func (w *FileWatcher) scan(now time.Time) {
	current, err := w.snapshot()
	if err != nil {
		return
	}

	for path, state := range current {
		prev, existed := w.known[path]
		if !existed {
			w.noteWrite(now, path, map[string]interface{}{"op": "create"})
			continue
		}
		if !state.modTime.Equal(prev.modTime) || state.size != prev.size {
			w.noteWrite(now, path, map[string]interface{}{"op": "write"})
		}
	}
	for path := range w.known {
		if _, ok := current[path]; !ok {
			// Deletes are never coalesced; they can carry terminate rules.
			w.sink.Ingest(w.event(now, models.KindFileDelete, path, nil, 1))
		}
	}
	w.known = current

	w.flushExpired(now)
}

// noteWrite accumulates a write into the path's pending coalescing slot.
func (w *FileWatcher) noteWrite(now time.Time, path string, detail map[string]interface{}) {
	if p, ok := w.pending[path]; ok && now.Sub(p.first) <= w.window {
		p.count++
		p.last = now
		return
	}
	w.flushPath(path)
	w.pending[path] = &pendingWrite{first: now, last: now, count: 1, detail: detail}
}

func (w *FileWatcher) flushExpired(now time.Time) {
	for path, p := range w.pending {
		if now.Sub(p.first) > w.window {
			w.sink.Ingest(w.event(p.first, models.KindFileWrite, path, p.detail, p.count))
			delete(w.pending, path)
		}
	}
}

func (w *FileWatcher) flushPath(path string) {
	if p, ok := w.pending[path]; ok {
		w.sink.Ingest(w.event(p.first, models.KindFileWrite, path, p.detail, p.count))
		delete(w.pending, path)
	}
}

func (w *FileWatcher) flushAll() {
	for path := range w.pending {
		w.flushPath(path)
	}
}

func (w *FileWatcher) event(at time.Time, kind models.EventKind, subject string, detail map[string]interface{}, count int) *models.BehaviorEvent {
	return &models.BehaviorEvent{
		Timestamp: at,
		SessionID: w.sessionID,
		Kind:      kind,
		PID:       rootPID(w.tree),
		Subject:   subject,
		Count:     count,
		Detail:    detail,
	}
}

// rootPID attributes path-scoped observations to the tree root; the poll
// snapshot cannot tell which member touched the path.
func rootPID(tree TreeView) int {
	if tree == nil {
		return 0
	}
	pids := tree.PIDs()
	if len(pids) == 0 {
		return 0
	}
	return pids[0]
}
