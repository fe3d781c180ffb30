package collector

import (
	"context"
	"fmt"
	"net"
	"time"

	"sandtrap/internal/probe"
	"sandtrap/pkg/models"
)

// ConnectionsFunc lists the tree's outbound connections. The default is
// probe.ConnectionsFor.
type ConnectionsFunc func(pids map[int]struct{}) ([]probe.Connection, error)

// NetworkWatcher observes outbound connection attempts by tree members and
// classifies destinations as private or public for the aggregate rules.
type NetworkWatcher struct {
	sessionID   string
	tree        TreeView
	sink        Sink
	connections ConnectionsFunc

	known map[string]struct{}

	poller *poller
}

// NewNetworkWatcher creates the network watcher.
func NewNetworkWatcher(sessionID string, pollEvery time.Duration, tree TreeView, sink Sink, connections ConnectionsFunc) *NetworkWatcher {
	w := &NetworkWatcher{
		sessionID:   sessionID,
		tree:        tree,
		sink:        sink,
		connections: connections,
		known:       make(map[string]struct{}),
	}
	w.poller = newPoller(w.Name(), pollEvery, w.scan, nil)
	return w
}

// Name identifies the collector.
func (w *NetworkWatcher) Name() string { return "network" }

// Start verifies the probe works and begins polling.
func (w *NetworkWatcher) Start(ctx context.Context) error {
	if _, err := w.connections(treeSet(w.tree)); err != nil {
		return err
	}
	w.poller.start(ctx)
	return nil
}

// Stop halts observation.
func (w *NetworkWatcher) Stop() { w.poller.stop() }

func (w *NetworkWatcher) scan(now time.Time) {
	conns, err := w.connections(treeSet(w.tree))
	if err != nil {
		return
	}

	for _, conn := range conns {
		key := fmt.Sprintf("%d|%s|%d", conn.PID, conn.Remote, conn.Port)
		if _, seen := w.known[key]; seen {
			continue
		}
		w.known[key] = struct{}{}

		w.sink.Ingest(&models.BehaviorEvent{
			Timestamp: now,
			SessionID: w.sessionID,
			Kind:      models.KindNetworkConnect,
			PID:       conn.PID,
			Subject:   fmt.Sprintf("%s:%d", conn.Remote, conn.Port),
			Detail: map[string]interface{}{
				"port":        conn.Port,
				"protocol":    conn.Protocol,
				"destination": classifyDestination(conn.Remote),
			},
		})
	}
}

func classifyDestination(remote string) string {
	ip := net.ParseIP(remote)
	if ip == nil {
		return "public"
	}
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return "private"
	}
	return "public"
}

func treeSet(tree TreeView) map[int]struct{} {
	set := make(map[int]struct{})
	if tree == nil {
		return set
	}
	for _, pid := range tree.PIDs() {
		set[pid] = struct{}{}
	}
	return set
}
