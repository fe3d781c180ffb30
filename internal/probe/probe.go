// Package probe reads process, connection, and persistence facts from the
// host OS. Platform specifics live in the build-tagged files; consumers
// inject these functions so tests can substitute fakes.
package probe

import "time"

// ProcessInfo summarizes one running process.
type ProcessInfo struct {
	PID     int
	PPID    int
	Command string
}

// Usage is the resource consumption of a single process.
type Usage struct {
	CPUTime  time.Duration
	RSSBytes uint64
	Handles  int
}

// Connection is one remote endpoint a process talks to.
type Connection struct {
	PID      int
	Remote   string
	Port     int
	Protocol string
}

// Processes lists all visible processes.
func Processes() ([]ProcessInfo, error) {
	return listProcesses()
}

// UsageFor samples one process's resource usage.
func UsageFor(pid int) (Usage, error) {
	return usageFor(pid)
}

// ConnectionsFor lists established outbound connections owned by the given
// processes.
func ConnectionsFor(pids map[int]struct{}) ([]Connection, error) {
	return connectionsFor(pids)
}

// PersistenceSnapshot captures the values under the monitored persistence
// keys (registry keys on Windows, autostart paths elsewhere) as a
// name-to-fingerprint map.
func PersistenceSnapshot(keys []string) (map[string]string, error) {
	return persistenceSnapshot(keys)
}
