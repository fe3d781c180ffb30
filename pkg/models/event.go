package models

import (
	"fmt"
	"time"
)

// EventKind identifies the type of an observed behavior.
type EventKind string

const (
	KindFileWrite        EventKind = "file-write"
	KindFileDelete       EventKind = "file-delete"
	KindRegistryWrite    EventKind = "registry-write"
	KindRegistryDelete   EventKind = "registry-delete"
	KindNetworkConnect   EventKind = "network-connect"
	KindProcessSpawn     EventKind = "process-spawn"
	KindPrivilegeChange  EventKind = "privilege-change"
	KindResourceExceeded EventKind = "resource-exceeded"
)

// DropEligible reports whether events of this kind may be discarded under
// queue pressure. Kinds that can carry a terminate or quarantine rule are
// never dropped.
func (k EventKind) DropEligible() bool {
	switch k {
	case KindFileDelete, KindRegistryWrite, KindRegistryDelete,
		KindNetworkConnect, KindProcessSpawn, KindPrivilegeChange,
		KindResourceExceeded:
		return false
	}
	return true
}

// BehaviorEvent is one observed action by the sandboxed process tree.
// Events are immutable once emitted by a collector.
type BehaviorEvent struct {
	Timestamp time.Time `json:"@timestamp"`
	Seq       uint64    `json:"seq"`
	SessionID string    `json:"session_id"`
	Kind      EventKind `json:"kind"`
	PID       int       `json:"pid"`

	// Subject is the path, registry key, or remote address the action
	// touched.
	Subject string `json:"subject"`

	// Count is the number of coalesced occurrences; zero means one.
	Count int `json:"count,omitempty"`

	Detail map[string]interface{} `json:"detail,omitempty"`
	Tags   []RuleTag              `json:"tags,omitempty"`
}

// RuleTag labels an event matched by a detection rule.
type RuleTag struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Severity string `json:"severity"`
}

// Occurrences returns the coalesced occurrence count, at least 1.
func (e *BehaviorEvent) Occurrences() int {
	if e.Count <= 0 {
		return 1
	}
	return e.Count
}

// DedupeKey identifies events that are duplicates for coalescing purposes.
func (e *BehaviorEvent) DedupeKey() string {
	return fmt.Sprintf("%s|%d|%s", e.Kind, e.PID, e.Subject)
}

// Before orders events by (timestamp, seq); seq breaks ties deterministically.
func (e *BehaviorEvent) Before(other *BehaviorEvent) bool {
	if e.Timestamp.Equal(other.Timestamp) {
		return e.Seq < other.Seq
	}
	return e.Timestamp.Before(other.Timestamp)
}

// Field returns a detail value as a string.
func (e *BehaviorEvent) Field(name string) string {
	if e == nil || e.Detail == nil {
		return ""
	}
	v, ok := e.Detail[name]
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case uint64:
		return fmt.Sprintf("%d", val)
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%f", val)
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", val)
	}
}
