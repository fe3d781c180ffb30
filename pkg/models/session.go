package models

import "time"

// SessionState is the lifecycle state of a sandbox session.
type SessionState string

const (
	StateInitializing SessionState = "initializing"
	StateRunning      SessionState = "running"
	StateSuspended    SessionState = "suspended"
	StateTerminating  SessionState = "terminating"
	StateTerminated   SessionState = "terminated"
)

// Done reports whether the session has reached its final state.
func (s SessionState) Done() bool {
	return s == StateTerminated
}

// StatusUpdate is one entry on the status subscription feed.
type StatusUpdate struct {
	Timestamp time.Time    `json:"@timestamp"`
	SessionID string       `json:"session_id"`
	State     SessionState `json:"state"`
	Verdict   *Verdict     `json:"verdict,omitempty"`
}
