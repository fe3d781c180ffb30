package models

import "time"

// Action is the policy engine's decision for an event.
type Action string

const (
	ActionAllow      Action = "allow"
	ActionWarn       Action = "warn"
	ActionThrottle   Action = "throttle"
	ActionTerminate  Action = "terminate"
	ActionQuarantine Action = "quarantine"
)

// Severity returns the enforcement rank of the action. Higher ranks govern;
// a recorded verdict is never weakened by a later, lower-ranked one.
func (a Action) Severity() int {
	switch a {
	case ActionAllow:
		return 0
	case ActionWarn:
		return 1
	case ActionThrottle:
		return 2
	case ActionTerminate:
		return 3
	case ActionQuarantine:
		return 4
	}
	return 0
}

// Valid reports whether the action is a known verdict action.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionWarn, ActionThrottle, ActionTerminate, ActionQuarantine:
		return true
	}
	return false
}

// Terminal reports whether the action ends the session.
func (a Action) Terminal() bool {
	return a == ActionTerminate || a == ActionQuarantine
}

// Verdict records one policy decision. Verdicts are appended to session
// history and never retracted.
type Verdict struct {
	Timestamp time.Time `json:"@timestamp"`
	Action    Action    `json:"action"`
	Rule      string    `json:"rule,omitempty"`
	EventSeq  uint64    `json:"event_seq"`
	Reason    string    `json:"reason,omitempty"`
}
