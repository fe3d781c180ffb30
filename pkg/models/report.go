package models

import "time"

// SessionReport is the durable record of one sandbox run. The report is
// internally consistent: every verdict references an event present in
// Events, and timestamps are monotonic within the session bounds.
type SessionReport struct {
	ReportID  string    `json:"report_id"`
	SessionID string    `json:"session_id"`
	Target    string    `json:"target"`
	CreatedAt time.Time `json:"created_at"`
	EndedAt   time.Time `json:"ended_at"`

	State  SessionState   `json:"state"`
	Limits ResourceLimits `json:"limits"`

	Events   []*BehaviorEvent        `json:"events"`
	Verdicts []Verdict               `json:"verdicts"`
	Timeline []ResourceUsageSnapshot `json:"timeline,omitempty"`

	// FinalAction is the most severe verdict recorded for the session.
	FinalAction Action `json:"final_action"`

	EventsDropped   uint64   `json:"events_dropped"`
	Degraded        bool     `json:"degraded_enforcement"`
	DegradedReasons []string `json:"degraded_reasons,omitempty"`

	// QuarantinePath is the preserved work directory when the session ended
	// in quarantine.
	QuarantinePath string `json:"quarantine_path,omitempty"`

	ExitCode *int `json:"exit_code,omitempty"`
}

// Validate checks the report's internal consistency invariants.
func (r *SessionReport) Validate() error {
	bySeq := make(map[uint64]struct{}, len(r.Events))
	var prev *BehaviorEvent
	for _, ev := range r.Events {
		if ev.Timestamp.Before(r.CreatedAt) {
			return &ReportInconsistency{Field: "events", Detail: "event precedes session creation"}
		}
		if !r.EndedAt.IsZero() && ev.Timestamp.After(r.EndedAt) {
			return &ReportInconsistency{Field: "events", Detail: "event follows session end"}
		}
		if prev != nil && ev.Before(prev) {
			return &ReportInconsistency{Field: "events", Detail: "events out of order"}
		}
		bySeq[ev.Seq] = struct{}{}
		prev = ev
	}
	for _, v := range r.Verdicts {
		if v.EventSeq == 0 {
			continue
		}
		if _, ok := bySeq[v.EventSeq]; !ok {
			return &ReportInconsistency{Field: "verdicts", Detail: "verdict references missing event"}
		}
	}
	return nil
}

// ReportInconsistency describes a violated report invariant.
type ReportInconsistency struct {
	Field  string
	Detail string
}

func (e *ReportInconsistency) Error() string {
	return "inconsistent session report: " + e.Field + ": " + e.Detail
}
