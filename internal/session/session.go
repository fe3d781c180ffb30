// Package session owns the state of one supervised sandbox run: lifecycle,
// recorded events and verdicts, process tree membership, and the status
// feed. The manager replaces any ambient global session registry.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sandtrap/pkg/models"
)

// Session is one supervised execution of a target program.
type Session struct {
	ID        string
	Target    string
	CreatedAt time.Time
	Limits    models.ResourceLimits
	Tree      *Tree
	Feed      *Feed

	mu          sync.Mutex
	state       models.SessionState
	events      []*models.BehaviorEvent
	verdicts    []models.Verdict
	finalAction models.Action
	degraded    []string
	dropped     uint64
	exitCode    *int
	endedAt     time.Time
	quarantine  string
}

// New creates a session in the Initializing state.
func New(target string, limits models.ResourceLimits) *Session {
	return &Session{
		ID:          uuid.NewString(),
		Target:      target,
		CreatedAt:   time.Now(),
		Limits:      limits,
		Feed:        NewFeed(),
		state:       models.StateInitializing,
		finalAction: models.ActionAllow,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the lifecycle and publishes the update. Illegal
// transitions are rejected; Terminated is final.
func (s *Session) SetState(next models.SessionState) bool {
	s.mu.Lock()
	if !legalTransition(s.state, next) {
		s.mu.Unlock()
		return false
	}
	s.state = next
	if next == models.StateTerminated {
		s.endedAt = time.Now()
	}
	s.mu.Unlock()

	s.Feed.Publish(models.StatusUpdate{
		Timestamp: time.Now(),
		SessionID: s.ID,
		State:     next,
	})
	return true
}

func legalTransition(from, to models.SessionState) bool {
	switch from {
	case models.StateInitializing:
		return to == models.StateRunning || to == models.StateTerminating || to == models.StateTerminated
	case models.StateRunning:
		return to == models.StateSuspended || to == models.StateTerminating
	case models.StateSuspended:
		return to == models.StateRunning || to == models.StateTerminating
	case models.StateTerminating:
		return to == models.StateTerminated
	}
	return false
}

// RecordEvent appends an event to the session history.
func (s *Session) RecordEvent(ev *models.BehaviorEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

// RecordVerdict appends a verdict, raises the governing action if the new
// one is more severe, and publishes the update. The governing action never
// weakens: a quarantine stays quarantine whatever follows.
func (s *Session) RecordVerdict(v models.Verdict) {
	s.mu.Lock()
	s.verdicts = append(s.verdicts, v)
	if v.Action.Severity() > s.finalAction.Severity() {
		s.finalAction = v.Action
	}
	state := s.state
	s.mu.Unlock()

	s.Feed.Publish(models.StatusUpdate{
		Timestamp: v.Timestamp,
		SessionID: s.ID,
		State:     state,
		Verdict:   &v,
	})
}

// GoverningAction returns the most severe verdict recorded so far.
func (s *Session) GoverningAction() models.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalAction
}

// Degrade flags partial enforcement with a reason. The session continues
// under partial supervision.
func (s *Session) Degrade(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded = append(s.degraded, reason)
}

// Degraded reports whether any enforcement degradation was recorded.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.degraded) > 0
}

// SetDropped records the aggregator's drop counter.
func (s *Session) SetDropped(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = n
}

// SetExitCode records the target's exit code when it exited naturally.
func (s *Session) SetExitCode(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitCode = &code
}

// SetQuarantinePath records the preserved artifact directory.
func (s *Session) SetQuarantinePath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantine = path
}

// Report builds the session's durable record with the given resource
// timeline.
func (s *Session) Report(timeline []models.ResourceUsageSnapshot) *models.SessionReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]*models.BehaviorEvent, len(s.events))
	copy(events, s.events)
	// Late coalesced flushes carry first-seen timestamps, so the recorded
	// order can trail the canonical one; restore it for the report.
	sort.Slice(events, func(i, j int) bool { return events[i].Before(events[j]) })
	verdicts := make([]models.Verdict, len(s.verdicts))
	copy(verdicts, s.verdicts)
	reasons := make([]string, len(s.degraded))
	copy(reasons, s.degraded)

	endedAt := s.endedAt
	if endedAt.IsZero() {
		endedAt = time.Now()
	}

	return &models.SessionReport{
		ReportID:        uuid.NewString(),
		SessionID:       s.ID,
		Target:          s.Target,
		CreatedAt:       s.CreatedAt,
		EndedAt:         endedAt,
		State:           s.state,
		Limits:          s.Limits,
		Events:          events,
		Verdicts:        verdicts,
		Timeline:        timeline,
		FinalAction:     s.finalAction,
		EventsDropped:   s.dropped,
		Degraded:        len(reasons) > 0,
		DegradedReasons: reasons,
		QuarantinePath:  s.quarantine,
		ExitCode:        s.exitCode,
	}
}
