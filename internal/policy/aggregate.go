package policy

import (
	"time"

	"sandtrap/pkg/models"
)

// AggregateState holds the per-session counters rate rules read. It belongs
// to the session, not to the engine, so the engine stays reentrant. All
// access happens on the session's single evaluation goroutine.
type AggregateState struct {
	byKind map[models.EventKind][]occurrence
	maxAge time.Duration
}

type occurrence struct {
	at    time.Time
	count int
}

// NewAggregateState creates empty aggregate counters. maxAge bounds how far
// back any rate window may reach; older occurrences are pruned on insert.
func NewAggregateState(maxAge time.Duration) *AggregateState {
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	return &AggregateState{
		byKind: make(map[models.EventKind][]occurrence),
		maxAge: maxAge,
	}
}

// Note records an event's occurrences. Coalesced events count once per
// accumulated occurrence.
func (s *AggregateState) Note(ev *models.BehaviorEvent) {
	occ := s.byKind[ev.Kind]
	occ = append(occ, occurrence{at: ev.Timestamp, count: ev.Occurrences()})

	// Prune by time, never by entry count, so a burst after a long quiet
	// period is still detected.
	cutoff := ev.Timestamp.Add(-s.maxAge)
	idx := 0
	for idx < len(occ) && occ[idx].at.Before(cutoff) {
		idx++
	}
	s.byKind[ev.Kind] = occ[idx:]
}

// CountWithin returns the number of occurrences of kind inside the sliding
// window ending at now.
func (s *AggregateState) CountWithin(kind models.EventKind, window time.Duration, now time.Time) int {
	cutoff := now.Add(-window)
	total := 0
	for _, o := range s.byKind[kind] {
		if o.at.Before(cutoff) || o.at.After(now) {
			continue
		}
		total += o.count
	}
	return total
}
