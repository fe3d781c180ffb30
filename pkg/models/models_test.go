package models

import (
	"testing"
	"time"
)

func TestActionSeverityOrdering(t *testing.T) {
	ordered := []Action{ActionAllow, ActionWarn, ActionThrottle, ActionTerminate, ActionQuarantine}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Severity() <= ordered[i-1].Severity() {
			t.Fatalf("%s must be more severe than %s", ordered[i], ordered[i-1])
		}
	}
}

func TestTerminalActions(t *testing.T) {
	if !ActionTerminate.Terminal() || !ActionQuarantine.Terminal() {
		t.Fatalf("terminate and quarantine are terminal")
	}
	if ActionAllow.Terminal() || ActionWarn.Terminal() || ActionThrottle.Terminal() {
		t.Fatalf("allow, warn, and throttle are not terminal")
	}
}

func TestDropEligibleOnlyForFileWrites(t *testing.T) {
	if !KindFileWrite.DropEligible() {
		t.Fatalf("file-write must be drop eligible")
	}
	protected := []EventKind{
		KindFileDelete, KindRegistryWrite, KindRegistryDelete,
		KindNetworkConnect, KindProcessSpawn, KindPrivilegeChange,
		KindResourceExceeded,
	}
	for _, kind := range protected {
		if kind.DropEligible() {
			t.Fatalf("%s must never be dropped", kind)
		}
	}
}

func TestEventBeforeBreaksTiesBySeq(t *testing.T) {
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	a := &BehaviorEvent{Timestamp: at, Seq: 1}
	b := &BehaviorEvent{Timestamp: at, Seq: 2}
	c := &BehaviorEvent{Timestamp: at.Add(time.Millisecond), Seq: 1}

	if !a.Before(b) || b.Before(a) {
		t.Fatalf("equal timestamps must order by seq")
	}
	if !b.Before(c) {
		t.Fatalf("earlier timestamp wins regardless of seq")
	}
}

func TestProfileLimitsPresets(t *testing.T) {
	strict, ok := ProfileLimits("strict")
	if !ok {
		t.Fatalf("strict profile must exist")
	}
	if strict.MaxWorkingSetBytes != 256<<20 || strict.MaxProcesses != 5 {
		t.Fatalf("unexpected strict preset: %+v", strict)
	}

	relaxed, ok := ProfileLimits("relaxed")
	if !ok {
		t.Fatalf("relaxed profile must exist")
	}
	if relaxed.MaxWorkingSetBytes <= strict.MaxWorkingSetBytes {
		t.Fatalf("relaxed must allow more memory than strict")
	}

	unlimited, ok := ProfileLimits("unlimited")
	if !ok {
		t.Fatalf("unlimited profile must exist")
	}
	if unlimited != (ResourceLimits{}) {
		t.Fatalf("unlimited must disable every ceiling: %+v", unlimited)
	}

	if _, ok := ProfileLimits("paranoid"); ok {
		t.Fatalf("unknown profile must not resolve")
	}
}

func TestReportValidateCatchesInconsistencies(t *testing.T) {
	created := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	ended := created.Add(time.Minute)

	good := &SessionReport{
		CreatedAt: created,
		EndedAt:   ended,
		Events: []*BehaviorEvent{
			{Timestamp: created.Add(time.Second), Seq: 1, Kind: KindProcessSpawn},
			{Timestamp: created.Add(2 * time.Second), Seq: 2, Kind: KindNetworkConnect},
		},
		Verdicts: []Verdict{{Timestamp: created.Add(2 * time.Second), Action: ActionWarn, EventSeq: 2}},
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("consistent report must validate: %v", err)
	}

	danglingVerdict := &SessionReport{
		CreatedAt: created,
		EndedAt:   ended,
		Events:    []*BehaviorEvent{{Timestamp: created.Add(time.Second), Seq: 1}},
		Verdicts:  []Verdict{{Action: ActionTerminate, EventSeq: 99}},
	}
	if err := danglingVerdict.Validate(); err == nil {
		t.Fatalf("verdict referencing a missing event must fail validation")
	}

	outOfOrder := &SessionReport{
		CreatedAt: created,
		EndedAt:   ended,
		Events: []*BehaviorEvent{
			{Timestamp: created.Add(2 * time.Second), Seq: 2},
			{Timestamp: created.Add(time.Second), Seq: 1},
		},
	}
	if err := outOfOrder.Validate(); err == nil {
		t.Fatalf("out-of-order events must fail validation")
	}

	beforeCreation := &SessionReport{
		CreatedAt: created,
		EndedAt:   ended,
		Events:    []*BehaviorEvent{{Timestamp: created.Add(-time.Second), Seq: 1}},
	}
	if err := beforeCreation.Validate(); err == nil {
		t.Fatalf("event before session creation must fail validation")
	}
}

func TestOccurrencesNeverBelowOne(t *testing.T) {
	ev := &BehaviorEvent{}
	if ev.Occurrences() != 1 {
		t.Fatalf("zero count means one occurrence, got %d", ev.Occurrences())
	}
	ev.Count = 12
	if ev.Occurrences() != 12 {
		t.Fatalf("expected 12, got %d", ev.Occurrences())
	}
}
