package policy

import (
	"testing"
	"time"

	"sandtrap/pkg/models"
)

func TestCountWithinSlidesWithTime(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	agg := NewAggregateState(time.Minute)

	for i := 0; i < 5; i++ {
		agg.Note(&models.BehaviorEvent{
			Timestamp: base.Add(time.Duration(i) * 100 * time.Millisecond),
			Kind:      models.KindNetworkConnect,
		})
	}

	if got := agg.CountWithin(models.KindNetworkConnect, time.Second, base.Add(400*time.Millisecond)); got != 5 {
		t.Fatalf("expected 5 occurrences in window, got %d", got)
	}
	if got := agg.CountWithin(models.KindNetworkConnect, 150*time.Millisecond, base.Add(400*time.Millisecond)); got != 2 {
		t.Fatalf("expected 2 occurrences in narrow window, got %d", got)
	}
	if got := agg.CountWithin(models.KindNetworkConnect, time.Second, base.Add(time.Hour)); got != 0 {
		t.Fatalf("expected window far in the future to be empty, got %d", got)
	}
}

func TestBurstAfterQuietPeriodIsStillCounted(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	agg := NewAggregateState(time.Minute)

	agg.Note(&models.BehaviorEvent{Timestamp: base, Kind: models.KindFileWrite})

	// Ten minutes of silence, then a burst. The old entry is pruned, the
	// burst counts in full.
	late := base.Add(10 * time.Minute)
	for i := 0; i < 20; i++ {
		agg.Note(&models.BehaviorEvent{
			Timestamp: late.Add(time.Duration(i) * 10 * time.Millisecond),
			Kind:      models.KindFileWrite,
		})
	}

	if got := agg.CountWithin(models.KindFileWrite, time.Second, late.Add(200*time.Millisecond)); got != 20 {
		t.Fatalf("expected full burst of 20, got %d", got)
	}
}

func TestNoteCountsCoalescedOccurrences(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	agg := NewAggregateState(time.Minute)

	agg.Note(&models.BehaviorEvent{Timestamp: base, Kind: models.KindFileWrite, Count: 37})

	if got := agg.CountWithin(models.KindFileWrite, time.Second, base); got != 37 {
		t.Fatalf("expected 37, got %d", got)
	}
}

func TestKindsAreCountedIndependently(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	agg := NewAggregateState(time.Minute)

	agg.Note(&models.BehaviorEvent{Timestamp: base, Kind: models.KindFileWrite})
	agg.Note(&models.BehaviorEvent{Timestamp: base, Kind: models.KindNetworkConnect})

	if got := agg.CountWithin(models.KindFileWrite, time.Second, base); got != 1 {
		t.Fatalf("expected 1 file write, got %d", got)
	}
	if got := agg.CountWithin(models.KindProcessSpawn, time.Second, base); got != 0 {
		t.Fatalf("expected 0 process spawns, got %d", got)
	}
}
