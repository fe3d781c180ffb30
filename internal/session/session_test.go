package session

import (
	"testing"
	"time"

	"sandtrap/pkg/models"
)

func TestLifecycleTransitions(t *testing.T) {
	legal := []struct {
		from, to models.SessionState
	}{
		{models.StateInitializing, models.StateRunning},
		{models.StateRunning, models.StateSuspended},
		{models.StateSuspended, models.StateRunning},
		{models.StateRunning, models.StateTerminating},
		{models.StateTerminating, models.StateTerminated},
	}
	for _, tc := range legal {
		if !legalTransition(tc.from, tc.to) {
			t.Fatalf("%s -> %s must be legal", tc.from, tc.to)
		}
	}

	illegal := []struct {
		from, to models.SessionState
	}{
		{models.StateTerminated, models.StateRunning},
		{models.StateTerminating, models.StateRunning},
		{models.StateSuspended, models.StateSuspended},
		{models.StateInitializing, models.StateSuspended},
		{models.StateTerminated, models.StateTerminating},
	}
	for _, tc := range illegal {
		if legalTransition(tc.from, tc.to) {
			t.Fatalf("%s -> %s must be rejected", tc.from, tc.to)
		}
	}
}

func TestSetStateRejectsIllegalTransition(t *testing.T) {
	s := New("calc.exe", models.ResourceLimits{})
	if s.State() != models.StateInitializing {
		t.Fatalf("fresh session must be initializing, got %s", s.State())
	}
	if s.SetState(models.StateSuspended) {
		t.Fatalf("initializing -> suspended must be rejected")
	}
	if !s.SetState(models.StateRunning) {
		t.Fatalf("initializing -> running must succeed")
	}
	if s.State() != models.StateRunning {
		t.Fatalf("expected running, got %s", s.State())
	}
}

func TestGoverningActionNeverWeakens(t *testing.T) {
	s := New("calc.exe", models.ResourceLimits{})
	now := time.Now()

	s.RecordVerdict(models.Verdict{Timestamp: now, Action: models.ActionWarn})
	if s.GoverningAction() != models.ActionWarn {
		t.Fatalf("expected warn, got %s", s.GoverningAction())
	}

	s.RecordVerdict(models.Verdict{Timestamp: now, Action: models.ActionQuarantine})
	if s.GoverningAction() != models.ActionQuarantine {
		t.Fatalf("expected quarantine, got %s", s.GoverningAction())
	}

	// A later milder verdict must not lower the governing action.
	s.RecordVerdict(models.Verdict{Timestamp: now, Action: models.ActionThrottle})
	if s.GoverningAction() != models.ActionQuarantine {
		t.Fatalf("governing action weakened to %s", s.GoverningAction())
	}
}

func TestFeedDeliversUpdatesToSubscribers(t *testing.T) {
	s := New("calc.exe", models.ResourceLimits{})
	updates, cancel := s.Feed.Subscribe(8)
	defer cancel()

	s.SetState(models.StateRunning)

	select {
	case update := <-updates:
		if update.State != models.StateRunning {
			t.Fatalf("expected running update, got %s", update.State)
		}
		if update.SessionID != s.ID {
			t.Fatalf("update carries wrong session id: %s", update.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a status update")
	}
}

func TestFeedDropsForSlowSubscriberOnly(t *testing.T) {
	feed := NewFeed()
	slow, cancelSlow := feed.Subscribe(1)
	defer cancelSlow()
	fast, cancelFast := feed.Subscribe(16)
	defer cancelFast()

	for i := 0; i < 10; i++ {
		feed.Publish(models.StatusUpdate{SessionID: "s1"})
	}

	if got := len(fast); got != 10 {
		t.Fatalf("fast subscriber must receive all updates, got %d", got)
	}
	if got := len(slow); got != 1 {
		t.Fatalf("slow subscriber keeps only its buffer, got %d", got)
	}
	// The drop must not have blocked the publisher; receiving still works.
	<-slow
}

func TestTreeMembership(t *testing.T) {
	tree := NewTree(100)
	if tree.Root() != 100 {
		t.Fatalf("expected root 100, got %d", tree.Root())
	}
	if !tree.Add(200) || !tree.Add(300) {
		t.Fatalf("adds must succeed")
	}
	if tree.Add(200) {
		t.Fatalf("duplicate add must report false")
	}
	pids := tree.PIDs()
	if len(pids) != 3 || pids[0] != 100 {
		t.Fatalf("expected root-first order, got %v", pids)
	}
	if !tree.Remove(200) || tree.Remove(200) {
		t.Fatalf("remove must succeed once")
	}
	if tree.Has(200) {
		t.Fatalf("removed pid still present")
	}
	tree.Remove(100)
	tree.Remove(300)
	if !tree.Empty() {
		t.Fatalf("tree should be empty")
	}
}

func TestReportCarriesSessionOutcome(t *testing.T) {
	s := New("malware.exe", models.ResourceLimits{MaxProcesses: 5})
	s.SetState(models.StateRunning)
	s.Tree = NewTree(100)

	now := time.Now()
	s.RecordEvent(&models.BehaviorEvent{Timestamp: now, Seq: 1, Kind: models.KindProcessSpawn, Subject: "child.exe"})
	s.RecordVerdict(models.Verdict{Timestamp: now, Action: models.ActionTerminate, Rule: "spawn-limit", EventSeq: 1})
	s.Degrade("registry watcher unavailable")
	s.SetDropped(7)
	s.SetExitCode(137)
	s.SetState(models.StateTerminating)
	s.SetState(models.StateTerminated)

	report := s.Report(nil)
	if report.SessionID != s.ID || report.Target != "malware.exe" {
		t.Fatalf("report identity wrong: %+v", report)
	}
	if report.FinalAction != models.ActionTerminate {
		t.Fatalf("expected terminate, got %s", report.FinalAction)
	}
	if report.EventsDropped != 7 {
		t.Fatalf("expected 7 dropped, got %d", report.EventsDropped)
	}
	if !report.Degraded || len(report.DegradedReasons) != 1 {
		t.Fatalf("degradation lost: %+v", report)
	}
	if report.ExitCode == nil || *report.ExitCode != 137 {
		t.Fatalf("exit code lost: %+v", report.ExitCode)
	}
	if report.EndedAt.IsZero() || report.EndedAt.Before(report.CreatedAt) {
		t.Fatalf("ended timestamp wrong: %s", report.EndedAt)
	}
	if err := report.Validate(); err != nil {
		t.Fatalf("report must be internally consistent: %v", err)
	}
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager()
	s := m.Create("calc.exe", models.ResourceLimits{})

	got, err := m.Get(s.ID)
	if err != nil || got != s {
		t.Fatalf("expected stored session back, err=%v", err)
	}
	if _, err := m.Get("nope"); err == nil {
		t.Fatalf("unknown id must error")
	}
	if len(m.List()) != 1 {
		t.Fatalf("expected 1 session")
	}

	m.Remove(s.ID)
	if _, err := m.Get(s.ID); err == nil {
		t.Fatalf("removed session must be gone")
	}
}
