package limiter

import (
	"errors"
	"testing"
	"time"

	"sandtrap/internal/probe"
	"sandtrap/pkg/models"
)

type captureSink struct {
	events []*models.BehaviorEvent
}

func (s *captureSink) Ingest(ev *models.BehaviorEvent) {
	s.events = append(s.events, ev)
}

type fakeTree struct {
	pids []int
}

func (t *fakeTree) PIDs() []int { return t.pids }

func (t *fakeTree) Has(pid int) bool {
	for _, p := range t.pids {
		if p == pid {
			return true
		}
	}
	return false
}

type recordingEnforcer struct {
	applied  map[int][]float64
	applyErr error
}

func newRecordingEnforcer() *recordingEnforcer {
	return &recordingEnforcer{applied: make(map[int][]float64)}
}

func (e *recordingEnforcer) Apply(pid int, cpuCeiling float64) error {
	e.applied[pid] = append(e.applied[pid], cpuCeiling)
	return e.applyErr
}

func (e *recordingEnforcer) Close() error { return nil }

func exceededSubjects(events []*models.BehaviorEvent) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == models.KindResourceExceeded {
			out = append(out, ev.Subject)
		}
	}
	return out
}

func TestSampleEmitsSyntheticExceededEvents(t *testing.T) {
	sink := &captureSink{}
	lim := New(Config{
		SessionID: "s1",
		Limits: models.ResourceLimits{
			MaxWorkingSetBytes: 1 << 20,
			MaxProcesses:       1,
		},
		Tree: &fakeTree{pids: []int{100, 101}},
		Sink: sink,
		Usage: func(pid int) (probe.Usage, error) {
			return probe.Usage{RSSBytes: 1 << 20, Handles: 4}, nil
		},
	})

	now := time.Date(2026, 3, 6, 11, 0, 0, 0, time.UTC)
	snapshot := lim.Sample(now)

	if snapshot.WorkingSetBytes != 2<<20 {
		t.Fatalf("expected summed working set of 2MiB, got %d", snapshot.WorkingSetBytes)
	}
	if snapshot.Processes != 2 {
		t.Fatalf("expected 2 processes, got %d", snapshot.Processes)
	}

	subjects := exceededSubjects(sink.events)
	if len(subjects) != 2 {
		t.Fatalf("expected memory and processes breaches, got %v", subjects)
	}
	seen := map[string]bool{}
	for _, s := range subjects {
		seen[s] = true
	}
	if !seen["memory"] || !seen["processes"] {
		t.Fatalf("expected memory and processes dimensions, got %v", subjects)
	}
	for _, ev := range sink.events {
		if ev.Kind != models.KindResourceExceeded {
			t.Fatalf("limiter must only emit resource-exceeded events, got %s", ev.Kind)
		}
		if ev.Field("value") == "" || ev.Field("limit") == "" {
			t.Fatalf("exceeded event must carry value and limit details: %+v", ev)
		}
	}
}

func TestSampleWithinLimitsEmitsNothing(t *testing.T) {
	sink := &captureSink{}
	lim := New(Config{
		SessionID: "s1",
		Limits:    models.ResourceLimits{MaxWorkingSetBytes: 1 << 30, MaxProcesses: 10},
		Tree:      &fakeTree{pids: []int{100}},
		Sink:      sink,
		Usage: func(pid int) (probe.Usage, error) {
			return probe.Usage{RSSBytes: 1 << 20}, nil
		},
	})

	lim.Sample(time.Now())
	if len(sink.events) != 0 {
		t.Fatalf("no breach means no synthetic events, got %d", len(sink.events))
	}
}

func TestSampleReportsDeadProcesses(t *testing.T) {
	var dead []int
	lim := New(Config{
		SessionID: "s1",
		Tree:      &fakeTree{pids: []int{100, 200}},
		Sink:      &captureSink{},
		Usage: func(pid int) (probe.Usage, error) {
			if pid == 200 {
				return probe.Usage{}, errors.New("no such process")
			}
			return probe.Usage{}, nil
		},
		OnDead: func(pid int) { dead = append(dead, pid) },
	})

	lim.Sample(time.Now())
	if len(dead) != 1 || dead[0] != 200 {
		t.Fatalf("expected pid 200 reported dead, got %v", dead)
	}
}

func TestTightenAndRelaxOverlayTheConfiguredCeiling(t *testing.T) {
	enforcer := newRecordingEnforcer()
	tree := &fakeTree{pids: []int{100}}
	lim := New(Config{
		SessionID: "s1",
		Limits:    models.ResourceLimits{MaxCPUPercent: 50},
		Tree:      tree,
		Sink:      &captureSink{},
		Enforcer:  enforcer,
		Usage:     func(int) (probe.Usage, error) { return probe.Usage{}, nil },
	})

	if lim.Throttled() {
		t.Fatalf("fresh limiter must not be throttled")
	}

	lim.Tighten(0.5)
	if !lim.Throttled() {
		t.Fatalf("tightened limiter must report throttled")
	}
	applied := enforcer.applied[100]
	if len(applied) == 0 || applied[len(applied)-1] != 25 {
		t.Fatalf("expected ceiling 25%% applied, got %v", applied)
	}

	lim.Relax()
	if lim.Throttled() {
		t.Fatalf("relaxed limiter must not report throttled")
	}
	applied = enforcer.applied[100]
	if applied[len(applied)-1] != 50 {
		t.Fatalf("expected configured ceiling 50%% restored, got %v", applied)
	}
}

func TestTightenDoesNotMutateConfiguredLimits(t *testing.T) {
	lim := New(Config{
		SessionID: "s1",
		Limits:    models.ResourceLimits{MaxCPUPercent: 80},
		Tree:      &fakeTree{pids: []int{1}},
		Sink:      &captureSink{},
		Usage:     func(int) (probe.Usage, error) { return probe.Usage{}, nil },
	})

	lim.Tighten(0.25)
	if lim.cfg.Limits.MaxCPUPercent != 80 {
		t.Fatalf("configured limits must stay immutable, got %v", lim.cfg.Limits.MaxCPUPercent)
	}
}

func TestTimelineIsBounded(t *testing.T) {
	lim := New(Config{
		SessionID:   "s1",
		TimelineCap: 5,
		Tree:        &fakeTree{pids: []int{1}},
		Sink:        &captureSink{},
		Usage:       func(int) (probe.Usage, error) { return probe.Usage{}, nil },
	})

	base := time.Date(2026, 3, 6, 11, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		lim.Sample(base.Add(time.Duration(i) * 250 * time.Millisecond))
	}

	timeline := lim.Timeline()
	if len(timeline) != 5 {
		t.Fatalf("expected timeline capped at 5, got %d", len(timeline))
	}
	if !timeline[4].Timestamp.Equal(base.Add(19 * 250 * time.Millisecond)) {
		t.Fatalf("timeline must keep the newest samples, last=%s", timeline[4].Timestamp)
	}
}

func TestRescopeReportsDegradation(t *testing.T) {
	enforcer := newRecordingEnforcer()
	enforcer.applyErr = errors.New("access denied")
	var reasons []string
	lim := New(Config{
		SessionID:  "s1",
		Tree:       &fakeTree{pids: []int{100}},
		Sink:       &captureSink{},
		Enforcer:   enforcer,
		Usage:      func(int) (probe.Usage, error) { return probe.Usage{}, nil },
		OnDegraded: func(reason string) { reasons = append(reasons, reason) },
	})

	lim.Rescope(100)
	if len(reasons) != 1 {
		t.Fatalf("expected one degradation report, got %v", reasons)
	}

	// Rescoping the same pid again is a no-op.
	lim.Rescope(100)
	if len(reasons) != 1 {
		t.Fatalf("repeated rescope must not re-report, got %v", reasons)
	}
}

func TestCPUPercentFromDeltas(t *testing.T) {
	cpu := map[int]time.Duration{100: 0}
	lim := New(Config{
		SessionID: "s1",
		Tree:      &fakeTree{pids: []int{100}},
		Sink:      &captureSink{},
		Usage: func(pid int) (probe.Usage, error) {
			return probe.Usage{CPUTime: cpu[pid]}, nil
		},
	})

	base := time.Date(2026, 3, 6, 11, 0, 0, 0, time.UTC)
	lim.Sample(base)

	// 500ms of CPU over a 1s wall interval is 50%.
	cpu[100] = 500 * time.Millisecond
	snapshot := lim.Sample(base.Add(time.Second))
	if snapshot.CPUPercent < 49 || snapshot.CPUPercent > 51 {
		t.Fatalf("expected ~50%% cpu, got %.2f", snapshot.CPUPercent)
	}
}
