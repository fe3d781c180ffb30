// Package limiter applies and continuously re-asserts resource ceilings on
// a sandboxed process tree, and samples usage on a fixed interval. A sample
// that crosses a ceiling becomes a synthetic resource-exceeded event on the
// same pipeline as observed behavior.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sandtrap/internal/logger"
	"sandtrap/internal/probe"
	"sandtrap/pkg/models"
)

// Sink accepts the limiter's synthetic events.
type Sink interface {
	Ingest(ev *models.BehaviorEvent)
}

// TreeView is a read-only snapshot of the session's process tree.
type TreeView interface {
	PIDs() []int
	Has(pid int) bool
}

// Enforcer applies OS-level ceilings to one process. Platform files provide
// the implementation.
type Enforcer interface {
	// Apply scopes the process under the session's ceilings. cpuCeiling is
	// the current (possibly throttled) CPU percentage.
	Apply(pid int, cpuCeiling float64) error
	Close() error
}

// UsageFunc samples one process. The default is probe.UsageFor.
type UsageFunc func(pid int) (probe.Usage, error)

// Config configures a Limiter.
type Config struct {
	SessionID   string
	Limits      models.ResourceLimits
	Interval    time.Duration
	TimelineCap int
	Tree        TreeView
	Sink        Sink
	Enforcer    Enforcer
	Usage       UsageFunc

	// OnDead is told about tree members that disappeared between samples.
	OnDead func(pid int)

	// OnDegraded is told when a ceiling could not be enforced.
	OnDegraded func(reason string)
}

// Limiter owns the sampling loop and the throttle ceiling overlay. The
// configured limits stay immutable; throttling layers a tighter current
// ceiling on top.
type Limiter struct {
	cfg Config
	log *logger.SessionLogger

	mu         sync.Mutex
	cpuCeiling float64
	lastCPU    map[int]time.Duration
	lastAt     time.Time
	timeline   []models.ResourceUsageSnapshot
	scoped     map[int]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a limiter for one session.
func New(cfg Config) *Limiter {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.TimelineCap <= 0 {
		cfg.TimelineCap = 1000
	}
	if cfg.Usage == nil {
		cfg.Usage = probe.UsageFor
	}
	return &Limiter{
		cfg:        cfg,
		log:        logger.Session(cfg.SessionID),
		cpuCeiling: effectiveCPU(cfg.Limits),
		lastCPU:    make(map[int]time.Duration),
		scoped:     make(map[int]bool),
	}
}

func effectiveCPU(limits models.ResourceLimits) float64 {
	if limits.MaxCPUPercent <= 0 {
		return 100
	}
	return limits.MaxCPUPercent
}

// Start applies ceilings to the current tree and begins the sampling loop.
func (l *Limiter) Start(ctx context.Context) {
	for _, pid := range l.cfg.Tree.PIDs() {
		l.Rescope(pid)
	}

	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				l.Sample(now)
			}
		}
	}()
}

// Stop halts the sampling loop.
func (l *Limiter) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

// Rescope re-applies enforcement to a tree member. A spawned child does not
// inherit enforcement automatically on all platforms, so the controller
// calls this for every committed membership addition.
func (l *Limiter) Rescope(pid int) {
	l.mu.Lock()
	ceiling := l.cpuCeiling
	already := l.scoped[pid]
	l.scoped[pid] = true
	l.mu.Unlock()

	if already || l.cfg.Enforcer == nil {
		return
	}
	if err := l.cfg.Enforcer.Apply(pid, ceiling); err != nil {
		l.log.Warnf("enforcement degraded for pid %d: %v", pid, err)
		if l.cfg.OnDegraded != nil {
			l.cfg.OnDegraded(fmt.Sprintf("limit enforcement for pid %d: %v", pid, err))
		}
	}
}

// Tighten lowers the current CPU ceiling by the given factor and re-applies
// it to the whole tree. The configured limit is untouched.
func (l *Limiter) Tighten(factor float64) {
	if factor <= 0 || factor >= 1 {
		factor = 0.5
	}
	l.mu.Lock()
	l.cpuCeiling = effectiveCPU(l.cfg.Limits) * factor
	ceiling := l.cpuCeiling
	l.mu.Unlock()
	l.reapply(ceiling)
	l.log.Infof("cpu ceiling tightened to %.1f%%", ceiling)
}

// Relax restores the configured CPU ceiling.
func (l *Limiter) Relax() {
	l.mu.Lock()
	l.cpuCeiling = effectiveCPU(l.cfg.Limits)
	ceiling := l.cpuCeiling
	l.mu.Unlock()
	l.reapply(ceiling)
	l.log.Infof("cpu ceiling relaxed to %.1f%%", ceiling)
}

// Throttled reports whether a tighter ceiling is in effect.
func (l *Limiter) Throttled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cpuCeiling < effectiveCPU(l.cfg.Limits)
}

func (l *Limiter) reapply(ceiling float64) {
	if l.cfg.Enforcer == nil {
		return
	}
	for _, pid := range l.cfg.Tree.PIDs() {
		if err := l.cfg.Enforcer.Apply(pid, ceiling); err != nil {
			l.log.Debugf("reapply ceiling to pid %d: %v", pid, err)
		}
	}
}

// Sample takes one usage snapshot of the tree, records it on the bounded
// timeline, and converts ceiling breaches into synthetic events.
func (l *Limiter) Sample(now time.Time) models.ResourceUsageSnapshot {
	pids := l.cfg.Tree.PIDs()

	var totalCPU time.Duration
	var snapshot models.ResourceUsageSnapshot
	snapshot.Timestamp = now

	cpuByPID := make(map[int]time.Duration, len(pids))
	for _, pid := range pids {
		usage, err := l.cfg.Usage(pid)
		if err != nil {
			if l.cfg.OnDead != nil {
				l.cfg.OnDead(pid)
			}
			continue
		}
		cpuByPID[pid] = usage.CPUTime
		totalCPU += usage.CPUTime
		snapshot.WorkingSetBytes += usage.RSSBytes
		snapshot.OpenHandles += usage.Handles
		snapshot.Processes++
	}

	l.mu.Lock()
	if !l.lastAt.IsZero() {
		wall := now.Sub(l.lastAt)
		var lastTotal time.Duration
		for pid, cpu := range l.lastCPU {
			if _, alive := cpuByPID[pid]; alive {
				lastTotal += cpu
			}
		}
		if wall > 0 && totalCPU > lastTotal {
			snapshot.CPUPercent = float64(totalCPU-lastTotal) / float64(wall) * 100
		}
	}
	l.lastAt = now
	l.lastCPU = cpuByPID
	ceiling := l.cpuCeiling
	l.timeline = append(l.timeline, snapshot)
	if len(l.timeline) > l.cfg.TimelineCap {
		l.timeline = l.timeline[len(l.timeline)-l.cfg.TimelineCap:]
	}
	l.mu.Unlock()

	l.checkCeilings(now, snapshot, ceiling)
	return snapshot
}

func (l *Limiter) checkCeilings(now time.Time, s models.ResourceUsageSnapshot, cpuCeiling float64) {
	limits := l.cfg.Limits
	if cpuCeiling < 100 && s.CPUPercent > cpuCeiling {
		l.exceeded(now, "cpu", fmt.Sprintf("%.1f%%", s.CPUPercent), fmt.Sprintf("%.1f%%", cpuCeiling))
	}
	if limits.MaxWorkingSetBytes > 0 && s.WorkingSetBytes > limits.MaxWorkingSetBytes {
		l.exceeded(now, "memory", fmt.Sprintf("%d", s.WorkingSetBytes), fmt.Sprintf("%d", limits.MaxWorkingSetBytes))
	}
	if limits.MaxOpenHandles > 0 && s.OpenHandles > limits.MaxOpenHandles {
		l.exceeded(now, "handles", fmt.Sprintf("%d", s.OpenHandles), fmt.Sprintf("%d", limits.MaxOpenHandles))
	}
	if limits.MaxProcesses > 0 && s.Processes > limits.MaxProcesses {
		l.exceeded(now, "processes", fmt.Sprintf("%d", s.Processes), fmt.Sprintf("%d", limits.MaxProcesses))
	}
}

func (l *Limiter) exceeded(now time.Time, dimension, value, limit string) {
	l.cfg.Sink.Ingest(&models.BehaviorEvent{
		Timestamp: now,
		SessionID: l.cfg.SessionID,
		Kind:      models.KindResourceExceeded,
		PID:       treeRoot(l.cfg.Tree),
		Subject:   dimension,
		Detail: map[string]interface{}{
			"value": value,
			"limit": limit,
		},
	})
}

// Timeline returns a copy of the recorded usage samples.
func (l *Limiter) Timeline() []models.ResourceUsageSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.ResourceUsageSnapshot, len(l.timeline))
	copy(out, l.timeline)
	return out
}

func treeRoot(tree TreeView) int {
	pids := tree.PIDs()
	if len(pids) == 0 {
		return 0
	}
	return pids[0]
}
