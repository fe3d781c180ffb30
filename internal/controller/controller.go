// Package controller orchestrates sandbox sessions: it creates the
// restricted execution context, attaches the limiter and collectors, drives
// policy verdicts back into enforcement, and owns each session's lifecycle
// end to end.
package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sandtrap/config"
	"sandtrap/internal/aggregator"
	"sandtrap/internal/collector"
	"sandtrap/internal/limiter"
	"sandtrap/internal/logger"
	"sandtrap/internal/metrics"
	"sandtrap/internal/policy"
	"sandtrap/internal/probe"
	"sandtrap/internal/session"
	"sandtrap/pkg/models"
)

// ReportWriter persists a finished session's report.
type ReportWriter interface {
	WriteReport(report *models.SessionReport) error
}

// TimelineWriter exports a session's resource timeline.
type TimelineWriter interface {
	WriteTimeline(sessionID string, samples []models.ResourceUsageSnapshot) error
}

// Suspender is implemented by drivers that can pause a process tree.
type Suspender interface {
	Suspend(pid int) error
	Resume(pid int) error
}

// Deps are the controller's collaborators. Zero fields get production
// defaults; tests inject fakes.
type Deps struct {
	Driver   Driver
	Reports  ReportWriter
	Timeline TimelineWriter

	Enforcer    func(limits models.ResourceLimits) (limiter.Enforcer, error)
	Usage       limiter.UsageFunc
	List        collector.ListFunc
	Connections collector.ConnectionsFunc
	Snapshot    collector.SnapshotFunc
}

// Controller supervises all sandbox sessions.
type Controller struct {
	cfg     *config.SandtrapConfig
	manager *session.Manager
	engine  *policy.Engine
	tagger  policy.Tagger
	deps    Deps

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	sess       *session.Session
	agg        *aggregator.Aggregator
	lim        *limiter.Limiter
	aggState   *policy.AggregateState
	collectors []collector.Collector
	enforcer   limiter.Enforcer

	workDir     string
	keepWorkDir bool

	stopCh   chan stopRequest
	loopDone chan struct{}

	// lastNonAllow feeds the throttle hysteresis; only the run loop
	// touches it.
	lastNonAllow time.Time
}

type stopRequest struct {
	reason     string
	quarantine bool
}

// New compiles the policy and builds a controller. A malformed rule set
// fails here, before any process can be spawned.
func New(cfg *config.SandtrapConfig, deps Deps) (*Controller, error) {
	engine, err := policy.NewEngine(cfg.Policy)
	if err != nil {
		return nil, err
	}

	var tagger policy.Tagger
	if cfg.Policy.Sigma.Enabled && cfg.Policy.Sigma.Path != "" {
		sigmaTagger, stats, err := policy.NewSigmaTagger(cfg.Policy.Sigma.Path)
		if err != nil {
			return nil, fmt.Errorf("load sigma rules: %w", err)
		}
		logger.Infof("sigma rules loaded: loaded=%d skipped_complex=%d skipped_invalid=%d files=%d",
			stats.Loaded, stats.SkippedComplex, stats.SkippedInvalid, stats.TotalFiles)
		tagger = sigmaTagger
	}

	if deps.Driver == nil {
		deps.Driver = &ExecDriver{}
	}
	if deps.Enforcer == nil {
		deps.Enforcer = limiter.NewEnforcer
	}
	if deps.Usage == nil {
		deps.Usage = probe.UsageFor
	}
	if deps.List == nil {
		deps.List = probe.Processes
	}
	if deps.Connections == nil {
		deps.Connections = probe.ConnectionsFor
	}
	if deps.Snapshot == nil {
		deps.Snapshot = probe.PersistenceSnapshot
	}

	return &Controller{
		cfg:     cfg,
		manager: session.NewManager(),
		engine:  engine,
		tagger:  tagger,
		deps:    deps,
		runs:    make(map[string]*run),
	}, nil
}

// Sessions exposes the session manager.
func (c *Controller) Sessions() *session.Manager {
	return c.manager
}

// Start launches the target under supervision and returns its session. A
// *LaunchError means no process was spawned; no partial sandbox exists.
func (c *Controller) Start(ctx context.Context, target string) (*session.Session, error) {
	limits, err := c.cfg.Limits.EffectiveLimits()
	if err != nil {
		return nil, err
	}

	sess := c.manager.Create(target, limits)
	log := logger.Session(sess.ID)

	workRoot := c.cfg.Controller.WorkDir
	if workRoot == "" {
		workRoot = os.TempDir()
	}
	workDir := filepath.Join(workRoot, "sandtrap-"+sess.ID)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		c.manager.Remove(sess.ID)
		return nil, &LaunchError{Target: target, Err: err}
	}

	pid, wait, err := c.deps.Driver.Spawn(target, workDir)
	if err != nil {
		os.RemoveAll(workDir)
		c.manager.Remove(sess.ID)
		return nil, &LaunchError{Target: target, Err: err}
	}
	sess.Tree = session.NewTree(pid)
	log.Infof("target spawned: pid=%d command=%q", pid, target)

	r := &run{
		sess:     sess,
		agg:      aggregator.New(c.cfg.Collectors.Coalesce, c.cfg.Collectors.QueueDepth),
		aggState: policy.NewAggregateState(c.engine.MaxRateWindow()),
		workDir:  workDir,
		stopCh:   make(chan stopRequest, 4),
		loopDone: make(chan struct{}),
	}

	enforcer, err := c.deps.Enforcer(limits)
	if err != nil {
		reason := fmt.Sprintf("resource enforcement unavailable: %v", err)
		sess.Degrade(reason)
		sess.RecordVerdict(models.Verdict{
			Timestamp: time.Now(),
			Action:    models.ActionWarn,
			Rule:      "degraded-enforcement",
			Reason:    reason,
		})
		log.Warnf("%s", reason)
	}
	r.enforcer = enforcer

	r.lim = limiter.New(limiter.Config{
		SessionID:   sess.ID,
		Limits:      limits,
		Interval:    c.cfg.Sampler.Interval,
		TimelineCap: c.cfg.Sampler.TimelineCap,
		Tree:        sess.Tree,
		Sink:        r.agg,
		Enforcer:    enforcer,
		Usage:       c.deps.Usage,
		OnDead:      func(pid int) { c.commitRemoval(r, pid) },
		OnDegraded: func(reason string) {
			sess.Degrade(reason)
			sess.RecordVerdict(models.Verdict{
				Timestamp: time.Now(),
				Action:    models.ActionWarn,
				Rule:      "degraded-enforcement",
				Reason:    reason,
			})
		},
	})

	r.collectors = c.buildCollectors(r)

	c.mu.Lock()
	c.runs[sess.ID] = r
	c.mu.Unlock()

	sess.SetState(models.StateRunning)
	metrics.ActiveSessions.Inc()

	r.lim.Start(ctx)
	for _, col := range r.collectors {
		if err := col.Start(ctx); err != nil {
			reason := fmt.Sprintf("collector %s failed to start: %v", col.Name(), err)
			sess.Degrade(reason)
			log.Warnf("%s", reason)
		}
	}

	// The target spawned held; ceilings are scoped and collectors watch,
	// so it may start executing now.
	if err := c.deps.Driver.Release(pid); err != nil {
		reason := fmt.Sprintf("release target: %v", err)
		sess.Degrade(reason)
		log.Warnf("%s", reason)
	}

	// Natural exit feeds the same termination path as verdicts.
	go func() {
		code, _ := wait()
		sess.SetExitCode(code)
		select {
		case r.stopCh <- stopRequest{reason: "target exited"}:
		default:
		}
	}()

	go c.runLoop(ctx, r)
	return sess, nil
}

func (c *Controller) buildCollectors(r *run) []collector.Collector {
	cc := c.cfg.Collectors
	sess := r.sess
	var out []collector.Collector

	if cc.File.On() {
		paths := cc.File.Paths
		if len(paths) == 0 {
			paths = []string{r.workDir}
		}
		out = append(out, collector.NewFileWatcher(sess.ID, paths, cc.PollEvery, cc.Coalesce, sess.Tree, r.agg))
	}
	if cc.Registry.On() && len(cc.Registry.Keys) > 0 {
		out = append(out, collector.NewRegistryWatcher(sess.ID, cc.Registry.Keys, cc.PollEvery, sess.Tree, r.agg, c.deps.Snapshot))
	}
	if cc.Network.On() {
		out = append(out, collector.NewNetworkWatcher(sess.ID, cc.PollEvery, sess.Tree, r.agg, c.deps.Connections))
	}
	if cc.Process.On() {
		propose := func(pid, ppid int) { c.commitAddition(r, pid) }
		out = append(out, collector.NewProcessWatcher(sess.ID, cc.PollEvery, sess.Tree, r.agg, c.deps.List, propose))
	}
	return out
}

// commitAddition is the single place tree growth becomes effective: the
// watcher proposed the pid, the controller commits it and re-scopes
// enforcement.
func (c *Controller) commitAddition(r *run, pid int) {
	if r.sess.Tree.Add(pid) {
		r.lim.Rescope(pid)
	}
}

func (c *Controller) commitRemoval(r *run, pid int) {
	r.sess.Tree.Remove(pid)
}

// Stop requests termination of a session.
func (c *Controller) Stop(id, reason string) error {
	c.mu.Lock()
	r, ok := c.runs[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session %q", id)
	}
	select {
	case r.stopCh <- stopRequest{reason: reason}:
	default:
	}
	return nil
}

// Status returns the session's lifecycle state.
func (c *Controller) Status(id string) (models.SessionState, error) {
	sess, err := c.manager.Get(id)
	if err != nil {
		return "", err
	}
	return sess.State(), nil
}

// Subscribe attaches a status feed subscriber with its own buffer.
func (c *Controller) Subscribe(id string, buffer int) (<-chan models.StatusUpdate, func(), error) {
	sess, err := c.manager.Get(id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := sess.Feed.Subscribe(buffer)
	return ch, cancel, nil
}

// Suspend pauses the session's tree when the platform driver supports it.
func (c *Controller) Suspend(id string) error {
	return c.signalTree(id, models.StateSuspended)
}

// Resume continues a suspended session.
func (c *Controller) Resume(id string) error {
	return c.signalTree(id, models.StateRunning)
}

func (c *Controller) signalTree(id string, next models.SessionState) error {
	c.mu.Lock()
	r, ok := c.runs[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session %q", id)
	}
	susp, ok := c.deps.Driver.(Suspender)
	if !ok {
		return fmt.Errorf("driver cannot suspend on this platform")
	}
	if !r.sess.SetState(next) {
		return fmt.Errorf("session %s cannot move to %s", id, next)
	}
	for _, pid := range r.sess.Tree.PIDs() {
		var err error
		if next == models.StateSuspended {
			err = susp.Suspend(pid)
		} else {
			err = susp.Resume(pid)
		}
		if err != nil {
			logger.Session(id).Warnf("signal pid %d: %v", pid, err)
		}
	}
	return nil
}

// Wait blocks until the session's supervision loop has finished.
func (c *Controller) Wait(id string) {
	c.mu.Lock()
	r, ok := c.runs[id]
	c.mu.Unlock()
	if ok {
		<-r.loopDone
	}
}

// runLoop is the session's single enforcement goroutine: it serializes
// policy evaluation, aggregate counter updates, and enforcement actions.
func (c *Controller) runLoop(ctx context.Context, r *run) {
	defer close(r.loopDone)

	var wallC <-chan time.Time
	if r.sess.Limits.MaxWallClock > 0 {
		wallTimer := time.NewTimer(r.sess.Limits.MaxWallClock)
		defer wallTimer.Stop()
		wallC = wallTimer.C
	}

	interval := c.cfg.Sampler.Interval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	relax := time.NewTicker(interval)
	defer relax.Stop()

	for {
		select {
		case <-ctx.Done():
			c.finish(r, stopRequest{reason: "context cancelled"}, nil)
			return
		case req := <-r.stopCh:
			c.finish(r, req, nil)
			return
		case <-wallC:
			c.finish(r, stopRequest{reason: "wall-clock limit expired"}, nil)
			return
		case <-relax.C:
			if r.lim.Throttled() && time.Since(r.lastNonAllow) >= c.cfg.Controller.RelaxAfter {
				r.lim.Relax()
			}
		case <-r.agg.C():
			batch := r.agg.Drain()
			for i, ev := range batch {
				if req := c.handleEvent(r, ev); req != nil {
					// The rest of the batch already left the queue; it
					// must still reach the report.
					c.finish(r, *req, batch[i+1:])
					return
				}
			}
		}
	}
}

// handleEvent evaluates one event and enforces its verdict. A non-nil
// result is the stop request of a terminal verdict; the caller owns the
// teardown so events still in flight are not lost.
func (c *Controller) handleEvent(r *run, ev *models.BehaviorEvent) *stopRequest {
	if c.tagger != nil {
		ev.Tags = c.tagger.Apply(ev)
	}
	r.aggState.Note(ev)
	r.sess.RecordEvent(ev)
	metrics.EventsObserved.WithLabelValues(string(ev.Kind)).Inc()

	verdict := c.engine.Evaluate(ev, r.aggState)
	metrics.Verdicts.WithLabelValues(string(verdict.Action)).Inc()
	if verdict.Action == models.ActionAllow {
		return nil
	}

	r.sess.RecordVerdict(verdict)
	r.lastNonAllow = time.Now()
	log := logger.Session(r.sess.ID)

	switch verdict.Action {
	case models.ActionWarn:
		log.Warnf("rule %s: %s", verdict.Rule, verdict.Reason)
	case models.ActionThrottle:
		r.lim.Tighten(c.cfg.Controller.ThrottleFactor)
	case models.ActionTerminate:
		return &stopRequest{reason: "verdict terminate: " + verdict.Rule}
	case models.ActionQuarantine:
		return &stopRequest{reason: "verdict quarantine: " + verdict.Rule, quarantine: true}
	}
	return nil
}

// finish tears the session down: Terminating, collector shutdown, tree
// kill with a bounded grace period, final drain, report persistence,
// Terminated. pending carries events already drained but not yet recorded
// when a terminal verdict cut the batch short.
func (c *Controller) finish(r *run, req stopRequest, pending []*models.BehaviorEvent) {
	sess := r.sess
	log := logger.Session(sess.ID)
	log.Infof("terminating: %s", req.reason)
	sess.SetState(models.StateTerminating)

	// Collector shutdown must not delay termination; a hung collector
	// cannot block the kill path.
	for _, col := range r.collectors {
		go col.Stop()
	}

	for _, pid := range sess.Tree.PIDs() {
		if err := c.deps.Driver.Kill(pid); err != nil {
			log.Debugf("kill pid %d: %v", pid, err)
		}
	}

	deadline := time.Now().Add(c.cfg.Controller.GracePeriod)
	for time.Now().Before(deadline) {
		if c.reapTree(r) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	for _, pid := range sess.Tree.PIDs() {
		if err := c.deps.Driver.ForceKill(pid); err != nil {
			log.Warnf("force kill pid %d: %v", pid, err)
		}
		sess.Tree.Remove(pid)
	}

	r.lim.Stop()
	if r.enforcer != nil {
		r.enforcer.Close()
	}

	// Events already observed still belong in the report.
	for _, ev := range pending {
		sess.RecordEvent(ev)
	}
	for _, ev := range r.agg.Drain() {
		sess.RecordEvent(ev)
	}
	sess.SetDropped(r.agg.Dropped())
	metrics.EventsDropped.Add(float64(r.agg.Dropped()))

	if req.quarantine || sess.GoverningAction() == models.ActionQuarantine {
		sess.SetQuarantinePath(r.workDir)
		r.keepWorkDir = true
	}
	if !r.keepWorkDir {
		if err := os.RemoveAll(r.workDir); err != nil {
			log.Warnf("remove work dir: %v", err)
		}
	}

	metrics.ActiveSessions.Dec()
	sess.SetState(models.StateTerminated)

	report := sess.Report(r.lim.Timeline())
	if err := report.Validate(); err != nil {
		log.Errorf("report validation: %v", err)
	}
	if c.deps.Reports != nil {
		if err := c.deps.Reports.WriteReport(report); err != nil {
			log.Errorf("write report: %v", err)
		}
	}
	if c.deps.Timeline != nil && len(report.Timeline) > 0 {
		if err := c.deps.Timeline.WriteTimeline(sess.ID, report.Timeline); err != nil {
			log.Errorf("write timeline: %v", err)
		}
	}
	log.Infof("terminated: final_action=%s events=%d dropped=%d", report.FinalAction, len(report.Events), report.EventsDropped)
}

// reapTree removes exited members and reports whether the tree is empty.
func (c *Controller) reapTree(r *run) bool {
	empty := true
	for _, pid := range r.sess.Tree.PIDs() {
		if c.deps.Driver.Alive(pid) {
			empty = false
			continue
		}
		r.sess.Tree.Remove(pid)
	}
	return empty
}

// FinalReport rebuilds the report of a finished session.
func (c *Controller) FinalReport(id string) (*models.SessionReport, error) {
	c.mu.Lock()
	r, ok := c.runs[id]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown session %q", id)
	}
	<-r.loopDone
	return r.sess.Report(r.lim.Timeline()), nil
}
