// Package policy evaluates behavior events against the session's rule set
// and produces enforcement verdicts.
package policy

import (
	"fmt"
	"net"
	"sort"
	"time"

	"sandtrap/config"
	"sandtrap/internal/patterns"
	"sandtrap/pkg/models"
)

// Tagger labels events with detection rule tags before evaluation.
type Tagger interface {
	Apply(event *models.BehaviorEvent) []models.RuleTag
}

// Engine matches events against an ordered rule set. Evaluate is a pure
// function of (event, aggregate state, rule set): the engine itself holds
// no mutable session state.
type Engine struct {
	tiers         []ruleTier
	defaultAction models.Action
}

type ruleTier struct {
	priority int
	rules    []compiledRule
}

type compiledRule struct {
	name       string
	kind       models.EventKind
	anyKind    bool
	action     models.Action
	subjects   *patterns.Set
	shared     *patterns.Set
	tag        string
	publicOnly bool
	rate       *config.RateSpec
}

// NewEngine validates and compiles the configured rule set. A malformed
// rule set returns a *ConfigError; the session must not start.
func NewEngine(cfg config.PolicyConfig) (*Engine, error) {
	defaultAction := models.Action(cfg.DefaultAction)
	if defaultAction == "" {
		defaultAction = models.ActionAllow
	}
	if !defaultAction.Valid() {
		return nil, &ConfigError{Detail: fmt.Sprintf("unknown default action %q", cfg.DefaultAction)}
	}

	seen := make(map[string]struct{}, len(cfg.Rules))
	byTier := make(map[int][]compiledRule)
	for i, spec := range cfg.Rules {
		rule, err := compileRule(i, spec)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[rule.name]; dup {
			return nil, &ConfigError{Rule: rule.name, Detail: "duplicate rule name"}
		}
		seen[rule.name] = struct{}{}
		byTier[spec.Priority] = append(byTier[spec.Priority], rule)
	}

	priorities := make([]int, 0, len(byTier))
	for p := range byTier {
		priorities = append(priorities, p)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))

	tiers := make([]ruleTier, 0, len(priorities))
	for _, p := range priorities {
		tiers = append(tiers, ruleTier{priority: p, rules: byTier[p]})
	}

	return &Engine{tiers: tiers, defaultAction: defaultAction}, nil
}

func compileRule(index int, spec config.RuleSpec) (compiledRule, error) {
	name := spec.Name
	if name == "" {
		return compiledRule{}, &ConfigError{Detail: fmt.Sprintf("rule %d has no name", index)}
	}

	action := models.Action(spec.Action)
	if !action.Valid() {
		return compiledRule{}, &ConfigError{Rule: name, Detail: fmt.Sprintf("unknown action %q", spec.Action)}
	}

	rule := compiledRule{
		name:       name,
		action:     action,
		tag:        spec.Tag,
		publicOnly: spec.PublicOnly,
	}

	switch {
	case spec.Kind == "" || spec.Kind == "any":
		rule.anyKind = true
	default:
		rule.kind = models.EventKind(spec.Kind)
		if !knownKind(rule.kind) {
			return compiledRule{}, &ConfigError{Rule: name, Detail: fmt.Sprintf("unknown event kind %q", spec.Kind)}
		}
	}

	if rule.anyKind && spec.Rate != nil {
		return compiledRule{}, &ConfigError{Rule: name, Detail: "rate rules need a concrete event kind"}
	}
	if spec.PublicOnly && !rule.anyKind && rule.kind != models.KindNetworkConnect {
		return compiledRule{}, &ConfigError{Rule: name, Detail: "public_only applies to network-connect rules only"}
	}
	if spec.Rate != nil {
		if spec.Rate.Count <= 0 {
			return compiledRule{}, &ConfigError{Rule: name, Detail: "rate count must be positive"}
		}
		if spec.Rate.Window <= 0 {
			return compiledRule{}, &ConfigError{Rule: name, Detail: "rate window must be positive"}
		}
		rule.rate = spec.Rate
	}

	if len(spec.Subjects) > 0 {
		rule.subjects = patterns.FromPatterns(spec.Subjects)
	}
	if spec.PatternFile != "" {
		set, err := patterns.Load(spec.PatternFile)
		if err != nil {
			return compiledRule{}, &ConfigError{Rule: name, Detail: err.Error()}
		}
		rule.shared = set
	}

	return rule, nil
}

func knownKind(kind models.EventKind) bool {
	switch kind {
	case models.KindFileWrite, models.KindFileDelete,
		models.KindRegistryWrite, models.KindRegistryDelete,
		models.KindNetworkConnect, models.KindProcessSpawn,
		models.KindPrivilegeChange, models.KindResourceExceeded:
		return true
	}
	return false
}

// MaxRateWindow returns the widest rate window in the rule set; aggregate
// state older than this is dead weight.
func (e *Engine) MaxRateWindow() time.Duration {
	var max time.Duration
	for _, tier := range e.tiers {
		for _, rule := range tier.rules {
			if rule.rate != nil && rule.rate.Window > max {
				max = rule.rate.Window
			}
		}
	}
	return max
}

// DefaultAction returns the configured fallback action.
func (e *Engine) DefaultAction() models.Action {
	return e.defaultAction
}

// Evaluate returns the verdict for one event. Rules are tried highest
// priority tier first, in declaration order inside a tier; the first match
// wins. With no match the configured default action applies.
func (e *Engine) Evaluate(ev *models.BehaviorEvent, agg *AggregateState) models.Verdict {
	for _, tier := range e.tiers {
		for _, rule := range tier.rules {
			if rule.matches(ev, agg) {
				return models.Verdict{
					Timestamp: ev.Timestamp,
					Action:    rule.action,
					Rule:      rule.name,
					EventSeq:  ev.Seq,
					Reason:    rule.reason(ev, agg),
				}
			}
		}
	}
	return models.Verdict{
		Timestamp: ev.Timestamp,
		Action:    e.defaultAction,
		EventSeq:  ev.Seq,
	}
}

func (r *compiledRule) matches(ev *models.BehaviorEvent, agg *AggregateState) bool {
	if !r.anyKind && ev.Kind != r.kind {
		return false
	}
	if r.publicOnly && !isPublicSubject(ev) {
		return false
	}
	if r.subjects != nil && !r.subjects.Match(ev.Subject) {
		return false
	}
	if r.shared != nil && !r.shared.Match(ev.Subject) {
		return false
	}
	if r.tag != "" && !hasTag(ev, r.tag) {
		return false
	}
	if r.rate != nil {
		if agg == nil {
			return false
		}
		return agg.CountWithin(ev.Kind, r.rate.Window, ev.Timestamp) > r.rate.Count
	}
	return true
}

func (r *compiledRule) reason(ev *models.BehaviorEvent, agg *AggregateState) string {
	if r.rate != nil && agg != nil {
		count := agg.CountWithin(ev.Kind, r.rate.Window, ev.Timestamp)
		return fmt.Sprintf("%d %s events within %s (limit %d)", count, ev.Kind, r.rate.Window, r.rate.Count)
	}
	return string(ev.Kind) + " " + ev.Subject
}

func hasTag(ev *models.BehaviorEvent, name string) bool {
	for _, tag := range ev.Tags {
		if tag.ID == name || tag.Name == name {
			return true
		}
	}
	return false
}

// isPublicSubject reads the collector's destination classification; when the
// collector left no classification, the address itself decides.
func isPublicSubject(ev *models.BehaviorEvent) bool {
	switch ev.Field("destination") {
	case "private":
		return false
	case "public":
		return true
	}
	host, _, err := net.SplitHostPort(ev.Subject)
	if err != nil {
		host = ev.Subject
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return true
	}
	return !(ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast())
}
