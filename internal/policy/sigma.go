package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"sandtrap/pkg/models"
)

// SigmaLoadStats tracks the number of loaded and skipped rules.
type SigmaLoadStats struct {
	TotalFiles     int
	Loaded         int
	SkippedComplex int
	SkippedInvalid int
}

type compiledSigmaRule struct {
	eval  *sigmaevaluator.RuleEvaluator
	label models.RuleTag
}

// SigmaTagger evaluates Sigma detection rules against individual behavior
// events and labels matches. Tags feed the typed rules' tag predicate.
type SigmaTagger struct {
	rules []compiledSigmaRule
	ctx   context.Context
}

// NewSigmaTagger loads Sigma rules from a file or directory and compiles
// evaluators. Rules with aggregations, timeframes, or keyword searches are
// skipped and counted in stats.
func NewSigmaTagger(path string) (*SigmaTagger, SigmaLoadStats, error) {
	var stats SigmaLoadStats

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve rule path: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, stats, fmt.Errorf("stat rule path: %w", err)
	}

	var files []string
	if info.IsDir() {
		err = filepath.WalkDir(resolved, func(filePath string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if entry.IsDir() {
				return nil
			}
			if isYAMLFile(filePath) {
				files = append(files, filePath)
			}
			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("walk rule directory: %w", err)
		}
	} else {
		if !isYAMLFile(resolved) {
			return nil, stats, fmt.Errorf("rule file must end with .yml or .yaml: %s", resolved)
		}
		files = append(files, resolved)
	}

	stats.TotalFiles = len(files)
	compiled := make([]compiledSigmaRule, 0, len(files))
	for _, ruleFile := range files {
		raw, err := os.ReadFile(ruleFile)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		rule, err := sigma.ParseRule(raw)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		if !isSimpleSingleEventRule(rule) {
			stats.SkippedComplex++
			continue
		}
		compiled = append(compiled, compiledSigmaRule{
			eval:  sigmaevaluator.ForRule(rule),
			label: tagFromRule(rule),
		})
		stats.Loaded++
	}

	return &SigmaTagger{rules: compiled, ctx: context.Background()}, stats, nil
}

// Apply evaluates all loaded rules and returns tags for matches.
func (t *SigmaTagger) Apply(event *models.BehaviorEvent) []models.RuleTag {
	if t == nil || event == nil || len(t.rules) == 0 {
		return nil
	}

	eventMap := sigmaEventFrom(event)
	var out []models.RuleTag
	for _, rule := range t.rules {
		res, err := rule.eval.Matches(t.ctx, eventMap)
		if err != nil {
			continue
		}
		if res.Match {
			out = append(out, rule.label)
		}
	}
	return out
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

func isSimpleSingleEventRule(rule sigma.Rule) bool {
	if rule.Detection.Timeframe > 0 {
		return false
	}
	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return false
		}
	}
	for _, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 {
			return false
		}
		if len(search.EventMatchers) == 0 {
			return false
		}
	}
	return true
}

// sigmaEventFrom flattens a behavior event into the field map the Sigma
// evaluator matches against.
func sigmaEventFrom(event *models.BehaviorEvent) map[string]interface{} {
	buf := make(map[string]interface{}, len(event.Detail)+6)
	for k, v := range event.Detail {
		buf[k] = v
	}
	buf["EventKind"] = string(event.Kind)
	buf["Subject"] = event.Subject
	buf["ProcessId"] = event.PID
	buf["SessionId"] = event.SessionID
	switch event.Kind {
	case models.KindFileWrite, models.KindFileDelete:
		buf["TargetFilename"] = event.Subject
	case models.KindRegistryWrite, models.KindRegistryDelete:
		buf["TargetObject"] = event.Subject
	case models.KindNetworkConnect:
		buf["DestinationIp"] = event.Subject
	}
	return buf
}

func tagFromRule(rule sigma.Rule) models.RuleTag {
	id := strings.TrimSpace(rule.ID)
	if id == "" {
		id = strings.TrimSpace(rule.Title)
	}
	level := strings.ToLower(strings.TrimSpace(rule.Level))
	if level == "" {
		level = "medium"
	}
	return models.RuleTag{
		ID:       id,
		Name:     strings.TrimSpace(rule.Title),
		Severity: level,
	}
}
