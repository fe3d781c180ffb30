package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"sandtrap/pkg/models"
)

const simpleRule = `
title: Startup Folder Drop
id: 11111111-1111-1111-1111-111111111111
level: high
detection:
  selection:
    EventKind: file-write
    TargetFilename|contains: 'Startup'
  condition: selection
`

const aggregationRule = `
title: Too Many Logons
level: medium
detection:
  selection:
    EventKind: network-connect
  condition: selection | count() > 5
`

const brokenRule = `
title: [not yaml
`

func writeRules(t *testing.T, rules map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range rules {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
			t.Fatalf("write rule %s: %v", name, err)
		}
	}
	return dir
}

func TestSigmaTaggerLoadStats(t *testing.T) {
	dir := writeRules(t, map[string]string{
		"simple.yml": simpleRule,
		"agg.yml":    aggregationRule,
		"broken.yml": brokenRule,
		"notes.txt":  "not a rule",
	})

	_, stats, err := NewSigmaTagger(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stats.TotalFiles != 3 {
		t.Fatalf("expected 3 yaml files considered, got %d", stats.TotalFiles)
	}
	if stats.Loaded != 1 {
		t.Fatalf("expected 1 loaded rule, got %d", stats.Loaded)
	}
	if stats.SkippedComplex != 1 {
		t.Fatalf("expected 1 complex rule skipped, got %d", stats.SkippedComplex)
	}
	if stats.SkippedInvalid != 1 {
		t.Fatalf("expected 1 invalid rule skipped, got %d", stats.SkippedInvalid)
	}
}

func TestSigmaTaggerTagsMatchingEvents(t *testing.T) {
	dir := writeRules(t, map[string]string{"simple.yml": simpleRule})
	tagger, _, err := NewSigmaTagger(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	at := time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC)
	hit := &models.BehaviorEvent{
		Timestamp: at,
		Kind:      models.KindFileWrite,
		Subject:   `C:\Users\bob\AppData\Roaming\Microsoft\Windows\Start Menu\Programs\Startup\evil.lnk`,
	}
	tags := tagger.Apply(hit)
	if len(tags) != 1 {
		t.Fatalf("expected 1 tag, got %d", len(tags))
	}
	if tags[0].Name != "Startup Folder Drop" || tags[0].Severity != "high" {
		t.Fatalf("unexpected tag: %+v", tags[0])
	}

	miss := &models.BehaviorEvent{
		Timestamp: at,
		Kind:      models.KindFileWrite,
		Subject:   `C:\Users\bob\Documents\report.docx`,
	}
	if tags := tagger.Apply(miss); len(tags) != 0 {
		t.Fatalf("unexpected tags on miss: %+v", tags)
	}
}

func TestSigmaTaggerMissingPath(t *testing.T) {
	if _, _, err := NewSigmaTagger(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatalf("expected error for missing rule path")
	}
}
