package reportjson

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sandtrap/pkg/models"
)

func TestWriteReportAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "reports.jsonl")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	first := &models.SessionReport{SessionID: "s1", Target: "a.exe", FinalAction: models.ActionAllow, CreatedAt: time.Now()}
	second := &models.SessionReport{SessionID: "s2", Target: "b.exe", FinalAction: models.ActionTerminate, CreatedAt: time.Now()}
	if err := w.WriteReport(first); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.WriteReport(second); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var got []models.SessionReport
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var report models.SessionReport
		if err := json.Unmarshal(scanner.Bytes(), &report); err != nil {
			t.Fatalf("line is not valid json: %v", err)
		}
		got = append(got, report)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(got))
	}
	if got[0].SessionID != "s1" || got[1].SessionID != "s2" {
		t.Fatalf("unexpected order: %s %s", got[0].SessionID, got[1].SessionID)
	}
	if got[1].FinalAction != models.ActionTerminate {
		t.Fatalf("final action lost: %s", got[1].FinalAction)
	}
}

func TestWriterAppendsAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.jsonl")

	for i := 0; i < 2; i++ {
		w, err := NewWriter(path)
		if err != nil {
			t.Fatalf("new writer: %v", err)
		}
		if err := w.WriteReport(&models.SessionReport{SessionID: "s"}); err != nil {
			t.Fatalf("write: %v", err)
		}
		w.Close()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Fatalf("reopening must append, got %d lines", lines)
	}
}
