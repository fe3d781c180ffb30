package reporthttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"sandtrap/pkg/models"
)

func TestWriteReportPostsJSON(t *testing.T) {
	var received models.SessionReport
	var contentType, auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	w, err := NewWriter(Config{URL: server.URL, Headers: map[string]string{"Authorization": "Bearer tok"}})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	report := &models.SessionReport{SessionID: "s1", FinalAction: models.ActionQuarantine}
	if err := w.WriteReport(report); err != nil {
		t.Fatalf("write: %v", err)
	}

	if received.SessionID != "s1" || received.FinalAction != models.ActionQuarantine {
		t.Fatalf("unexpected payload: %+v", received)
	}
	if contentType != "application/json" {
		t.Fatalf("expected json content type, got %q", contentType)
	}
	if auth != "Bearer tok" {
		t.Fatalf("custom header lost, got %q", auth)
	}
}

func TestWriteReportFailsOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	w, err := NewWriter(Config{URL: server.URL})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.WriteReport(&models.SessionReport{}); err == nil {
		t.Fatalf("expected error for 5xx response")
	}
}

func TestNewWriterRequiresURL(t *testing.T) {
	if _, err := NewWriter(Config{}); err == nil {
		t.Fatalf("expected error for empty URL")
	}
}
