package reportjson

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"sandtrap/internal/logger"
	"sandtrap/pkg/models"
)

// Writer appends session reports to a JSON lines file.
type Writer struct {
	file    *os.File
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewWriter creates a JSONL writer for session reports.
func NewWriter(path string) (*Writer, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open report file: %w", err)
	}

	logger.Infof("report JSON writer initialized: %s", path)
	return &Writer{file: f, encoder: json.NewEncoder(f)}, nil
}

// WriteReport appends one session report.
func (w *Writer) WriteReport(report *models.SessionReport) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.encoder.Encode(report); err != nil {
		return fmt.Errorf("failed to encode session report: %w", err)
	}
	return nil
}

// Close closes the output file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		return w.file.Close()
	}
	return nil
}
