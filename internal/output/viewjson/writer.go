// Package viewjson writes entity views as JSON lines.
package viewjson

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"assetql/internal/logger"
	"assetql/pkg/models"
)

// Writer outputs views to a JSON lines stream.
type Writer struct {
	closer  io.Closer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewWriter creates a JSONL writer for views at path. "-" writes to stdout.
func NewWriter(path string) (*Writer, error) {
	if path == "" || path == "-" {
		return NewStreamWriter(os.Stdout), nil
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	logger.Infof("View JSON writer initialized: %s", path)
	return &Writer{closer: f, encoder: json.NewEncoder(f)}, nil
}

// NewStreamWriter writes to w without taking ownership of it.
func NewStreamWriter(w io.Writer) *Writer {
	return &Writer{encoder: json.NewEncoder(w)}
}

// WriteViews writes a batch of views.
func (w *Writer) WriteViews(views []*models.View) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, v := range views {
		if err := w.encoder.Encode(v); err != nil {
			return fmt.Errorf("failed to encode view %s: %w", v.InternalAxonID, err)
		}
	}
	return nil
}

// Close closes the output file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closer != nil {
		err := w.closer.Close()
		w.closer = nil
		return err
	}
	return nil
}
