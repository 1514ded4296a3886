// Package viewhttp posts entity views to a remote HTTP endpoint.
package viewhttp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"assetql/pkg/models"
)

const (
	defaultPageSize = 100
	maxErrorBody    = 512

	// EntityCountHeader carries the number of views in a request.
	EntityCountHeader = "X-AssetQL-Entity-Count"
)

// Config configures the HTTP writer.
type Config struct {
	URL      string
	Timeout  time.Duration
	Headers  map[string]string
	PageSize int
}

// Page is the request body: one page of views and their entity ids in the
// same order.
type Page struct {
	IDs   []string       `json:"ids"`
	Views []*models.View `json:"views"`
}

// Writer posts views in pages of at most PageSize entities.
type Writer struct {
	url      string
	headers  map[string]string
	pageSize int
	client   *http.Client
}

// NewWriter creates an HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http view URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Writer{
		url:      cfg.URL,
		headers:  cfg.Headers,
		pageSize: pageSize,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// WriteViews posts views page by page. It stops at the first rejected page;
// earlier pages have already been delivered.
func (w *Writer) WriteViews(views []*models.View) error {
	for start := 0; start < len(views); start += w.pageSize {
		end := start + w.pageSize
		if end > len(views) {
			end = len(views)
		}
		if err := w.post(views[start:end]); err != nil {
			return fmt.Errorf("views %d-%d: %w", start, end-1, err)
		}
	}
	return nil
}

func (w *Writer) post(views []*models.View) error {
	page := Page{IDs: make([]string, 0, len(views)), Views: views}
	for _, v := range views {
		page.IDs = append(page.IDs, v.InternalAxonID)
	}
	body, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("failed to marshal views: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EntityCountHeader, strconv.Itoa(len(views)))
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if text := strings.TrimSpace(string(msg)); text != "" {
			return fmt.Errorf("http request failed with status %s: %s", resp.Status, text)
		}
		return fmt.Errorf("http request failed with status %s", resp.Status)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Close drops idle keep-alive connections.
func (w *Writer) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
