// Package ollamamgr manages locally installed Ollama models: listing,
// deletion and pulls with aggregated download progress.
package ollamamgr

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lorekeep/lorekeep/pkg/domain"
)

// Model is one installed model record.
type Model struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// Progress is one aggregated pull update. Percent covers all layers of
// the pull, not the layer currently downloading.
type Progress struct {
	Status          string  `json:"status"`
	Digest          string  `json:"digest,omitempty"`
	BytesDownloaded int64   `json:"bytesDownloaded"`
	TotalBytes      int64   `json:"totalBytes"`
	Percent         float64 `json:"percent"`
}

// ProgressFunc receives pull updates; it is called at least once per
// whole percent of overall progress.
type ProgressFunc func(Progress)

// Manager talks to the Ollama HTTP API.
type Manager struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string) *Manager {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	// Pulls can run for many minutes; rely on ctx for cancellation.
	return &Manager{baseURL: baseURL, client: &http.Client{}}
}

// List returns the installed models.
func (m *Manager) List(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("build list request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: ollama returned %d", domain.ErrBackendUnavailable, resp.StatusCode)
	}

	var parsed struct {
		Models []struct {
			Name       string    `json:"name"`
			Size       int64     `json:"size"`
			Digest     string    `json:"digest"`
			ModifiedAt time.Time `json:"modified_at"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}

	out := make([]Model, len(parsed.Models))
	for i, mm := range parsed.Models {
		out[i] = Model{Name: mm.Name, Size: mm.Size, Digest: mm.Digest, ModifiedAt: mm.ModifiedAt}
	}
	return out, nil
}

// Delete uninstalls a model by name.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("%w: model name is required", domain.ErrValidation)
	}
	body, _ := json.Marshal(map[string]string{"model": name})
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, m.baseURL+"/api/delete", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: model %q is not installed", domain.ErrNotFound, name)
	default:
		return fmt.Errorf("%w: ollama returned %d", domain.ErrBackendUnavailable, resp.StatusCode)
	}
}

// pullFrame is one line of the /api/pull NDJSON stream.
type pullFrame struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Pull downloads a model, reporting progress aggregated across all
// layers. fn fires on every whole-percent step and on status changes.
func (m *Manager) Pull(ctx context.Context, name string, fn ProgressFunc) error {
	if name == "" {
		return fmt.Errorf("%w: model name is required", domain.ErrValidation)
	}
	body, _ := json.Marshal(map[string]any{"model": name, "stream": true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: ollama returned %d: %s", domain.ErrBackendUnavailable,
			resp.StatusCode, string(raw))
	}

	// Per-layer byte counts keyed by digest; the overall percentage is
	// the sum of completed bytes over the sum of totals.
	layerTotal := map[string]int64{}
	layerDone := map[string]int64{}
	lastPercent := -1.0
	lastStatus := ""

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var frame pullFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			return fmt.Errorf("decode pull stream: %w", err)
		}
		if frame.Error != "" {
			return fmt.Errorf("%w: %s", domain.ErrBackendUnavailable, frame.Error)
		}

		if frame.Digest != "" && frame.Total > 0 {
			layerTotal[frame.Digest] = frame.Total
			layerDone[frame.Digest] = frame.Completed
		}

		var done, total int64
		for digest, t := range layerTotal {
			total += t
			done += layerDone[digest]
		}
		percent := 0.0
		if total > 0 {
			percent = float64(done) / float64(total) * 100
		}
		if frame.Status == "success" {
			percent = 100
		}

		statusChanged := frame.Status != lastStatus
		crossedStep := int(percent) > int(lastPercent)
		if fn != nil && (statusChanged || crossedStep) {
			fn(Progress{
				Status:          frame.Status,
				Digest:          frame.Digest,
				BytesDownloaded: done,
				TotalBytes:      total,
				Percent:         percent,
			})
			lastPercent = percent
			lastStatus = frame.Status
		}

		if frame.Status == "success" {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: pull cancelled", domain.ErrCancelled)
		}
		return fmt.Errorf("%w: read pull stream: %v", domain.ErrBackendUnavailable, err)
	}
	return fmt.Errorf("%w: pull stream ended without success", domain.ErrBackendUnavailable)
}
