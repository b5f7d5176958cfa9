package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/pkg/domain"
)

type ollamaBackend struct {
	baseURL   string
	modelName string
	client    *http.Client
	dim       int
}

// NewOllama builds the local model-server embedding client against the
// /api/embed endpoint.
func NewOllama(baseURL, model string, batchSize int) (*Service, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		return nil, fmt.Errorf("%w: ollama embedding model", domain.ErrConfigMissing)
	}
	b := &ollamaBackend{
		baseURL:   strings.TrimRight(baseURL, "/"),
		modelName: model,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
	return newService(b, batchSize), nil
}

func (b *ollamaBackend) model() string { return b.modelName }

func (b *ollamaBackend) dimension(ctx context.Context) (int, error) {
	if b.dim > 0 {
		return b.dim, nil
	}
	vectors, err := b.embedBatch(ctx, []string{"dimension probe"})
	if err != nil {
		return 0, err
	}
	b.dim = len(vectors[0])
	return b.dim, nil
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

func (b *ollamaBackend) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: b.modelName, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, markTransient(fmt.Errorf("ollama embed request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, markTransient(fmt.Errorf("read embed response: %w", err))
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, markTransient(fmt.Errorf("ollama embed returned %d: %s", resp.StatusCode, payload))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: ollama embed returned %d: %s",
			domain.ErrProviderFailed, resp.StatusCode, payload)
	}

	var parsed ollamaEmbedResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode embed response: %v", domain.ErrProviderFailed, err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderFailed, parsed.Error)
	}
	if b.dim == 0 && len(parsed.Embeddings) > 0 {
		b.dim = len(parsed.Embeddings[0])
	}
	return parsed.Embeddings, nil
}
