package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/pkg/domain"
)

// fakeBackend returns canned vectors and scripts failures per call.
type fakeBackend struct {
	dim      int
	calls    int
	batches  [][]string
	failures []error
}

func (f *fakeBackend) model() string { return "fake-model" }

func (f *fakeBackend) dimension(context.Context) (int, error) { return f.dim, nil }

func (f *fakeBackend) embedBatch(_ context.Context, texts []string) ([][]float32, error) {
	call := f.calls
	f.calls++
	f.batches = append(f.batches, texts)
	if call < len(f.failures) && f.failures[call] != nil {
		return nil, f.failures[call]
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
		out[i][0] = float32(len(texts[i]))
	}
	return out, nil
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "text"
	}
	return out
}

func TestEmbedSplitsIntoBatches(t *testing.T) {
	fake := &fakeBackend{dim: 4}
	svc := newService(fake, 16)

	vectors, err := svc.Embed(context.Background(), texts(40))
	require.NoError(t, err)
	assert.Len(t, vectors, 40)
	require.Len(t, fake.batches, 3)
	assert.Len(t, fake.batches[0], 16)
	assert.Len(t, fake.batches[1], 16)
	assert.Len(t, fake.batches[2], 8)
}

func TestEmbedRetriesTransientThenSucceeds(t *testing.T) {
	fake := &fakeBackend{
		dim:      4,
		failures: []error{markTransient(errors.New("conn reset")), markTransient(errors.New("conn reset"))},
	}
	svc := newService(fake, 16)

	vectors, err := svc.Embed(context.Background(), texts(2))
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
	assert.Equal(t, 3, fake.calls)
}

func TestEmbedGivesUpAfterMaxAttempts(t *testing.T) {
	fail := markTransient(errors.New("unreachable"))
	fake := &fakeBackend{dim: 4, failures: []error{fail, fail, fail, fail}}
	svc := newService(fake, 16)

	_, err := svc.Embed(context.Background(), texts(1))
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Equal(t, maxAttempts, fake.calls)
}

func TestEmbedDoesNotRetryPermanentErrors(t *testing.T) {
	fake := &fakeBackend{dim: 4, failures: []error{domain.ErrProviderFailed}}
	svc := newService(fake, 16)

	_, err := svc.Embed(context.Background(), texts(1))
	assert.ErrorIs(t, err, domain.ErrProviderFailed)
	assert.Equal(t, 1, fake.calls)
}

func TestEmbedEmptyInput(t *testing.T) {
	fake := &fakeBackend{dim: 4}
	svc := newService(fake, 16)

	vectors, err := svc.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
	assert.Zero(t, fake.calls)
}

func TestOllamaBackend(t *testing.T) {
	var gotRequest ollamaEmbedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRequest))
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{
			Embeddings: [][]float32{{0.1, 0.2, 0.3}, {0.4, 0.5, 0.6}},
		})
	}))
	defer server.Close()

	svc, err := NewOllama(server.URL, "nomic-embed-text", 16)
	require.NoError(t, err)

	vectors, err := svc.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vectors[0])
	assert.Equal(t, "nomic-embed-text", gotRequest.Model)
	assert.Equal(t, []string{"a", "b"}, gotRequest.Input)

	dim, err := svc.Dimension(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, dim)
}

func TestOllamaServerErrorIsRetriedThenUnavailable(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	svc, err := NewOllama(server.URL, "nomic-embed-text", 16)
	require.NoError(t, err)

	_, err = svc.Embed(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Equal(t, maxAttempts, calls)
}

func TestOllamaBadRequestIsPermanent(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	svc, err := NewOllama(server.URL, "missing-model", 16)
	require.NoError(t, err)

	_, err = svc.Embed(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, domain.ErrProviderFailed)
	assert.Equal(t, 1, calls)
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	_, err := NewOpenAI("", "", "text-embedding-3-small", 16)
	assert.ErrorIs(t, err, domain.ErrConfigMissing)
}
