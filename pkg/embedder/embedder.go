// Package embedder maps text to fixed-dimension vectors through a
// provider backend, with batching and retry applied uniformly on top.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorekeep/lorekeep/pkg/domain"
)

const (
	DefaultBatchSize = 16
	maxAttempts      = 4
	initialBackoff   = 500 * time.Millisecond
	maxBackoff       = 4 * time.Second
)

// Embedder is the capability the ingestion pipeline and chat retrieval
// depend on.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension(ctx context.Context) (int, error)
	Model() string
}

// backend is one provider call for a single batch; the Service wraps it
// with splitting and retry.
type backend interface {
	embedBatch(ctx context.Context, texts []string) ([][]float32, error)
	dimension(ctx context.Context) (int, error)
	model() string
}

// Service splits inputs into batches and retries each batch with capped
// exponential backoff. Embedding calls are idempotent, so retrying a
// whole batch is safe.
type Service struct {
	backend   backend
	batchSize int
}

func newService(b backend, batchSize int) *Service {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Service{backend: b, batchSize: batchSize}
}

func (s *Service) Model() string { return s.backend.model() }

func (s *Service) Dimension(ctx context.Context) (int, error) {
	return s.backend.dimension(ctx)
}

// Embed returns one vector per input text, in input order.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += s.batchSize {
		end := start + s.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := s.embedWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (s *Service) embedWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		vectors, err := s.backend.embedBatch(ctx, batch)
		if err == nil {
			if len(vectors) != len(batch) {
				return nil, fmt.Errorf("%w: got %d vectors for %d inputs",
					domain.ErrProviderFailed, len(vectors), len(batch))
			}
			return vectors, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		}
		if !isTransient(err) {
			return nil, err
		}
		if attempt < maxAttempts {
			log.Warn().Err(err).Int("attempt", attempt).
				Str("model", s.backend.model()).
				Msg("embedding batch failed, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
	return nil, fmt.Errorf("%w: %d attempts exhausted: %v",
		domain.ErrProviderUnavailable, maxAttempts, lastErr)
}

// transientError marks provider failures worth retrying (timeouts,
// connection resets, 429/5xx responses).
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func markTransient(err error) error { return &transientError{err: err} }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
