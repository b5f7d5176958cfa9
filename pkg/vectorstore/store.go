// Package vectorstore abstracts the vector database behind one capability
// so ingestion and retrieval never know which backend is configured. Both
// backends implement identical ordering and idempotence semantics.
package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/lorekeep/lorekeep/pkg/config"
	"github.com/lorekeep/lorekeep/pkg/domain"
)

// NoMinScore disables score filtering on Search.
const NoMinScore float32 = -1

// Store is the backend capability. EnsureCollection and DeleteCollection
// are idempotent; Upsert overwrites points by id; Search orders results
// by descending cosine similarity and drops hits below minScore when one
// is supplied.
type Store interface {
	EnsureCollection(ctx context.Context, name string, dim int) error
	ListCollections(ctx context.Context) ([]string, error)
	DeleteCollection(ctx context.Context, name string) error
	Upsert(ctx context.Context, name string, points []domain.VectorPoint) error
	DeletePoints(ctx context.Context, name string, ids []string) error
	Search(ctx context.Context, name string, query []float32, k int, minScore float32) ([]domain.SearchHit, error)
	Health(ctx context.Context) error
	Close() error
}

// New builds the configured backend. The in-memory store exists for
// tests and single-process setups without external services.
func New(ctx context.Context, cfg config.VectorStoreConfig) (Store, error) {
	switch strings.ToLower(cfg.Provider) {
	case "qdrant", "local":
		return NewQdrant(cfg.Qdrant)
	case "mongodb", "mongo", "cloud":
		return NewMongo(ctx, cfg.Mongo)
	case "memory", "in-memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: unknown vector store provider %q", domain.ErrValidation, cfg.Provider)
	}
}
