package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/lorekeep/lorekeep/pkg/domain"
)

// Memory is an exact-scan in-memory backend. It defines the reference
// semantics the external backends are tested against.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	dim    int
	points map[string]domain.VectorPoint
}

func NewMemory() *Memory {
	return &Memory{collections: map[string]*memCollection{}}
}

func (m *Memory) EnsureCollection(_ context.Context, name string, dim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.collections[name]; ok {
		if existing.dim != dim {
			return fmt.Errorf("%w: collection %s has dimension %d, requested %d",
				domain.ErrValidation, name, existing.dim, dim)
		}
		return nil
	}
	m.collections[name] = &memCollection{dim: dim, points: map[string]domain.VectorPoint{}}
	return nil
}

func (m *Memory) ListCollections(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) DeleteCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

func (m *Memory) Upsert(_ context.Context, name string, points []domain.VectorPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.collections[name]
	if !ok {
		return fmt.Errorf("%w: collection %s", domain.ErrNotFound, name)
	}
	for _, p := range points {
		if len(p.Vector) != col.dim {
			return fmt.Errorf("%w: point %s has dimension %d, collection expects %d",
				domain.ErrValidation, p.ID, len(p.Vector), col.dim)
		}
		col.points[p.ID] = p
	}
	return nil
}

func (m *Memory) DeletePoints(_ context.Context, name string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.collections[name]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(col.points, id)
	}
	return nil
}

func (m *Memory) Search(_ context.Context, name string, query []float32, k int, minScore float32) ([]domain.SearchHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	col, ok := m.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: collection %s", domain.ErrNotFound, name)
	}
	if k <= 0 {
		k = 10
	}

	hits := make([]domain.SearchHit, 0, len(col.points))
	for _, p := range col.points {
		score := cosineSimilarity(query, p.Vector)
		if minScore >= 0 && score < minScore {
			continue
		}
		hits = append(hits, domain.SearchHit{ID: p.ID, Score: score, Payload: p.Payload})
	}
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].ID < hits[b].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *Memory) Health(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
