package agent

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/pkg/domain"
	"github.com/lorekeep/lorekeep/pkg/ingest"
	"github.com/lorekeep/lorekeep/pkg/metastore"
	"github.com/lorekeep/lorekeep/pkg/usage"
	"github.com/lorekeep/lorekeep/pkg/vectorstore"
)

// wordEmbedder maps each text onto a 3-dim vector counting a few marker
// words, giving tests predictable similarity.
type wordEmbedder struct{}

func (wordEmbedder) Model() string                            { return "test-embed" }
func (wordEmbedder) Dimension(context.Context) (int, error)   { return 3, nil }
func (wordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, 3)
		for j, marker := range []string{"paris", "golang", "cheese"} {
			if containsFold(t, marker) {
				v[j] = 1
			}
		}
		// Avoid the zero vector so cosine similarity stays defined.
		if v[0]+v[1]+v[2] == 0 {
			v[0], v[1], v[2] = 0.1, 0.1, 0.1
		}
		out[i] = v
	}
	return out, nil
}

func containsFold(haystack, needle string) bool {
	h, n := []byte(haystack), []byte(needle)
	for i := 0; i+len(n) <= len(h); i++ {
		match := true
		for j := range n {
			c := h[i+j]
			if c >= 'A' && c <= 'Z' {
				c += 'a' - 'A'
			}
			if c != n[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

type toolkitFixture struct {
	toolkit     *Toolkit
	collections *metastore.Collections
	usage       *usage.Service
	collection  *domain.Collection
	healthErr   error
}

func newToolkitFixture(t *testing.T) *toolkitFixture {
	t.Helper()
	store, err := metastore.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })

	collections := metastore.NewCollections(store)
	settings := metastore.NewSettings(store, nil)
	vectors := vectorstore.NewMemory()
	usageSvc := usage.NewService(metastore.NewUsageRepo(store), settings)

	f := &toolkitFixture{collections: collections, usage: usageSvc}
	health := map[string]HealthCheck{
		"metastore":   func(context.Context) error { return nil },
		"vectorstore": func(context.Context) error { return f.healthErr },
	}
	f.toolkit = NewToolkit(collections, settings, wordEmbedder{}, vectors, usageSvc, health)

	pipe := ingest.New(collections, settings, wordEmbedder{}, vectors)
	col, err := collections.CreateCollection(context.Background(),
		"travel", "", "test-embed", domain.VectorStoreInMemory)
	require.NoError(t, err)
	f.collection = col

	_, err = pipe.Ingest(context.Background(), "travel", ingest.Source{
		Path: "france.txt",
		Data: []byte("Paris is the capital of France.\n\nFrench cheese is famous worldwide.\n"),
	})
	require.NoError(t, err)
	return f
}

func call(t *testing.T, k *Toolkit, name string, args map[string]any) map[string]any {
	t.Helper()
	encoded, err := json.Marshal(args)
	require.NoError(t, err)
	raw, err := k.Call(context.Background(), name, string(encoded))
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

func TestDefsAdvertiseAllTools(t *testing.T) {
	f := newToolkitFixture(t)
	defs := f.toolkit.Defs()

	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
		assert.NotEmpty(t, d.Description, d.Name)
		assert.Equal(t, "object", d.Parameters["type"], d.Name)
	}
	assert.Equal(t, []string{
		"search_knowledge", "search_all_knowledge", "compare_knowledge_bases",
		"get_knowledge_base_summary", "get_knowledge_base_health", "get_storage_optimization",
		"get_popular_models", "compare_models", "get_model_performance",
		"get_system_health", "check_component_health",
	}, names)
}

func TestSearchKnowledgeReturnsRelevantHit(t *testing.T) {
	f := newToolkitFixture(t)

	out := call(t, f.toolkit, "search_knowledge", map[string]any{
		"collectionId": f.collection.ID,
		"query":        "tell me about Paris",
	})
	hits := out["hits"].([]any)
	require.NotEmpty(t, hits)
	top := hits[0].(map[string]any)
	assert.Contains(t, top["text"], "Paris")
	assert.Equal(t, "france.txt", top["documentName"])
	assert.Equal(t, "travel", top["collectionName"])
}

func TestSearchKnowledgeAcceptsCollectionName(t *testing.T) {
	f := newToolkitFixture(t)

	out := call(t, f.toolkit, "search_knowledge", map[string]any{
		"collectionId": "travel",
		"query":        "tell me about Paris",
	})
	hits := out["hits"].([]any)
	require.NotEmpty(t, hits)
	assert.Equal(t, f.collection.ID, hits[0].(map[string]any)["collectionId"])
}

func TestSearchKnowledgeUnknownCollection(t *testing.T) {
	f := newToolkitFixture(t)
	_, err := f.toolkit.Call(context.Background(), "search_knowledge",
		`{"collectionId":"nope","query":"x"}`)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSearchAllKnowledgeMergesAcrossCollections(t *testing.T) {
	f := newToolkitFixture(t)

	out := call(t, f.toolkit, "search_all_knowledge", map[string]any{"query": "cheese"})
	hits := out["hits"].([]any)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].(map[string]any)["text"], "cheese")
}

func TestCompareKnowledgeBasesReportsPerCollection(t *testing.T) {
	f := newToolkitFixture(t)

	out := call(t, f.toolkit, "compare_knowledge_bases", map[string]any{
		"ids":   []string{f.collection.ID, "missing-id"},
		"query": "paris",
	})
	comparisons := out["comparisons"].([]any)
	require.Len(t, comparisons, 2)
	first := comparisons[0].(map[string]any)
	assert.Equal(t, "travel", first["collectionName"])
	assert.NotEmpty(t, first["hits"])
	second := comparisons[1].(map[string]any)
	assert.NotEmpty(t, second["error"])
}

func TestKnowledgeBaseSummaryCountsEverything(t *testing.T) {
	f := newToolkitFixture(t)

	out := call(t, f.toolkit, "get_knowledge_base_summary", nil)
	assert.Equal(t, float64(1), out["totalDocuments"])
	assert.Greater(t, out["totalChunks"], float64(0))
	bases := out["knowledgeBases"].([]any)
	require.Len(t, bases, 1)
	assert.Equal(t, "Active", bases[0].(map[string]any)["status"])
}

func TestModelToolsReadUsageAggregates(t *testing.T) {
	f := newToolkitFixture(t)
	f.usage.RecordTurn(context.Background(), &domain.UsageMetric{
		Provider: "ollama", Model: "qwen3", PromptTokens: 10, CompletionTokens: 4,
		ResponseTimeMs: 250, Success: true,
	})

	popular := call(t, f.toolkit, "get_popular_models", nil)
	models := popular["models"].([]any)
	require.Len(t, models, 1)
	assert.Equal(t, "qwen3", models[0].(map[string]any)["model"])

	perf := call(t, f.toolkit, "get_model_performance", map[string]any{"name": "qwen3"})
	assert.Equal(t, float64(1), perf["requests"])

	compared := call(t, f.toolkit, "compare_models", map[string]any{
		"names": []string{"qwen3", "unknown-model"},
	})
	entries := compared["models"].([]any)
	require.Len(t, entries, 2)
	assert.Equal(t, true, entries[0].(map[string]any)["known"])
	assert.Equal(t, false, entries[1].(map[string]any)["known"])
}

func TestSystemHealthAggregatesComponents(t *testing.T) {
	f := newToolkitFixture(t)

	out := call(t, f.toolkit, "get_system_health", nil)
	assert.Equal(t, true, out["healthy"])

	f.healthErr = errors.New("qdrant unreachable")
	out = call(t, f.toolkit, "get_system_health", nil)
	assert.Equal(t, false, out["healthy"])

	comp := call(t, f.toolkit, "check_component_health", map[string]any{"component": "vectorstore"})
	assert.Equal(t, false, comp["healthy"])
	assert.Contains(t, comp["error"], "qdrant")
}

func TestCallRejectsUnknownToolAndBadArgs(t *testing.T) {
	f := newToolkitFixture(t)

	_, err := f.toolkit.Call(context.Background(), "drop_tables", "{}")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.toolkit.Call(context.Background(), "search_knowledge", "not-json")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.toolkit.Call(context.Background(), "search_knowledge", `{"query":"x"}`)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
