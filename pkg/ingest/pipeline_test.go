package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/pkg/domain"
	"github.com/lorekeep/lorekeep/pkg/metastore"
	"github.com/lorekeep/lorekeep/pkg/vectorstore"
)

// hashEmbedder derives a deterministic unit vector from each text.
type hashEmbedder struct{ calls int }

func (e *hashEmbedder) Model() string { return "test-embed" }

func (e *hashEmbedder) Dimension(context.Context) (int, error) { return 4, nil }

func (e *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := [4]float32{}
		for j, r := range t {
			v[j%4] += float32(r%13) + 1
		}
		out[i] = v[:]
	}
	return out, nil
}

type fixture struct {
	pipeline    *Pipeline
	collections *metastore.Collections
	vectors     *vectorstore.Memory
	embedder    *hashEmbedder
	collection  *domain.Collection
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := metastore.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })

	collections := metastore.NewCollections(store)
	settings := metastore.NewSettings(store, nil)
	vectors := vectorstore.NewMemory()
	emb := &hashEmbedder{}

	col, err := collections.CreateCollection(context.Background(),
		"docs", "", "test-embed", domain.VectorStoreInMemory)
	require.NoError(t, err)

	return &fixture{
		pipeline:    New(collections, settings, emb, vectors),
		collections: collections,
		vectors:     vectors,
		embedder:    emb,
		collection:  col,
	}
}

func TestIngestHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.pipeline.Ingest(ctx, "docs", Source{
		Path: "guide.md",
		Data: []byte("# Guide\n\nSome introductory text about the system.\n\n## Usage\n\nMore detail here.\n"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.DocumentID)
	assert.Greater(t, res.ChunkCount, 0)

	doc, err := f.collections.GetDocument(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocComplete, doc.Status)
	assert.Equal(t, res.ChunkCount, doc.ChunkCount)
	assert.NotNil(t, doc.ProcessedAt)
	assert.Equal(t, "md", doc.FileType)

	chunks, err := f.collections.ListChunks(ctx, res.DocumentID)
	require.NoError(t, err)
	require.Len(t, chunks, res.ChunkCount)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkOrder)
		assert.True(t, c.VectorStored)
	}

	col, err := f.collections.GetCollection(ctx, f.collection.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CollectionActive, col.Status)
	assert.Equal(t, 1, col.DocumentCount)
	assert.Equal(t, res.ChunkCount, col.ChunkCount)
}

func TestIngestUnsupportedFormatFailsFast(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.Ingest(context.Background(), "docs", Source{
		Path: "image.png", Data: []byte{1, 2, 3},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	docs, listErr := f.collections.ListDocuments(context.Background(), f.collection.ID)
	require.NoError(t, listErr)
	assert.Empty(t, docs, "no document row for an unsupported format")
}

func TestIngestEmptyDocumentLeavesErrorRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Ingest(ctx, "docs", Source{Path: "empty.txt", Data: []byte("   \n\n ")})
	assert.ErrorIs(t, err, domain.ErrEmptyDocument)

	docs, err := f.collections.ListDocuments(ctx, f.collection.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, domain.DocError, docs[0].Status)
	assert.NotEmpty(t, docs[0].StatusMessage)
}

func TestDocumentIDIsDeterministic(t *testing.T) {
	data := []byte("content")
	assert.Equal(t, DocumentID("a.md", data), DocumentID("a.md", data))
	assert.NotEqual(t, DocumentID("a.md", data), DocumentID("b.md", data))
	assert.NotEqual(t, DocumentID("a.md", data), DocumentID("a.md", []byte("other")))
}

func TestReingestIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := Source{Path: "guide.md", Data: []byte("# Guide\n\nStable content for idempotence.\n")}

	first, err := f.pipeline.Ingest(ctx, "docs", src)
	require.NoError(t, err)
	second, err := f.pipeline.Ingest(ctx, "docs", src)
	require.NoError(t, err)

	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.Equal(t, first.ChunkCount, second.ChunkCount)

	chunks, err := f.collections.ListChunks(ctx, first.DocumentID)
	require.NoError(t, err)
	assert.Len(t, chunks, first.ChunkCount, "re-ingest must not duplicate chunks")

	col, err := f.collections.GetCollection(ctx, f.collection.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, col.DocumentCount)
	assert.Equal(t, first.ChunkCount, col.ChunkCount)
}

func TestIngestedChunksAreSearchable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.pipeline.Ingest(ctx, "docs", Source{
		Path: "facts.txt",
		Data: []byte("The capital of France is Paris.\n\nGo is a statically typed language.\n"),
	})
	require.NoError(t, err)

	chunks, err := f.collections.ListChunks(ctx, res.DocumentID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	// Embedding a stored chunk's text and searching with it returns that
	// chunk as the top hit.
	vectors, err := f.embedder.Embed(ctx, []string{chunks[0].Text})
	require.NoError(t, err)
	hits, err := f.vectors.Search(ctx, f.collection.ID, vectors[0], 5, vectorstore.NoMinScore)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, chunks[0].ID, hits[0].ID)
	assert.GreaterOrEqual(t, hits[0].Score, float32(0.999))
	assert.Equal(t, chunks[0].Text, hits[0].Payload["text"])
}

func TestDeleteDocumentRemovesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.pipeline.Ingest(ctx, "docs", Source{
		Path: "gone.md", Data: []byte("# Doomed\n\nShort lived content.\n"),
	})
	require.NoError(t, err)

	require.NoError(t, f.pipeline.DeleteDocument(ctx, f.collection.ID, res.DocumentID))

	_, err = f.collections.GetDocument(ctx, res.DocumentID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	chunks, err := f.collections.ListChunks(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	col, err := f.collections.GetCollection(ctx, f.collection.ID)
	require.NoError(t, err)
	assert.Zero(t, col.ChunkCount)
	assert.Zero(t, col.DocumentCount)
}
