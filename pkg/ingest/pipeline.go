// Package ingest drives a document through parse, chunk, embed and
// vector-upsert, recording metadata rows at each checkpoint so a crash
// leaves an inspectable trail instead of silent partial state.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorekeep/lorekeep/pkg/chunker"
	"github.com/lorekeep/lorekeep/pkg/domain"
	"github.com/lorekeep/lorekeep/pkg/embedder"
	"github.com/lorekeep/lorekeep/pkg/metastore"
	"github.com/lorekeep/lorekeep/pkg/parser"
	"github.com/lorekeep/lorekeep/pkg/vectorstore"
)

// Source is one file to ingest. Path identifies the document across
// re-ingests; Data is the raw file content.
type Source struct {
	Path string
	Data []byte
}

// Result is what Ingest reports back.
type Result struct {
	DocumentID string `json:"documentId"`
	ChunkCount int    `json:"chunkCount"`
}

// Pipeline orchestrates one ingestion at a time per collection; distinct
// collections proceed in parallel.
type Pipeline struct {
	collections *metastore.Collections
	settings    *metastore.Settings
	embedder    embedder.Embedder
	vectors     vectorstore.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(collections *metastore.Collections, settings *metastore.Settings, emb embedder.Embedder, vectors vectorstore.Store) *Pipeline {
	return &Pipeline{
		collections: collections,
		settings:    settings,
		embedder:    emb,
		vectors:     vectors,
		locks:       map[string]*sync.Mutex{},
	}
}

// DocumentID is deterministic over path and content so re-ingesting the
// same source converges on one document row.
func DocumentID(path string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Ingest runs the full pipeline for one source file.
func (p *Pipeline) Ingest(ctx context.Context, collectionName string, src Source) (*Result, error) {
	col, err := p.collections.GetCollectionByName(ctx, collectionName)
	if err != nil {
		return nil, err
	}

	lock := p.collectionLock(col.ID)
	lock.Lock()
	defer lock.Unlock()

	// Step 1: resolve the parser; unsupported formats fail before any row
	// is written.
	fileParser, perr := parser.ForFile(src.Path)
	if perr != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, perr.Message)
	}

	docID := DocumentID(src.Path, src.Data)
	doc := &domain.Document{
		ID:               docID,
		CollectionID:     col.ID,
		OriginalFileName: src.Path,
		FileSize:         int64(len(src.Data)),
		FileType:         parser.FileType(src.Path),
		Status:           domain.DocPending,
		UploadedAt:       nowUTC(),
	}

	// Step 2: parse. Empty documents leave an Error row behind so the
	// upload is visible in listings.
	parsed, perr := fileParser.Parse(src.Data)
	if perr != nil {
		doc.Status = domain.DocError
		doc.StatusMessage = perr.Message
		if err := p.collections.UpsertDocument(ctx, doc); err != nil {
			return nil, err
		}
		if perr.Kind == parser.ErrEmpty {
			return nil, fmt.Errorf("%w: %s", domain.ErrEmptyDocument, perr.Message)
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, perr.Message)
	}

	// Step 3: chunk with the live ingestion settings.
	opts := p.chunkOptions()
	tok := chunker.NewTokenizer(p.settings.StringOr("TokenizerEncoding", "cl100k_base"))
	chunks, err := chunker.New(tok).Split(parsed, opts)
	if err != nil {
		return nil, p.failDocument(ctx, doc, fmt.Errorf("chunk document: %w", err))
	}

	// Step 4: ensure the vector collection with the live embedding
	// dimension.
	dim, err := p.embedder.Dimension(ctx)
	if err != nil {
		return nil, p.failDocument(ctx, doc, fmt.Errorf("resolve embedding dimension: %w", err))
	}
	if err := p.vectors.EnsureCollection(ctx, col.ID, dim); err != nil {
		return nil, p.failDocument(ctx, doc, err)
	}

	// Step 5: document row goes to Processing. A prior ingest of the same
	// path is wiped here, vectors included.
	if err := p.removePriorChunks(ctx, col.ID, docID); err != nil {
		return nil, p.failDocument(ctx, doc, err)
	}
	doc.Status = domain.DocProcessing
	if err := p.collections.UpsertDocument(ctx, doc); err != nil {
		return nil, err
	}

	// Step 6: embed and store, batch by batch.
	if err := p.storeChunks(ctx, col.ID, docID, chunks); err != nil {
		return nil, p.failDocument(ctx, doc, err)
	}

	// Step 7: finalize.
	if err := p.collections.CompleteDocument(ctx, docID, len(chunks)); err != nil {
		return nil, err
	}
	if err := p.collections.RefreshCounts(ctx, col.ID); err != nil {
		return nil, err
	}
	if err := p.collections.SetCollectionStatus(ctx, col.ID, domain.CollectionActive); err != nil {
		return nil, err
	}

	log.Info().Str("collection", collectionName).Str("document", docID).
		Int("chunks", len(chunks)).Msg("document ingested")
	return &Result{DocumentID: docID, ChunkCount: len(chunks)}, nil
}

// DeleteDocument removes a document's chunks, vectors and row.
func (p *Pipeline) DeleteDocument(ctx context.Context, collectionID, documentID string) error {
	lock := p.collectionLock(collectionID)
	lock.Lock()
	defer lock.Unlock()

	if err := p.removePriorChunks(ctx, collectionID, documentID); err != nil {
		return err
	}
	if err := p.collections.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	return p.collections.RefreshCounts(ctx, collectionID)
}

func (p *Pipeline) chunkOptions() chunker.Options {
	charLimit := p.settings.IntOr("ChunkCharacterLimit", 1000)
	overlap := p.settings.IntOr("ChunkOverlap", 200)
	// Window budgets are token-denominated; the stored limits are
	// characters, and four characters per token is the working ratio.
	return chunker.Options{
		MaxTokens:        maxInt(charLimit/4, 1),
		OverlapTokens:    overlap / 4,
		HardCharCap:      charLimit,
		MaxCodeFenceSize: p.settings.IntOr("MaxCodeFenceSize", 4096),
	}
}

func (p *Pipeline) storeChunks(ctx context.Context, collectionID, docID string, chunks []chunker.Chunk) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}

	points := make([]domain.VectorPoint, len(chunks))
	rows := make([]domain.Chunk, len(chunks))
	for i, c := range chunks {
		chunkID := fmt.Sprintf("%s:%d", docID, c.Order)
		points[i] = domain.VectorPoint{
			ID:     chunkID,
			Vector: vectors[i],
			Payload: map[string]string{
				"chunk_id":      chunkID,
				"document_id":   docID,
				"collection_id": collectionID,
				"text":          c.Text,
			},
		}
		rows[i] = domain.Chunk{
			ID:             chunkID,
			CollectionID:   collectionID,
			DocumentID:     docID,
			Text:           c.Text,
			ChunkOrder:     c.Order,
			TokenCount:     c.TokenCount,
			CharacterCount: c.CharacterCount,
			VectorStored:   true,
		}
	}

	// Vector first, row second: a crash between the two leaves an extra
	// vector the next re-ingest removes, never a row pointing at nothing.
	if err := p.vectors.Upsert(ctx, collectionID, points); err != nil {
		return err
	}
	for i := range rows {
		if err := p.collections.InsertChunk(ctx, &rows[i]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) removePriorChunks(ctx context.Context, collectionID, documentID string) error {
	ids, err := p.collections.DeleteDocumentChunks(ctx, documentID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := p.vectors.DeletePoints(ctx, collectionID, ids); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) failDocument(ctx context.Context, doc *domain.Document, cause error) error {
	doc.Status = domain.DocError
	doc.StatusMessage = cause.Error()
	if upErr := p.collections.UpsertDocument(ctx, doc); upErr != nil {
		log.Error().Err(upErr).Str("document", doc.ID).Msg("failed to record document error state")
	}
	return cause
}

func (p *Pipeline) collectionLock(collectionID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[collectionID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[collectionID] = lock
	}
	return lock
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func nowUTC() time.Time { return time.Now().UTC() }
