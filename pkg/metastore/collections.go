package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/pkg/domain"
)

// Collections owns collection, document and chunk rows. The ingestion
// pipeline is the only writer.
type Collections struct {
	store *Store
}

func NewCollections(store *Store) *Collections {
	return &Collections{store: store}
}

// CreateCollection inserts a new collection in Processing state.
func (r *Collections) CreateCollection(ctx context.Context, name, description, embeddingModel string, kind domain.VectorStoreKind) (*domain.Collection, error) {
	now := time.Now().UTC()
	col := &domain.Collection{
		ID:             uuid.New().String(),
		Name:           name,
		Description:    description,
		EmbeddingModel: embeddingModel,
		StoreKind:      kind,
		Status:         domain.CollectionProcessing,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO collections (id, name, description, document_count, chunk_count,
			embedding_model, vector_store_kind, status, created_at, updated_at)
		VALUES (?, ?, ?, 0, 0, ?, ?, ?, ?, ?)`,
		col.ID, col.Name, col.Description, col.EmbeddingModel, string(col.StoreKind),
		string(col.Status), col.CreatedAt, col.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	return col, nil
}

// GetCollection fetches by id.
func (r *Collections) GetCollection(ctx context.Context, id string) (*domain.Collection, error) {
	return r.scanOneCollection(r.store.db.QueryRowContext(ctx,
		selectCollection+" WHERE id = ?", id))
}

// GetCollectionByName fetches by unique name.
func (r *Collections) GetCollectionByName(ctx context.Context, name string) (*domain.Collection, error) {
	return r.scanOneCollection(r.store.db.QueryRowContext(ctx,
		selectCollection+" WHERE name = ?", name))
}

// Resolve accepts either a collection id or its unique name. Callers
// facing user-supplied identifiers go through here; names and ids never
// collide because ids are UUIDs.
func (r *Collections) Resolve(ctx context.Context, idOrName string) (*domain.Collection, error) {
	col, err := r.GetCollection(ctx, idOrName)
	if err == nil {
		return col, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return r.GetCollectionByName(ctx, idOrName)
}

// ListCollections returns all non-deleted collections.
func (r *Collections) ListCollections(ctx context.Context) ([]domain.Collection, error) {
	rows, err := r.store.db.QueryContext(ctx,
		selectCollection+" WHERE status != ? ORDER BY created_at", string(domain.CollectionDeleted))
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Collection
	for rows.Next() {
		col, err := r.scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *col)
	}
	return out, rows.Err()
}

// SetCollectionStatus transitions the lifecycle state.
func (r *Collections) SetCollectionStatus(ctx context.Context, id string, status domain.CollectionStatus) error {
	res, err := r.store.db.ExecContext(ctx,
		"UPDATE collections SET status = ?, updated_at = ? WHERE id = ?",
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update collection status: %w", err)
	}
	return requireAffected(res, id)
}

// RefreshCounts recomputes the denormalized document/chunk counts from the
// child rows; called at the end of every ingestion turn.
func (r *Collections) RefreshCounts(ctx context.Context, id string) error {
	_, err := r.store.db.ExecContext(ctx, `
		UPDATE collections SET
			document_count = (SELECT COUNT(*) FROM documents WHERE collection_id = collections.id),
			chunk_count = (SELECT COUNT(*) FROM chunks WHERE collection_id = collections.id),
			updated_at = ?
		WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("refresh collection counts: %w", err)
	}
	return nil
}

// DeleteCollection removes the collection row and cascades through its
// documents and chunks in one transaction. The caller removes the matching
// vector-store collection as part of the same logical operation.
func (r *Collections) DeleteCollection(ctx context.Context, id string) error {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE collection_id = ?", id); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE collection_id = ?", id); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM collections WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	if err := requireAffected(res, id); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertDocument inserts or replaces a document row keyed by its
// deterministic id.
func (r *Collections) UpsertDocument(ctx context.Context, doc *domain.Document) error {
	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO documents (id, collection_id, original_file_name, file_size, file_type,
			chunk_count, processing_status, status_message, uploaded_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			original_file_name = excluded.original_file_name,
			file_size = excluded.file_size,
			chunk_count = excluded.chunk_count,
			processing_status = excluded.processing_status,
			status_message = excluded.status_message,
			uploaded_at = excluded.uploaded_at,
			processed_at = excluded.processed_at`,
		doc.ID, doc.CollectionID, doc.OriginalFileName, doc.FileSize, doc.FileType,
		doc.ChunkCount, string(doc.Status), doc.StatusMessage, doc.UploadedAt, doc.ProcessedAt)
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}
	return nil
}

// GetDocument fetches a document row by id.
func (r *Collections) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	return r.scanOneDocument(r.store.db.QueryRowContext(ctx, selectDocument+" WHERE id = ?", id))
}

// ListDocuments returns all documents in a collection.
func (r *Collections) ListDocuments(ctx context.Context, collectionID string) ([]domain.Document, error) {
	rows, err := r.store.db.QueryContext(ctx,
		selectDocument+" WHERE collection_id = ? ORDER BY uploaded_at", collectionID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Document
	for rows.Next() {
		doc, err := r.scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *doc)
	}
	return out, rows.Err()
}

// SetDocumentStatus updates processing state and message.
func (r *Collections) SetDocumentStatus(ctx context.Context, id string, status domain.ProcessingStatus, message string) error {
	var processedAt any
	if status == domain.DocComplete || status == domain.DocError {
		processedAt = time.Now().UTC()
	}
	res, err := r.store.db.ExecContext(ctx,
		"UPDATE documents SET processing_status = ?, status_message = ?, processed_at = ? WHERE id = ?",
		string(status), message, processedAt, id)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	return requireAffected(res, id)
}

// CompleteDocument marks the document done with its final chunk count.
func (r *Collections) CompleteDocument(ctx context.Context, id string, chunkCount int) error {
	res, err := r.store.db.ExecContext(ctx, `
		UPDATE documents SET processing_status = ?, status_message = '', chunk_count = ?, processed_at = ?
		WHERE id = ?`, string(domain.DocComplete), chunkCount, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("complete document: %w", err)
	}
	return requireAffected(res, id)
}

// DeleteDocument removes one document row; its chunks are removed via
// DeleteDocumentChunks first.
func (r *Collections) DeleteDocument(ctx context.Context, id string) error {
	res, err := r.store.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return requireAffected(res, id)
}

// InsertChunk records one chunk row; the vector point must already exist
// when VectorStored is true.
func (r *Collections) InsertChunk(ctx context.Context, c *domain.Chunk) error {
	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO chunks (id, collection_id, document_id, chunk_text, chunk_order,
			token_count, character_count, vector_stored)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CollectionID, c.DocumentID, c.Text, c.ChunkOrder,
		c.TokenCount, c.CharacterCount, boolToInt(c.VectorStored))
	if err != nil {
		return fmt.Errorf("insert chunk %s: %w", c.ID, err)
	}
	return nil
}

// ListChunks returns the chunks of a document in order.
func (r *Collections) ListChunks(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT id, collection_id, document_id, chunk_text, chunk_order,
			token_count, character_count, vector_stored
		FROM chunks WHERE document_id = ? ORDER BY chunk_order`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		var stored int
		if err := rows.Scan(&c.ID, &c.CollectionID, &c.DocumentID, &c.Text, &c.ChunkOrder,
			&c.TokenCount, &c.CharacterCount, &stored); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.VectorStored = stored != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteDocumentChunks removes all chunk rows of a document and returns
// their ids so the caller can delete the matching vector points.
func (r *Collections) DeleteDocumentChunks(ctx context.Context, documentID string) ([]string, error) {
	rows, err := r.store.db.QueryContext(ctx,
		"SELECT id FROM chunks WHERE document_id = ?", documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunk ids: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if _, err := r.store.db.ExecContext(ctx,
		"DELETE FROM chunks WHERE document_id = ?", documentID); err != nil {
		return nil, fmt.Errorf("delete chunks: %w", err)
	}
	return ids, nil
}

// ChunkCount counts chunk rows per collection.
func (r *Collections) ChunkCount(ctx context.Context, collectionID string) (int, error) {
	var n int
	err := r.store.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunks WHERE collection_id = ?", collectionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

const selectCollection = `
	SELECT id, name, description, document_count, chunk_count,
		embedding_model, vector_store_kind, status, created_at, updated_at
	FROM collections`

const selectDocument = `
	SELECT id, collection_id, original_file_name, file_size, file_type,
		chunk_count, processing_status, status_message, uploaded_at, processed_at
	FROM documents`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Collections) scanCollection(row rowScanner) (*domain.Collection, error) {
	var col domain.Collection
	var description sql.NullString
	var kind, status string
	err := row.Scan(&col.ID, &col.Name, &description, &col.DocumentCount, &col.ChunkCount,
		&col.EmbeddingModel, &kind, &status, &col.CreatedAt, &col.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan collection: %w", err)
	}
	col.Description = description.String
	col.StoreKind = domain.VectorStoreKind(kind)
	col.Status = domain.CollectionStatus(status)
	return &col, nil
}

func (r *Collections) scanOneCollection(row *sql.Row) (*domain.Collection, error) {
	col, err := r.scanCollection(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: collection", domain.ErrNotFound)
		}
		return nil, err
	}
	return col, nil
}

func (r *Collections) scanDocument(row rowScanner) (*domain.Document, error) {
	var doc domain.Document
	var status string
	var message sql.NullString
	var processedAt sql.NullTime
	err := row.Scan(&doc.ID, &doc.CollectionID, &doc.OriginalFileName, &doc.FileSize,
		&doc.FileType, &doc.ChunkCount, &status, &message, &doc.UploadedAt, &processedAt)
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	doc.Status = domain.ProcessingStatus(status)
	doc.StatusMessage = message.String
	if processedAt.Valid {
		t := processedAt.Time
		doc.ProcessedAt = &t
	}
	return &doc, nil
}

func (r *Collections) scanOneDocument(row *sql.Row) (*domain.Document, error) {
	doc, err := r.scanDocument(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: document", domain.ErrNotFound)
		}
		return nil, err
	}
	return doc, nil
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return nil
}

func isNoRows(err error) bool {
	for err != nil {
		if err == sql.ErrNoRows {
			return true
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
