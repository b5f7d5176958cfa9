package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/lorekeep/lorekeep/pkg/domain"
	"github.com/lorekeep/lorekeep/pkg/embedder"
	"github.com/lorekeep/lorekeep/pkg/ingest"
	"github.com/lorekeep/lorekeep/pkg/metastore"
	"github.com/lorekeep/lorekeep/pkg/vectorstore"
)

// KnowledgeHandler serves the collection CRUD and upload endpoints.
type KnowledgeHandler struct {
	collections *metastore.Collections
	pipeline    *ingest.Pipeline
	vectors     vectorstore.Store
	embedder    embedder.Embedder
	storeKind   domain.VectorStoreKind
}

func NewKnowledgeHandler(collections *metastore.Collections, pipeline *ingest.Pipeline,
	vectors vectorstore.Store, emb embedder.Embedder, storeKind domain.VectorStoreKind) *KnowledgeHandler {
	return &KnowledgeHandler{
		collections: collections,
		pipeline:    pipeline,
		vectors:     vectors,
		embedder:    emb,
		storeKind:   storeKind,
	}
}

type uploadReport struct {
	FileName   string `json:"fileName"`
	DocumentID string `json:"documentId,omitempty"`
	ChunkCount int    `json:"chunkCount,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Upload ingests one or more files into a collection. An existing
// collection is addressed by knowledgeId; otherwise the name field (or
// the first file's stem) selects or creates one.
func (h *KnowledgeHandler) Upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		FailValidation(c, fmt.Errorf("parse multipart form: %w", err))
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		FailValidation(c, errors.New("at least one file is required"))
		return
	}

	col, err := h.resolveCollection(c, form, files[0].Filename)
	if err != nil {
		Fail(c, err)
		return
	}

	reports := make([]uploadReport, 0, len(files))
	for _, file := range files {
		report := uploadReport{FileName: file.Filename}
		data, err := readUpload(file)
		if err == nil {
			var res *ingest.Result
			res, err = h.pipeline.Ingest(c.Request.Context(), col.Name, ingest.Source{
				Path: file.Filename,
				Data: data,
			})
			if err == nil {
				report.DocumentID = res.DocumentID
				report.ChunkCount = res.ChunkCount
			}
		}
		if err != nil {
			log.Warn().Err(err).Str("file", file.Filename).
				Str("collection", col.ID).Msg("ingest failed")
			report.Error = err.Error()
		}
		reports = append(reports, report)
	}

	c.JSON(http.StatusCreated, gin.H{"id": col.ID, "documents": reports})
}

func (h *KnowledgeHandler) resolveCollection(c *gin.Context, form *multipart.Form, firstFile string) (*domain.Collection, error) {
	if ids := form.Value["knowledgeId"]; len(ids) > 0 && ids[0] != "" {
		return h.collections.Resolve(c.Request.Context(), ids[0])
	}

	name := firstFormValue(form, "name")
	if name == "" {
		name = strings.TrimSuffix(firstFile, filepath.Ext(firstFile))
	}
	if name == "" {
		return nil, fmt.Errorf("%w: collection name is required", domain.ErrValidation)
	}

	col, err := h.collections.GetCollectionByName(c.Request.Context(), name)
	if err == nil {
		return col, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return h.collections.CreateCollection(c.Request.Context(), name, "", h.embedder.Model(), h.storeKind)
}

func (h *KnowledgeHandler) List(c *gin.Context) {
	cols, err := h.collections.ListCollections(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"collections": cols, "count": len(cols)})
}

func (h *KnowledgeHandler) Get(c *gin.Context) {
	col, err := h.collections.Resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, col)
}

func (h *KnowledgeHandler) ListDocuments(c *gin.Context) {
	col, err := h.collections.Resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	docs, err := h.collections.ListDocuments(c.Request.Context(), col.ID)
	if err != nil {
		Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"collectionId": col.ID, "documents": docs, "count": len(docs)})
}

// Delete removes the collection, its metadata rows and its vector
// namespace. The vector side goes first so a failure leaves the rows
// visible for a retry.
func (h *KnowledgeHandler) Delete(c *gin.Context) {
	col, err := h.collections.Resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	if err := h.vectors.DeleteCollection(c.Request.Context(), col.ID); err != nil {
		Fail(c, err)
		return
	}
	if err := h.collections.DeleteCollection(c.Request.Context(), col.ID); err != nil {
		Fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func readUpload(file *multipart.FileHeader) ([]byte, error) {
	f, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open upload %s: %v", domain.ErrValidation, file.Filename, err)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: read upload %s: %v", domain.ErrValidation, file.Filename, err)
	}
	return data, nil
}

func firstFormValue(form *multipart.Form, key string) string {
	if vals := form.Value[key]; len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}
