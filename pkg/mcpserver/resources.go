package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lorekeep/lorekeep/pkg/agent"
	"github.com/lorekeep/lorekeep/pkg/domain"
	"github.com/lorekeep/lorekeep/pkg/metastore"
	"github.com/lorekeep/lorekeep/pkg/ollamamgr"
	"github.com/lorekeep/lorekeep/pkg/usage"
)

// Static resource URIs.
const (
	uriCollections  = "resource://knowledge/collections"
	uriSystemHealth = "resource://system/health"
	uriSystemModels = "resource://system/models"
)

// Parameterized URI templates (RFC 6570 level 1).
const (
	tmplDocuments = "resource://knowledge/{collectionId}/documents"
	tmplDocument  = "resource://knowledge/{collectionId}/document/{documentId}"
	tmplStats     = "resource://knowledge/{collectionId}/stats"
)

// resourceCatalog resolves resource URIs to JSON payloads over the
// read models. It carries no transport concerns so it is testable on
// its own.
type resourceCatalog struct {
	collections *metastore.Collections
	usage       *usage.Service
	models      *ollamamgr.Manager
	health      map[string]agent.HealthCheck
}

func newResourceCatalog(collections *metastore.Collections, usageSvc *usage.Service,
	models *ollamamgr.Manager, health map[string]agent.HealthCheck) *resourceCatalog {
	if health == nil {
		health = map[string]agent.HealthCheck{}
	}
	return &resourceCatalog{
		collections: collections,
		usage:       usageSvc,
		models:      models,
		health:      health,
	}
}

// Read resolves a URI, static or templated, to its JSON text. Unknown
// URIs return ErrNotFound so the transport can answer -32002.
func (c *resourceCatalog) Read(ctx context.Context, uri string) (string, error) {
	switch uri {
	case uriCollections:
		return c.collectionsJSON(ctx)
	case uriSystemHealth:
		return c.systemHealthJSON(ctx)
	case uriSystemModels:
		return c.modelsJSON(ctx)
	}

	if collectionID, documentID, ok := matchDocumentURI(uri); ok {
		return c.documentJSON(ctx, collectionID, documentID)
	}
	if collectionID, ok := matchCollectionURI(uri, "documents"); ok {
		return c.documentsJSON(ctx, collectionID)
	}
	if collectionID, ok := matchCollectionURI(uri, "stats"); ok {
		return c.statsJSON(ctx, collectionID)
	}
	return "", fmt.Errorf("%w: resource %q", domain.ErrNotFound, uri)
}

// matchCollectionURI matches resource://knowledge/{id}/<leaf>.
func matchCollectionURI(uri, leaf string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, "resource://knowledge/")
	if !ok {
		return "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != leaf {
		return "", false
	}
	return parts[0], true
}

// matchDocumentURI matches resource://knowledge/{id}/document/{docId}.
func matchDocumentURI(uri string) (string, string, bool) {
	rest, ok := strings.CutPrefix(uri, "resource://knowledge/")
	if !ok {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] != "document" || parts[2] == "" {
		return "", "", false
	}
	return parts[0], parts[2], true
}

func (c *resourceCatalog) collectionsJSON(ctx context.Context) (string, error) {
	cols, err := c.collections.ListCollections(ctx)
	if err != nil {
		return "", err
	}
	return encode(map[string]any{"collections": cols})
}

func (c *resourceCatalog) documentsJSON(ctx context.Context, collectionID string) (string, error) {
	col, err := c.collections.Resolve(ctx, collectionID)
	if err != nil {
		return "", err
	}
	docs, err := c.collections.ListDocuments(ctx, col.ID)
	if err != nil {
		return "", err
	}
	return encode(map[string]any{
		"collectionId":   col.ID,
		"documents":      docs,
		"totalDocuments": len(docs),
	})
}

func (c *resourceCatalog) documentJSON(ctx context.Context, collectionID, documentID string) (string, error) {
	col, err := c.collections.Resolve(ctx, collectionID)
	if err != nil {
		return "", err
	}
	doc, err := c.collections.GetDocument(ctx, documentID)
	if err != nil {
		return "", err
	}
	if doc.CollectionID != col.ID {
		return "", fmt.Errorf("%w: document %q in collection %q", domain.ErrNotFound, documentID, collectionID)
	}
	chunks, err := c.collections.ListChunks(ctx, documentID)
	if err != nil {
		return "", err
	}
	return encode(map[string]any{"document": doc, "chunks": chunks})
}

func (c *resourceCatalog) statsJSON(ctx context.Context, collectionID string) (string, error) {
	col, err := c.collections.Resolve(ctx, collectionID)
	if err != nil {
		return "", err
	}
	docs, err := c.collections.ListDocuments(ctx, col.ID)
	if err != nil {
		return "", err
	}

	byStatus := map[string]int{}
	var totalBytes int64
	for _, d := range docs {
		byStatus[string(d.Status)]++
		totalBytes += d.FileSize
	}
	return encode(map[string]any{
		"collectionId":      col.ID,
		"name":              col.Name,
		"status":            col.Status,
		"documentCount":     col.DocumentCount,
		"chunkCount":        col.ChunkCount,
		"documentsByStatus": byStatus,
		"totalFileBytes":    totalBytes,
	})
}

func (c *resourceCatalog) systemHealthJSON(ctx context.Context) (string, error) {
	type componentStatus struct {
		Component string `json:"component"`
		Healthy   bool   `json:"healthy"`
		Error     string `json:"error,omitempty"`
	}
	components := make([]componentStatus, 0, len(c.health))
	healthy := true
	for name, check := range c.health {
		status := componentStatus{Component: name, Healthy: true}
		if err := check(ctx); err != nil {
			status.Healthy = false
			status.Error = err.Error()
			healthy = false
		}
		components = append(components, status)
	}
	return encode(map[string]any{"healthy": healthy, "components": components})
}

func (c *resourceCatalog) modelsJSON(ctx context.Context) (string, error) {
	out := map[string]any{}
	if c.models != nil {
		installed, err := c.models.List(ctx)
		if err != nil {
			out["ollamaError"] = err.Error()
		} else {
			out["ollamaModels"] = installed
		}
	}
	if c.usage != nil {
		popular, err := c.usage.PopularModels(ctx)
		if err != nil {
			return "", err
		}
		out["usedModels"] = popular
	}
	return encode(out)
}

func encode(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: encode resource: %v", domain.ErrInternal, err)
	}
	return string(raw), nil
}
