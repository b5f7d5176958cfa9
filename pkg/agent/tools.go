package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lorekeep/lorekeep/pkg/domain"
	"github.com/lorekeep/lorekeep/pkg/usage"
)

type searchHit struct {
	CollectionID   string  `json:"collectionId"`
	CollectionName string  `json:"collectionName"`
	DocumentName   string  `json:"documentName,omitempty"`
	Score          float32 `json:"score"`
	Text           string  `json:"text"`
}

// search embeds the query and runs it against one collection, resolving
// document file names from the chunk payload.
func (k *Toolkit) search(ctx context.Context, col *domain.Collection, query string, limit int) ([]searchHit, error) {
	vectors, err := k.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	minScore := float32(k.settings.FloatOr("Retrieval.MinScore", 0.6))
	raw, err := k.vectors.Search(ctx, col.ID, vectors[0], limit, minScore)
	if err != nil {
		return nil, err
	}

	docNames := map[string]string{}
	hits := make([]searchHit, 0, len(raw))
	for _, h := range raw {
		hit := searchHit{
			CollectionID:   col.ID,
			CollectionName: col.Name,
			Score:          h.Score,
			Text:           h.Payload["text"],
		}
		if docID := h.Payload["document_id"]; docID != "" {
			name, ok := docNames[docID]
			if !ok {
				if doc, derr := k.collections.GetDocument(ctx, docID); derr == nil {
					name = doc.OriginalFileName
				}
				docNames[docID] = name
			}
			hit.DocumentName = name
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (k *Toolkit) searchKnowledge(ctx context.Context, args map[string]any) (any, error) {
	collectionID, err := stringArg(args, "collectionId")
	if err != nil {
		return nil, err
	}
	query, err := stringArg(args, "query")
	if err != nil {
		return nil, err
	}
	limit := intArg(args, "k", "Retrieval.K", defaultSearchK, k.settings)

	col, err := k.collections.Resolve(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	hits, err := k.search(ctx, col, query, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"query": query, "hits": hits}, nil
}

func (k *Toolkit) searchAllKnowledge(ctx context.Context, args map[string]any) (any, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return nil, err
	}
	limit := intArg(args, "k", "Retrieval.K", defaultSearchK, k.settings)

	cols, err := k.collections.ListCollections(ctx)
	if err != nil {
		return nil, err
	}

	var merged []searchHit
	for i := range cols {
		if cols[i].Status != domain.CollectionActive {
			continue
		}
		hits, err := k.search(ctx, &cols[i], query, limit)
		if err != nil {
			// One unreachable collection must not sink the fan-out.
			if errors.Is(err, domain.ErrBackendUnavailable) || errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		merged = append(merged, hits...)
	}
	sortHitsByScore(merged)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return map[string]any{"query": query, "hits": merged}, nil
}

func (k *Toolkit) compareKnowledgeBases(ctx context.Context, args map[string]any) (any, error) {
	ids, err := stringSliceArg(args, "ids")
	if err != nil {
		return nil, err
	}
	query, err := stringArg(args, "query")
	if err != nil {
		return nil, err
	}

	type comparison struct {
		CollectionID   string      `json:"collectionId"`
		CollectionName string      `json:"collectionName"`
		Error          string      `json:"error,omitempty"`
		TopScore       float32     `json:"topScore"`
		Hits           []searchHit `json:"hits"`
	}

	out := make([]comparison, 0, len(ids))
	for _, id := range ids {
		entry := comparison{CollectionID: id}
		col, err := k.collections.Resolve(ctx, id)
		if err != nil {
			entry.Error = err.Error()
			out = append(out, entry)
			continue
		}
		entry.CollectionID = col.ID
		entry.CollectionName = col.Name
		hits, err := k.search(ctx, col, query, defaultSearchK)
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Hits = hits
			if len(hits) > 0 {
				entry.TopScore = hits[0].Score
			}
		}
		out = append(out, entry)
	}
	return map[string]any{"query": query, "comparisons": out}, nil
}

func (k *Toolkit) knowledgeBaseSummary(ctx context.Context, _ map[string]any) (any, error) {
	cols, err := k.collections.ListCollections(ctx)
	if err != nil {
		return nil, err
	}

	type summary struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		Status        string `json:"status"`
		DocumentCount int    `json:"documentCount"`
		ChunkCount    int    `json:"chunkCount"`
	}
	out := make([]summary, 0, len(cols))
	totalDocs, totalChunks := 0, 0
	for _, c := range cols {
		out = append(out, summary{
			ID: c.ID, Name: c.Name, Status: string(c.Status),
			DocumentCount: c.DocumentCount, ChunkCount: c.ChunkCount,
		})
		totalDocs += c.DocumentCount
		totalChunks += c.ChunkCount
	}
	return map[string]any{
		"knowledgeBases": out,
		"totalDocuments": totalDocs,
		"totalChunks":    totalChunks,
	}, nil
}

func (k *Toolkit) knowledgeBaseHealth(ctx context.Context, _ map[string]any) (any, error) {
	cols, err := k.collections.ListCollections(ctx)
	if err != nil {
		return nil, err
	}

	type health struct {
		ID          string   `json:"id"`
		Name        string   `json:"name"`
		Status      string   `json:"status"`
		FailedDocs  []string `json:"failedDocuments,omitempty"`
		PendingDocs int      `json:"pendingDocuments"`
		Healthy     bool     `json:"healthy"`
	}
	out := make([]health, 0, len(cols))
	for _, c := range cols {
		entry := health{ID: c.ID, Name: c.Name, Status: string(c.Status)}
		docs, err := k.collections.ListDocuments(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			switch d.Status {
			case domain.DocError:
				entry.FailedDocs = append(entry.FailedDocs, d.OriginalFileName)
			case domain.DocPending, domain.DocProcessing:
				entry.PendingDocs++
			}
		}
		entry.Healthy = c.Status == domain.CollectionActive && len(entry.FailedDocs) == 0
		out = append(out, entry)
	}
	return map[string]any{"knowledgeBases": out}, nil
}

func (k *Toolkit) storageOptimization(ctx context.Context, _ map[string]any) (any, error) {
	cols, err := k.collections.ListCollections(ctx)
	if err != nil {
		return nil, err
	}

	var suggestions []string
	for _, c := range cols {
		switch {
		case c.Status == domain.CollectionError:
			suggestions = append(suggestions,
				fmt.Sprintf("knowledge base %q is in an error state; re-ingest or delete it", c.Name))
		case c.DocumentCount == 0:
			suggestions = append(suggestions,
				fmt.Sprintf("knowledge base %q holds no documents; consider deleting it", c.Name))
		}
		docs, err := k.collections.ListDocuments(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			if d.Status == domain.DocError {
				suggestions = append(suggestions,
					fmt.Sprintf("document %q in %q failed processing; re-upload or remove it",
						d.OriginalFileName, c.Name))
			}
		}
	}
	return map[string]any{"suggestions": suggestions}, nil
}

func (k *Toolkit) popularModels(ctx context.Context, _ map[string]any) (any, error) {
	models, err := k.usage.PopularModels(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"models": models}, nil
}

func (k *Toolkit) compareModels(ctx context.Context, args map[string]any) (any, error) {
	names, err := stringSliceArg(args, "names")
	if err != nil {
		return nil, err
	}

	all, err := k.usage.PopularModels(ctx)
	if err != nil {
		return nil, err
	}
	byName := map[string]usage.ModelSummary{}
	for _, m := range all {
		byName[strings.ToLower(m.Model)] = m
	}

	type entry struct {
		Name    string              `json:"name"`
		Known   bool                `json:"known"`
		Summary *usage.ModelSummary `json:"summary,omitempty"`
	}
	out := make([]entry, 0, len(names))
	for _, name := range names {
		e := entry{Name: name}
		if m, ok := byName[strings.ToLower(name)]; ok {
			e.Known = true
			e.Summary = &m
		}
		out = append(out, e)
	}
	return map[string]any{"models": out}, nil
}

func (k *Toolkit) modelPerformance(ctx context.Context, args map[string]any) (any, error) {
	name, err := stringArg(args, "name")
	if err != nil {
		return nil, err
	}
	perf, err := k.usage.ModelPerformance(ctx, name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: no usage recorded for model %q", domain.ErrNotFound, name)
		}
		return nil, err
	}
	return perf, nil
}

type componentStatus struct {
	Component string `json:"component"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
}

func (k *Toolkit) systemHealth(ctx context.Context, _ map[string]any) (any, error) {
	out := make([]componentStatus, 0, len(k.health))
	healthy := true
	for name, check := range k.health {
		status := componentStatus{Component: name, Healthy: true}
		if err := check(ctx); err != nil {
			status.Healthy = false
			status.Error = err.Error()
			healthy = false
		}
		out = append(out, status)
	}
	sortComponents(out)
	return map[string]any{"healthy": healthy, "components": out}, nil
}

func (k *Toolkit) componentHealth(ctx context.Context, args map[string]any) (any, error) {
	name, err := stringArg(args, "component")
	if err != nil {
		return nil, err
	}
	check, ok := k.health[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown component %q", domain.ErrNotFound, name)
	}
	status := componentStatus{Component: name, Healthy: true}
	if cerr := check(ctx); cerr != nil {
		status.Healthy = false
		status.Error = cerr.Error()
	}
	return status, nil
}

func sortComponents(list []componentStatus) {
	sort.Slice(list, func(i, j int) bool { return list[i].Component < list[j].Component })
}
