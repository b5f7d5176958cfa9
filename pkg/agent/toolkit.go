// Package agent exposes the read-only tool surface advertised to chat
// models and to MCP clients. Handlers read the metadata store, the
// vector store and the usage aggregates; they never write.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lorekeep/lorekeep/pkg/domain"
	"github.com/lorekeep/lorekeep/pkg/embedder"
	"github.com/lorekeep/lorekeep/pkg/metastore"
	"github.com/lorekeep/lorekeep/pkg/providers"
	"github.com/lorekeep/lorekeep/pkg/usage"
	"github.com/lorekeep/lorekeep/pkg/vectorstore"
)

const defaultSearchK = 5

// HealthCheck probes one component; a nil error means healthy.
type HealthCheck func(ctx context.Context) error

// Toolkit binds the tool handlers to their read models.
type Toolkit struct {
	collections *metastore.Collections
	settings    *metastore.Settings
	embedder    embedder.Embedder
	vectors     vectorstore.Store
	usage       *usage.Service
	health      map[string]HealthCheck
}

func NewToolkit(collections *metastore.Collections, settings *metastore.Settings,
	emb embedder.Embedder, vectors vectorstore.Store, usageSvc *usage.Service,
	health map[string]HealthCheck) *Toolkit {
	if health == nil {
		health = map[string]HealthCheck{}
	}
	return &Toolkit{
		collections: collections,
		settings:    settings,
		embedder:    emb,
		vectors:     vectors,
		usage:       usageSvc,
		health:      health,
	}
}

// Defs returns the advertised tool set in a stable order.
func (k *Toolkit) Defs() []providers.ToolDef {
	tools := k.tools()
	defs := make([]providers.ToolDef, len(tools))
	for i, t := range tools {
		defs[i] = t.def
	}
	return defs
}

// Call runs a named tool with a JSON-object argument and returns the
// JSON-encoded result.
func (k *Toolkit) Call(ctx context.Context, name, argsJSON string) (string, error) {
	var tool *toolEntry
	for _, t := range k.tools() {
		if t.def.Name == name {
			tool = &t
			break
		}
	}
	if tool == nil {
		return "", fmt.Errorf("%w: unknown tool %q", domain.ErrNotFound, name)
	}

	args := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("%w: tool arguments must be a JSON object: %v",
				domain.ErrValidation, err)
		}
	}

	result, err := tool.handler(ctx, args)
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("%w: encode tool result: %v", domain.ErrInternal, err)
	}
	return string(encoded), nil
}

type toolEntry struct {
	def     providers.ToolDef
	handler func(ctx context.Context, args map[string]any) (any, error)
}

func (k *Toolkit) tools() []toolEntry {
	return []toolEntry{
		{
			def: providers.ToolDef{
				Name:        "search_knowledge",
				Description: "Search one knowledge base for passages relevant to a query.",
				Parameters: objectSchema(map[string]any{
					"collectionId": map[string]any{"type": "string", "description": "Knowledge base id"},
					"query":        map[string]any{"type": "string", "description": "Search query"},
					"k":            map[string]any{"type": "integer", "description": "Maximum results", "default": defaultSearchK},
				}, "collectionId", "query"),
			},
			handler: k.searchKnowledge,
		},
		{
			def: providers.ToolDef{
				Name:        "search_all_knowledge",
				Description: "Search every active knowledge base and merge results by score.",
				Parameters: objectSchema(map[string]any{
					"query": map[string]any{"type": "string", "description": "Search query"},
					"k":     map[string]any{"type": "integer", "description": "Maximum results", "default": defaultSearchK},
				}, "query"),
			},
			handler: k.searchAllKnowledge,
		},
		{
			def: providers.ToolDef{
				Name:        "compare_knowledge_bases",
				Description: "Run the same query against several knowledge bases and return side-by-side results.",
				Parameters: objectSchema(map[string]any{
					"ids":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Knowledge base ids"},
					"query": map[string]any{"type": "string", "description": "Search query"},
				}, "ids", "query"),
			},
			handler: k.compareKnowledgeBases,
		},
		{
			def: providers.ToolDef{
				Name:        "get_knowledge_base_summary",
				Description: "Summarize every knowledge base: document count, chunk count, status.",
				Parameters:  objectSchema(map[string]any{}),
			},
			handler: k.knowledgeBaseSummary,
		},
		{
			def: providers.ToolDef{
				Name:        "get_knowledge_base_health",
				Description: "Report per-knowledge-base health: failed documents and pending work.",
				Parameters:  objectSchema(map[string]any{}),
			},
			handler: k.knowledgeBaseHealth,
		},
		{
			def: providers.ToolDef{
				Name:        "get_storage_optimization",
				Description: "Suggest storage cleanups: empty or error-state knowledge bases and failed documents.",
				Parameters:  objectSchema(map[string]any{}),
			},
			handler: k.storageOptimization,
		},
		{
			def: providers.ToolDef{
				Name:        "get_popular_models",
				Description: "List the most used models with request counts and success rates.",
				Parameters:  objectSchema(map[string]any{}),
			},
			handler: k.popularModels,
		},
		{
			def: providers.ToolDef{
				Name:        "compare_models",
				Description: "Compare named models on requests, latency and success rate.",
				Parameters: objectSchema(map[string]any{
					"names": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Model names"},
				}, "names"),
			},
			handler: k.compareModels,
		},
		{
			def: providers.ToolDef{
				Name:        "get_model_performance",
				Description: "Return usage statistics for one model.",
				Parameters: objectSchema(map[string]any{
					"name": map[string]any{"type": "string", "description": "Model name"},
				}, "name"),
			},
			handler: k.modelPerformance,
		},
		{
			def: providers.ToolDef{
				Name:        "get_system_health",
				Description: "Check every registered component and report overall system health.",
				Parameters:  objectSchema(map[string]any{}),
			},
			handler: k.systemHealth,
		},
		{
			def: providers.ToolDef{
				Name:        "check_component_health",
				Description: "Check the health of one named component.",
				Parameters: objectSchema(map[string]any{
					"component": map[string]any{"type": "string", "description": "Component name"},
				}, "component"),
			},
			handler: k.componentHealth,
		},
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: missing required argument %q", domain.ErrValidation, key)
	}
	return v, nil
}

func intArg(args map[string]any, key, fallbackSetting string, fallback int, settings *metastore.Settings) int {
	if v, ok := args[key].(float64); ok && v > 0 {
		return int(v)
	}
	if fallbackSetting != "" {
		return settings.IntOr(fallbackSetting, fallback)
	}
	return fallback
}

func stringSliceArg(args map[string]any, key string) ([]string, error) {
	raw, ok := args[key].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing required argument %q", domain.ErrValidation, key)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %q must be an array of strings", domain.ErrValidation, key)
		}
		out = append(out, s)
	}
	return out, nil
}

func sortHitsByScore(hits []searchHit) {
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
}
