package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/lorekeep/lorekeep/pkg/agent"
	"github.com/lorekeep/lorekeep/pkg/chat"
	"github.com/lorekeep/lorekeep/pkg/config"
	"github.com/lorekeep/lorekeep/pkg/domain"
	"github.com/lorekeep/lorekeep/pkg/embedder"
	"github.com/lorekeep/lorekeep/pkg/ingest"
	"github.com/lorekeep/lorekeep/pkg/metastore"
	"github.com/lorekeep/lorekeep/pkg/ollamamgr"
	"github.com/lorekeep/lorekeep/pkg/providers"
	"github.com/lorekeep/lorekeep/pkg/usage"
	"github.com/lorekeep/lorekeep/pkg/vectorstore"
)

// app is the wired service graph shared by the serve, mcp and ingest
// commands.
type app struct {
	store         *metastore.Store
	collections   *metastore.Collections
	conversations *metastore.Conversations
	settings      *metastore.Settings
	embedder      embedder.Embedder
	vectors       vectorstore.Store
	pipeline      *ingest.Pipeline
	usage         *usage.Service
	factory       *providers.Factory
	toolkit       *agent.Toolkit
	orchestrator  *chat.Orchestrator
	models        *ollamamgr.Manager
	health        map[string]agent.HealthCheck
	storeKind     domain.VectorStoreKind
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := metastore.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	if err := store.Migrate(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate metadata store: %w", err)
	}

	// Without a passphrase encrypted settings stay unreadable; provider
	// keys then have to come from the environment.
	var cipher *metastore.SettingCipher
	if passphrase := os.Getenv("LOREKEEP_SETTINGS_PASSPHRASE"); passphrase != "" {
		cipher, err = metastore.NewSettingCipher(passphrase)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("settings cipher: %w", err)
		}
	} else {
		log.Warn().Msg("LOREKEEP_SETTINGS_PASSPHRASE not set; encrypted settings are unavailable")
	}

	settings := metastore.NewSettings(store, cipher)

	emb, err := buildEmbedder(cfg, settings)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	vectors, err := vectorstore.New(ctx, cfg.VectorStore)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("connect vector store: %w", err)
	}

	collections := metastore.NewCollections(store)
	conversations := metastore.NewConversations(store)
	usageSvc := usage.NewService(metastore.NewUsageRepo(store), settings)
	factory := providers.NewFactory(settings, cfg.Ollama.BaseURL)
	models := ollamamgr.New(cfg.Ollama.BaseURL)

	health := map[string]agent.HealthCheck{
		"metastore": func(ctx context.Context) error {
			return store.DB().PingContext(ctx)
		},
		"vectorstore": vectors.Health,
		"ollama": func(ctx context.Context) error {
			_, err := models.List(ctx)
			return err
		},
	}
	toolkit := agent.NewToolkit(collections, settings, emb, vectors, usageSvc, health)

	return &app{
		store:         store,
		collections:   collections,
		conversations: conversations,
		settings:      settings,
		embedder:      emb,
		vectors:       vectors,
		pipeline:      ingest.New(collections, settings, emb, vectors),
		usage:         usageSvc,
		factory:       factory,
		toolkit:       toolkit,
		orchestrator: chat.NewOrchestrator(conversations, collections, settings,
			emb, vectors, factory, toolkit, usageSvc),
		models:    models,
		health:    health,
		storeKind: storeKindFor(cfg.VectorStore.Provider),
	}, nil
}

func (a *app) Close() {
	if err := a.vectors.Close(); err != nil {
		log.Warn().Err(err).Msg("close vector store")
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("close metadata store")
	}
}

func buildEmbedder(cfg *config.Config, settings *metastore.Settings) (embedder.Embedder, error) {
	provider := settings.StringOr("EmbeddingProvider", cfg.Embedding.Provider)
	switch provider {
	case "OpenAi", "openai":
		apiKey, err := settings.GetSecret("OpenAi.ApiKey")
		if err != nil {
			return nil, fmt.Errorf("embedding provider OpenAi: %w", err)
		}
		return embedder.NewOpenAI(apiKey, "", cfg.Embedding.OpenAIModel, cfg.Embedding.BatchSize)
	case "Ollama", "ollama":
		model := settings.StringOr("OllamaEmbeddingModel", cfg.Embedding.OllamaModel)
		return embedder.NewOllama(cfg.Ollama.BaseURL, model, cfg.Embedding.BatchSize)
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", domain.ErrValidation, provider)
	}
}

func storeKindFor(provider string) domain.VectorStoreKind {
	if provider == "MongoDB" {
		return domain.VectorStoreMongo
	}
	return domain.VectorStoreQdrant
}
