// Package config loads service configuration from file and environment.
// Key names are stable; defaults follow the deployment layout (container
// installs use /app/data, everything else the application directory).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DatabasePath string            `mapstructure:"database_path"`
	VectorStore  VectorStoreConfig `mapstructure:"vector_store"`
	Embedding    EmbeddingConfig   `mapstructure:"embedding"`
	Ollama       OllamaConfig      `mapstructure:"ollama"`
	Retrieval    RetrievalConfig   `mapstructure:"retrieval"`
	HTTP         HTTPConfig        `mapstructure:"http"`
	Transport    TransportConfig   `mapstructure:"http_transport"`
	OAuth        OAuthConfig       `mapstructure:"oauth"`
	Timeouts     TimeoutConfig     `mapstructure:"timeouts"`
}

// VectorStoreConfig selects and addresses the vector backend.
type VectorStoreConfig struct {
	Provider string       `mapstructure:"provider"` // Qdrant or MongoDB
	Qdrant   QdrantConfig `mapstructure:"qdrant"`
	Mongo    MongoConfig  `mapstructure:"mongodb"`
}

type QdrantConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`      // gRPC data port
	HTTPPort int    `mapstructure:"http_port"` // REST health port
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type EmbeddingConfig struct {
	Provider    string `mapstructure:"provider"` // OpenAi or Ollama
	OpenAIModel string `mapstructure:"openai_model"`
	OllamaModel string `mapstructure:"ollama_model"`
	BatchSize   int    `mapstructure:"batch_size"`
}

type OllamaConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type RetrievalConfig struct {
	K        int     `mapstructure:"k"`
	MinScore float64 `mapstructure:"min_score"`
}

// HTTPConfig is the REST API listener.
type HTTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// TransportConfig is the MCP HTTP/SSE listener.
type TransportConfig struct {
	Host                  string     `mapstructure:"host"`
	Port                  int        `mapstructure:"port"`
	SessionTimeoutMinutes int        `mapstructure:"session_timeout_minutes"`
	CORS                  CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type OAuthConfig struct {
	Enabled                bool     `mapstructure:"enabled"`
	AuthorizationServerURL string   `mapstructure:"authorization_server_url"`
	RequiredScopes         []string `mapstructure:"required_scopes"`
}

type TimeoutConfig struct {
	Embedding          time.Duration `mapstructure:"embedding"`
	VectorSearch       time.Duration `mapstructure:"vector_search"`
	ProviderCompletion time.Duration `mapstructure:"provider_completion"`
	StreamKeepAlive    time.Duration `mapstructure:"stream_keep_alive"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_path", defaultDatabasePath())
	v.SetDefault("vector_store.provider", "Qdrant")
	v.SetDefault("vector_store.qdrant.host", "localhost")
	v.SetDefault("vector_store.qdrant.port", 6334)
	v.SetDefault("vector_store.qdrant.http_port", 6333)
	v.SetDefault("vector_store.mongodb.database", "lorekeep")
	v.SetDefault("embedding.provider", "Ollama")
	v.SetDefault("embedding.openai_model", "text-embedding-3-small")
	v.SetDefault("embedding.ollama_model", "nomic-embed-text")
	v.SetDefault("embedding.batch_size", 16)
	v.SetDefault("ollama.base_url", "http://localhost:11434")
	v.SetDefault("retrieval.k", 8)
	v.SetDefault("retrieval.min_score", 0.6)
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http_transport.host", "127.0.0.1")
	v.SetDefault("http_transport.port", 8765)
	v.SetDefault("http_transport.session_timeout_minutes", 30)
	v.SetDefault("http_transport.cors.enabled", false)
	v.SetDefault("http_transport.cors.allowed_origins", []string{})
	v.SetDefault("http_transport.cors.allow_credentials", false)
	v.SetDefault("oauth.enabled", false)
	v.SetDefault("timeouts.embedding", 30*time.Second)
	v.SetDefault("timeouts.vector_search", 10*time.Second)
	v.SetDefault("timeouts.provider_completion", 120*time.Second)
	v.SetDefault("timeouts.stream_keep_alive", 15*time.Second)
}

// Load reads the config file at path (optional) with environment overlay
// (LOREKEEP_ prefix, dots mapped to underscores).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOREKEEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("lorekeep")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(appDir(), "config"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	switch c.VectorStore.Provider {
	case "Qdrant", "MongoDB":
	default:
		return fmt.Errorf("vector_store.provider must be Qdrant or MongoDB, got %q", c.VectorStore.Provider)
	}
	if c.VectorStore.Provider == "MongoDB" && c.VectorStore.Mongo.URI == "" {
		return fmt.Errorf("vector_store.mongodb.uri is required when provider is MongoDB")
	}
	if c.Embedding.BatchSize <= 0 {
		c.Embedding.BatchSize = 16
	}
	return nil
}

func defaultDatabasePath() string {
	if inContainer() {
		return "/app/data/knowledge.db"
	}
	return filepath.Join(appDir(), "data", "knowledge.db")
}

func inContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return os.Getenv("LOREKEEP_CONTAINER") == "1"
}

func appDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".lorekeep")
}
