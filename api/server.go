// Package api is the REST surface of the service: knowledge management,
// chat, model administration, analytics and the realtime analytics feed.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorekeep/lorekeep/api/handlers"
	"github.com/lorekeep/lorekeep/api/middleware"
	"github.com/lorekeep/lorekeep/pkg/agent"
	"github.com/lorekeep/lorekeep/pkg/chat"
	"github.com/lorekeep/lorekeep/pkg/domain"
	"github.com/lorekeep/lorekeep/pkg/embedder"
	"github.com/lorekeep/lorekeep/pkg/ingest"
	"github.com/lorekeep/lorekeep/pkg/metastore"
	"github.com/lorekeep/lorekeep/pkg/ollamamgr"
	"github.com/lorekeep/lorekeep/pkg/realtime"
	"github.com/lorekeep/lorekeep/pkg/usage"
	"github.com/lorekeep/lorekeep/pkg/vectorstore"
)

// Config tunes the HTTP listener and its middleware.
type Config struct {
	Host            string
	Port            int
	AllowedOrigins  []string
	EnableRateLimit bool
	RateLimit       int // requests per minute per client
	RateBurst       int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Host == "" {
		out.Host = "0.0.0.0"
	}
	if out.Port == 0 {
		out.Port = 8080
	}
	if len(out.AllowedOrigins) == 0 {
		out.AllowedOrigins = []string{"*"}
	}
	if out.RateLimit <= 0 {
		out.RateLimit = 100
	}
	if out.RateBurst <= 0 {
		out.RateBurst = 20
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 30 * time.Second
	}
	// Streaming endpoints hold the response open well past any sane
	// write timeout, so zero stays zero there.
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = 120 * time.Second
	}
	return out
}

// Deps are the wired services the endpoints sit on.
type Deps struct {
	Collections   *metastore.Collections
	Conversations *metastore.Conversations
	Settings      *metastore.Settings
	Pipeline      *ingest.Pipeline
	Vectors       vectorstore.Store
	Embedder      embedder.Embedder
	Orchestrator  *chat.Orchestrator
	Usage         *usage.Service
	Models        *ollamamgr.Manager
	Health        map[string]agent.HealthCheck
	StoreKind     domain.VectorStoreKind
}

// Server is the REST listener plus the realtime hub it feeds.
type Server struct {
	config Config
	router *gin.Engine
	server *http.Server
	hub    *realtime.Hub
	logger zerolog.Logger
}

// NewServer wires routes, middleware and the analytics hub. Usage
// changes fan out to websocket subscribers as they land.
func NewServer(config Config, deps Deps) *Server {
	cfg := config.withDefaults()
	logger := log.With().Str("component", "api").Logger()

	maxQueue := 0
	if deps.Settings != nil {
		maxQueue = deps.Settings.IntOr("RealtimeMaxQueue", 0)
	}
	hub := realtime.NewHub(maxQueue)

	s := &Server{
		config: cfg,
		hub:    hub,
		logger: logger,
	}
	s.setupRouter(deps)

	deps.Usage.OnChange(func() {
		hub.Publish("usage.updated", nil)
	})

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     s.router,
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: cfg.IdleTimeout,
	}
	if cfg.WriteTimeout > 0 {
		s.server.WriteTimeout = cfg.WriteTimeout
	}
	return s
}

func (s *Server) setupRouter(deps Deps) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(s.logger))
	router.Use(middleware.Recovery(s.logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     s.config.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Client-ID", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	knowledge := handlers.NewKnowledgeHandler(deps.Collections, deps.Pipeline,
		deps.Vectors, deps.Embedder, deps.StoreKind)
	chatHandler := handlers.NewChatHandler(deps.Orchestrator)
	health := handlers.NewHealthHandler(deps.Health)
	models := handlers.NewModelsHandler(deps.Models)
	analytics := handlers.NewAnalyticsHandler(deps.Usage)
	conversations := handlers.NewConversationsHandler(deps.Conversations)

	apiGroup := router.Group("/api")
	if s.config.EnableRateLimit {
		apiGroup.Use(middleware.RateLimit(s.config.RateLimit, s.config.RateBurst))
	}

	apiGroup.POST("/knowledge", knowledge.Upload)
	apiGroup.GET("/knowledge", knowledge.List)
	apiGroup.GET("/knowledge/:id", knowledge.Get)
	apiGroup.GET("/knowledge/:id/documents", knowledge.ListDocuments)
	apiGroup.DELETE("/knowledge/:id", knowledge.Delete)

	apiGroup.POST("/chat", chatHandler.Ask)
	apiGroup.POST("/chat/stream", chatHandler.AskStream)

	apiGroup.GET("/ping", health.Ping)
	apiGroup.GET("/health", health.Health)

	apiGroup.GET("/ollama/models", models.List)
	apiGroup.POST("/ollama/models/pull", models.Pull)
	apiGroup.DELETE("/ollama/models/:name", models.Delete)

	apiGroup.GET("/analytics/usage", analytics.Usage)
	apiGroup.GET("/analytics/models", analytics.Models)
	apiGroup.GET("/analytics/recent", analytics.Recent)

	apiGroup.GET("/conversations", conversations.List)
	apiGroup.GET("/conversations/:id/messages", conversations.Messages)
	apiGroup.DELETE("/conversations/:id", conversations.Delete)

	router.GET("/ws/analytics", s.handleAnalyticsSocket)

	s.router = router
}

// handleAnalyticsSocket upgrades the connection and parks it on the hub.
func (s *Server) handleAnalyticsSocket(c *gin.Context) {
	conn, err := realtime.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := realtime.NewClient(s.hub, conn, uuid.NewString())
	client.Register()
	go client.WritePump()
	client.ReadPump()
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the hub and the listener. It blocks until the listener
// stops.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info().
		Str("host", s.config.Host).
		Int("port", s.config.Port).
		Bool("rate_limit", s.config.EnableRateLimit).
		Msg("starting api server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("start api server: %w", err)
	}
	return nil
}

// Stop drains the hub and shuts the listener down gracefully.
func (s *Server) Stop() error {
	s.logger.Info().Msg("shutting down api server")
	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}
