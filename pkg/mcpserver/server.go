// Package mcpserver exposes the agent tools and knowledge resources to
// MCP clients over stdio or HTTP server-sent events.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/lorekeep/lorekeep/pkg/agent"
	"github.com/lorekeep/lorekeep/pkg/domain"
	"github.com/lorekeep/lorekeep/pkg/metastore"
	"github.com/lorekeep/lorekeep/pkg/ollamamgr"
	"github.com/lorekeep/lorekeep/pkg/usage"
)

const serverVersion = "1.0.0"

// HTTPConfig tunes the SSE transport.
type HTTPConfig struct {
	Host             string
	Port             int
	SessionTimeout   time.Duration
	CORSEnabled      bool
	AllowedOrigins   []string
	AllowCredentials bool
	OAuth            OAuthConfig
}

// Server wraps the MCP SDK server with our tool and resource surface.
type Server struct {
	mcp     *mcp.Server
	catalog *resourceCatalog
}

func New(toolkit *agent.Toolkit, collections *metastore.Collections,
	usageSvc *usage.Service, models *ollamamgr.Manager,
	health map[string]agent.HealthCheck) (*Server, error) {

	catalog := newResourceCatalog(collections, usageSvc, models, health)
	server := mcp.NewServer(&mcp.Implementation{Name: "lorekeep", Version: serverVersion}, nil)

	if err := registerTools(server, toolkit); err != nil {
		return nil, err
	}
	registerResources(server, catalog)

	return &Server{mcp: server, catalog: catalog}, nil
}

// RunStdio serves one session over standard input/output until EOF.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// RunHTTP serves MCP sessions over SSE until the context is cancelled.
// The CORS policy wraps the handler before any routing happens.
func (s *Server) RunHTTP(ctx context.Context, cfg HTTPConfig) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	if cfg.CORSEnabled {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = cfg.AllowedOrigins
		corsCfg.AllowCredentials = cfg.AllowCredentials
		corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
		router.Use(cors.New(corsCfg))
	}

	if cfg.OAuth.Enabled {
		authn, err := newAuthenticator(ctx, cfg.OAuth)
		if err != nil {
			return err
		}
		router.Use(authn.middleware())
	}

	sse := mcp.NewSSEHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
	router.GET("/sse", gin.WrapH(sse))
	router.POST("/sse", gin.WrapH(sse))

	timeout := cfg.SessionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     router,
		IdleTimeout: timeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("mcp http transport listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func registerTools(server *mcp.Server, toolkit *agent.Toolkit) error {
	for _, def := range toolkit.Defs() {
		schema, err := toSchema(def.Parameters)
		if err != nil {
			return fmt.Errorf("tool %s: %w", def.Name, err)
		}
		name := def.Name
		server.AddTool(&mcp.Tool{
			Name:        name,
			Description: def.Description,
			InputSchema: schema,
		}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := "{}"
			if len(req.Params.Arguments) > 0 {
				args = string(req.Params.Arguments)
			}
			result, err := toolkit.Call(ctx, name, args)
			if err != nil {
				// Tool failures are data for the client, not protocol errors.
				return &mcp.CallToolResult{
					Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
					IsError: true,
				}, nil
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: result}},
			}, nil
		})
	}
	return nil
}

func registerResources(server *mcp.Server, catalog *resourceCatalog) {
	read := func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		text, err := catalog.Read(ctx, req.Params.URI)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, mcp.ResourceNotFoundError(req.Params.URI)
			}
			return nil, err
		}
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     text,
			}},
		}, nil
	}

	server.AddResource(&mcp.Resource{
		URI:         uriCollections,
		Name:        "knowledge-collections",
		Description: "Every knowledge base with its document and chunk counts.",
		MIMEType:    "application/json",
	}, read)
	server.AddResource(&mcp.Resource{
		URI:         uriSystemHealth,
		Name:        "system-health",
		Description: "Component health across the service.",
		MIMEType:    "application/json",
	}, read)
	server.AddResource(&mcp.Resource{
		URI:         uriSystemModels,
		Name:        "system-models",
		Description: "Installed local models and models seen in usage metrics.",
		MIMEType:    "application/json",
	}, read)

	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: tmplDocuments,
		Name:        "knowledge-documents",
		Description: "Documents of one knowledge base.",
		MIMEType:    "application/json",
	}, read)
	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: tmplDocument,
		Name:        "knowledge-document",
		Description: "One document with its chunks.",
		MIMEType:    "application/json",
	}, read)
	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: tmplStats,
		Name:        "knowledge-stats",
		Description: "Aggregate statistics for one knowledge base.",
		MIMEType:    "application/json",
	}, read)
}

func toSchema(params map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}
