package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/pkg/mcpserver"
)

var mcpTransport string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP surface",
	Long:  "Expose the agent tools and knowledge resources to MCP clients over stdio or HTTP server-sent events.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		server, err := mcpserver.New(app.toolkit, app.collections, app.usage, app.models, app.health)
		if err != nil {
			return err
		}

		switch mcpTransport {
		case "stdio":
			return server.RunStdio(ctx)
		case "http":
			return server.RunHTTP(ctx, mcpserver.HTTPConfig{
				Host:             cfg.Transport.Host,
				Port:             cfg.Transport.Port,
				SessionTimeout:   time.Duration(cfg.Transport.SessionTimeoutMinutes) * time.Minute,
				CORSEnabled:      cfg.Transport.CORS.Enabled,
				AllowedOrigins:   cfg.Transport.CORS.AllowedOrigins,
				AllowCredentials: cfg.Transport.CORS.AllowCredentials,
				OAuth: mcpserver.OAuthConfig{
					Enabled:                cfg.OAuth.Enabled,
					AuthorizationServerURL: cfg.OAuth.AuthorizationServerURL,
					RequiredScopes:         cfg.OAuth.RequiredScopes,
				},
			})
		default:
			return fmt.Errorf("unknown transport %q (want stdio or http)", mcpTransport)
		}
	},
}

func init() {
	mcpCmd.Flags().StringVar(&mcpTransport, "transport", "stdio", "transport: stdio or http")
}
