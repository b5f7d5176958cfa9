package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/api"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long:  "Start the HTTP server exposing knowledge management, chat, model administration, analytics and the realtime analytics feed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		host := cfg.HTTP.Host
		if serveHost != "" {
			host = serveHost
		}
		port := cfg.HTTP.Port
		if servePort != 0 {
			port = servePort
		}

		server := api.NewServer(api.Config{Host: host, Port: port}, api.Deps{
			Collections:   app.collections,
			Conversations: app.conversations,
			Settings:      app.settings,
			Pipeline:      app.pipeline,
			Vectors:       app.vectors,
			Embedder:      app.embedder,
			Orchestrator:  app.orchestrator,
			Usage:         app.usage,
			Models:        app.models,
			Health:        app.health,
			StoreKind:     app.storeKind,
		})

		errCh := make(chan error, 1)
		go func() { errCh <- server.Start() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			log.Info().Msg("shutdown signal received")
			return server.Stop()
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen address (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
}
