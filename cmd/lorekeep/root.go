// Command lorekeep runs the knowledge service: the REST API, the MCP
// transport and a small ingestion CLI.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/pkg/config"
)

var (
	cfgFile string
	dbPath  string
	verbose bool
	cfg     *config.Config

	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:     "lorekeep",
	Short:   "Lorekeep knowledge service",
	Long:    "Lorekeep ingests documents into vector-backed knowledge bases and answers over them via REST, chat providers and MCP.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := zerolog.InfoLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		zerolog.SetGlobalLevel(level)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		if dbPath != "" {
			cfg.DatabasePath = dbPath
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file path (default: ./lorekeep.yaml or ~/.lorekeep/config)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "override the metadata database path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(ingestCmd)
}
