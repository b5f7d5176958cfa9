package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lorekeep/lorekeep/pkg/domain"
	"github.com/lorekeep/lorekeep/pkg/ingest"
)

var ingestCollection string

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Ingest documents into a knowledge base",
	Long:  "Parse, chunk, embed and index one or more files. The target collection is created when it does not exist yet.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		app, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		name := ingestCollection
		if name == "" {
			name = filepath.Base(filepath.Dir(args[0]))
		}
		if name == "" || name == "." {
			return fmt.Errorf("--collection is required")
		}

		if _, err := app.collections.GetCollectionByName(ctx, name); err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			if _, err := app.collections.CreateCollection(ctx, name, "",
				app.embedder.Model(), app.storeKind); err != nil {
				return err
			}
			log.Info().Str("collection", name).Msg("created collection")
		}

		failed := 0
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				log.Error().Err(err).Str("file", path).Msg("read failed")
				failed++
				continue
			}
			res, err := app.pipeline.Ingest(ctx, name, ingest.Source{
				Path: filepath.Base(path),
				Data: data,
			})
			if err != nil {
				log.Error().Err(err).Str("file", path).Msg("ingest failed")
				failed++
				continue
			}
			fmt.Printf("%s: document %s, %d chunks\n", path, res.DocumentID, res.ChunkCount)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestCollection, "collection", "c", "", "target collection name (default: parent directory name)")
}
