package cmd

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gridmart/catalog-crawler/internal/config"
	"github.com/gridmart/catalog-crawler/internal/extract"
	"github.com/gridmart/catalog-crawler/internal/ingest"
	"github.com/gridmart/catalog-crawler/internal/logging"
	"github.com/gridmart/catalog-crawler/internal/store"
)

// newExtractCmd creates the 'extract' subcommand.
func newExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract",
		Short: "Fold saved pages into merged product entities",
		Long: `Walks every saved listing page under the output directory and folds the
product grids into one entity per variation: first observation creates the
record, later ones union source targets and fill only absent attributes.
Entities are written back as JSON documents and, when a database DSN is
configured, upserted into Postgres.`,
		RunE: runExtractCommand,
	}
}

func runExtractCommand(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	pageStore, err := store.New(cfg.Crawl.OutputDir, logger)
	if err != nil {
		return err
	}

	dedup := extract.New(pageStore, logger)
	recs, err := dedup.Fold(ctx)
	if err != nil {
		return fmt.Errorf("fold pages: %w", err)
	}
	for _, rec := range recs {
		if err := pageStore.SaveEntity(ctx, rec); err != nil {
			return fmt.Errorf("persist entity %s: %w", rec.EntityID, err)
		}
	}
	logger.Info("entities persisted", zap.Int("count", len(recs)))

	if cfg.DB.DSN == "" {
		return nil
	}
	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	sink := ingest.New(pool, logger)
	if err := sink.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := sink.UpsertAll(ctx, recs); err != nil {
		return err
	}
	return nil
}
