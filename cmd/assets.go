package cmd

import (
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gridmart/catalog-crawler/internal/assets"
	"github.com/gridmart/catalog-crawler/internal/config"
	"github.com/gridmart/catalog-crawler/internal/logging"
	"github.com/gridmart/catalog-crawler/internal/store"
)

// newAssetsCmd creates the 'assets' subcommand.
func newAssetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assets",
		Short: "Download product images for extracted entities",
		Long: `Downloads the image assets referenced by the merged entity records under
the output directory. The run is resumable: entities already flagged as
fetched are skipped, and image files already on disk are not re-downloaded.`,
		RunE: runAssetsCommand,
	}
}

func runAssetsCommand(cmd *cobra.Command, _ []string) error {
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

	dl, err := assets.New(assets.Config{
		Dir:            filepath.Join(cfg.Crawl.OutputDir, "assets"),
		CDNBaseURL:     cfg.Assets.CDNBaseURL,
		MaxConcurrent:  cfg.Assets.MaxConcurrentDownloads,
		UserAgent:      cfg.Endpoint.UserAgent,
		RequestTimeout: time.Duration(cfg.Assets.TimeoutSeconds) * time.Second,
	}, pageStore, logger)
	if err != nil {
		return err
	}

	sum, err := dl.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("assets downloaded",
		zap.Int("entities", sum.Entities),
		zap.Int("downloaded", sum.Downloaded),
		zap.Int("resumed", sum.Resumed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed))
	return nil
}
