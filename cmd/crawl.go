package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gridmart/catalog-crawler/internal/api"
	"github.com/gridmart/catalog-crawler/internal/catalog"
	"github.com/gridmart/catalog-crawler/internal/clock/system"
	"github.com/gridmart/catalog-crawler/internal/config"
	"github.com/gridmart/catalog-crawler/internal/discover"
	"github.com/gridmart/catalog-crawler/internal/fetch"
	"github.com/gridmart/catalog-crawler/internal/guard"
	"github.com/gridmart/catalog-crawler/internal/id/uuid"
	"github.com/gridmart/catalog-crawler/internal/logging"
	"github.com/gridmart/catalog-crawler/internal/paginate"
	"github.com/gridmart/catalog-crawler/internal/publisher/pubsub"
	"github.com/gridmart/catalog-crawler/internal/schedule"
	"github.com/gridmart/catalog-crawler/internal/seed"
	"github.com/gridmart/catalog-crawler/internal/storage/gcs"
	"github.com/gridmart/catalog-crawler/internal/store"
)

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the catalog from the seed list",
		Long: `Runs the crawl engine: seeds are fanned out over fixed-width batches,
each target paginates to completion with persisted progress, and discovered
categories and filters join the queue breadth-first.`,
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
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

	pageStore, closers, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closers.close(logger)

	pub, err := buildPublisher(ctx, cfg, &closers)
	if err != nil {
		return err
	}

	g := guard.New(guard.Config{
		RateLimitStatuses:   cfg.Guard.RateLimitStatuses,
		CorruptEnvelopeCode: cfg.Guard.CorruptEnvelopeCode,
		BaseDelay:           time.Duration(cfg.Guard.BaseDelaySeconds) * time.Second,
		MaxDelay:            time.Duration(cfg.Guard.MaxDelaySeconds) * time.Second,
	})
	clk := system.New()

	fetchers, err := buildFetchers(cfg, logger, &closers)
	if err != nil {
		return err
	}

	controller := paginate.New(pageStore, g, clk, pub, paginate.Config{
		MaxPageRetries:   cfg.Crawl.MaxPageRetries,
		MaxTargetRetries: cfg.Crawl.MaxTargetRetries,
		InterPageDelay:   cfg.InterPageDelay(),
	}, logger)

	seen := discover.NewSeenSet()
	expander := discover.New(pageStore, seen, uuid.New(), clk, logger)

	sched := schedule.New(schedule.Config{
		BatchWidth: cfg.Crawl.BatchWidth,
		Cooldown:   cfg.BatchCooldown(),
	}, controller, expander, fetchers, seen, clk, logger)

	if cfg.API.Enabled {
		statusSrv := api.NewServer(sched, logger)
		go func() {
			if err := statusSrv.Serve(ctx, cfg.API.Addr); err != nil {
				logger.Warn("status server stopped", zap.Error(err))
			}
		}()
	}

	seeds, err := seed.Load(cfg.Crawl.SeedsFile)
	if err != nil {
		return err
	}
	logger.Info("starting crawl",
		zap.Int("seeds", len(seeds)),
		zap.Int("batch_width", cfg.Crawl.BatchWidth),
		zap.String("output_dir", cfg.Crawl.OutputDir))

	sum, err := sched.Run(ctx, seeds)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}
	logger.Info("crawl finished",
		zap.Int("completed", sum.TargetsCompleted),
		zap.Int("failed", len(sum.TargetsFailed)),
		zap.Int("pages", sum.PagesFetched),
		zap.Int("discovered", sum.TargetsDiscovered))
	return nil
}

// closerList collects the clients that need teardown after the run.
type closerList struct {
	fns []func() error
}

func (c *closerList) add(fn func() error) { c.fns = append(c.fns, fn) }

func (c *closerList) close(logger *zap.Logger) {
	for i := len(c.fns) - 1; i >= 0; i-- {
		if err := c.fns[i](); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}
}

func buildStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (*store.FileStore, closerList, error) {
	var closers closerList
	var opts []store.Option
	if cfg.Storage.GCSBucket != "" {
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, closers, fmt.Errorf("init gcs client: %w", err)
		}
		closers.add(client.Close)
		mirror, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket, Prefix: cfg.Storage.Prefix})
		if err != nil {
			return nil, closers, err
		}
		opts = append(opts, store.WithMirror(mirror))
	}
	pageStore, err := store.New(cfg.Crawl.OutputDir, logger, opts...)
	if err != nil {
		return nil, closers, err
	}
	return pageStore, closers, nil
}

func buildPublisher(ctx context.Context, cfg config.Config, closers *closerList) (catalog.Publisher, error) {
	if cfg.PubSub.TopicName == "" {
		return nil, nil
	}
	client, err := gcpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	pub, err := pubsub.New(client, cfg.PubSub.TopicName)
	if err != nil {
		return nil, err
	}
	closers.add(pub.Close)
	return pub, nil
}

func buildFetchers(cfg config.Config, logger *zap.Logger, closers *closerList) (map[catalog.FetchStrategy]catalog.Fetcher, error) {
	fetchCfg := fetch.Config{
		Endpoint:        cfg.Endpoint.ListingURL,
		BaseURL:         cfg.Endpoint.BaseURL,
		StoreID:         cfg.Endpoint.StoreID,
		PageSize:        cfg.Endpoint.PageSize,
		UserAgent:       cfg.Endpoint.UserAgent,
		RequestTimeout:  time.Duration(cfg.Endpoint.TimeoutSeconds) * time.Second,
		RatePerSecond:   cfg.Endpoint.RatePerSecond,
		Headless:        cfg.Rendered.Headless,
		NavigateTimeout: time.Duration(cfg.Rendered.NavTimeoutSeconds) * time.Second,
		ExchangeWait:    time.Duration(cfg.Rendered.ExchangeWaitSeconds) * time.Second,
		ScrollAttempts:  cfg.Rendered.ScrollAttempts,
	}

	fetchers := make(map[catalog.FetchStrategy]catalog.Fetcher)
	if cfg.Endpoint.ListingURL != "" {
		direct, err := fetch.NewDirectFetcher(fetchCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("init direct fetcher: %w", err)
		}
		fetchers[catalog.StrategyDirect] = direct
	}
	if cfg.Endpoint.BaseURL != "" {
		rendered, err := fetch.NewRenderedFetcher(fetchCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("init rendered fetcher: %w", err)
		}
		closers.add(func() error {
			rendered.Close()
			return nil
		})
		fetchers[catalog.StrategyRendered] = rendered
	}
	if len(fetchers) == 0 {
		return nil, errors.New("neither endpoint.listing_url nor endpoint.base_url is configured")
	}
	return fetchers, nil
}
