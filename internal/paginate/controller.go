// Package paginate drives one crawl target from its persisted resume point
// to a terminal state. The controller owns the per-target retry bookkeeping
// and the transition table between fetch outcomes; everything durable lives
// in the page store.
package paginate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gridmart/catalog-crawler/internal/catalog"
	"github.com/gridmart/catalog-crawler/internal/guard"
	"github.com/gridmart/catalog-crawler/internal/metrics"
)

// Config bounds the controller's retry behavior.
type Config struct {
	// MaxPageRetries is the consecutive rate-limit budget before a target
	// is declared failed.
	MaxPageRetries int
	// MaxTargetRetries bounds whole-target session restarts after
	// corruption.
	MaxTargetRetries int
	// InterPageDelay is the pause between successive page fetches, scaled
	// up while the service has been throttling recently.
	InterPageDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPageRetries <= 0 {
		c.MaxPageRetries = 3
	}
	if c.MaxTargetRetries <= 0 {
		c.MaxTargetRetries = 3
	}
	if c.InterPageDelay < 0 {
		c.InterPageDelay = 0
	}
	return c
}

// Result summarizes one target run.
type Result struct {
	TargetID     string
	Status       catalog.TargetStatus
	PagesFetched int
	Reason       string
}

// Controller runs targets sequentially, one page at a time, in increasing
// page order. It is safe for concurrent use across different targets.
type Controller struct {
	store     catalog.PageStore
	guard     *guard.Guard
	clock     catalog.Clock
	publisher catalog.Publisher
	logger    *zap.Logger
	cfg       Config
}

// New builds a controller. publisher may be nil.
func New(store catalog.PageStore, g *guard.Guard, clock catalog.Clock, publisher catalog.Publisher, cfg Config, logger *zap.Logger) *Controller {
	return &Controller{
		store:     store,
		guard:     g,
		clock:     clock,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg.withDefaults(),
	}
}

// Run drives the target to COMPLETE or FAILED. Already-complete targets
// return immediately with zero fetches. A non-nil error means the run itself
// was cut short (cancellation or store failure), not that the target failed.
func (c *Controller) Run(ctx context.Context, target catalog.CrawlTarget, fetcher catalog.Fetcher) (Result, error) {
	log := c.logger.With(
		zap.String("target_id", target.ID),
		zap.String("kind", string(target.Kind)),
		zap.String("strategy", string(target.Strategy)))

	if closer, ok := fetcher.(catalog.SessionCloser); ok {
		defer closer.CloseSession(target)
	}

	done, err := c.store.IsComplete(ctx, target.ID)
	if err != nil {
		return Result{}, fmt.Errorf("completeness check: %w", err)
	}
	if done {
		log.Debug("target already complete, skipping")
		return Result{TargetID: target.ID, Status: catalog.StatusComplete}, nil
	}

	cursor, err := c.store.NextPage(ctx, target.ID)
	if err != nil {
		return Result{}, fmt.Errorf("resume position: %w", err)
	}
	if cursor.PageNo > 0 {
		log.Info("resuming target", zap.Int("page_no", cursor.PageNo), zap.Int64("offset", cursor.Offset))
	}

	var (
		retry   catalog.RetryState
		fetched int
		// recentRateLimits scales the inter-page delay; unlike the retry
		// counter it survives a successful fetch.
		recentRateLimits int
	)

	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		retry.AttemptCount++
		raw, fetchErr := fetcher.FetchPage(ctx, target, cursor)
		outcome := c.guard.Classify(raw, fetchErr)

		switch outcome {
		case catalog.OutcomeOK:
			if raw.EndOfList {
				if err := c.saveState(ctx, target.ID, catalog.StatusComplete, "no further exchanges"); err != nil {
					return Result{}, err
				}
				log.Info("target complete", zap.Int("pages", fetched), zap.String("reason", "no further exchanges"))
				metrics.ObserveTargetFinished("complete")
				return Result{TargetID: target.ID, Status: catalog.StatusComplete, PagesFetched: fetched}, nil
			}

			rec := catalog.PageRecord{
				Meta: catalog.PageMeta{
					TargetID:   target.ID,
					PageNo:     cursor.PageNo,
					Offset:     cursor.Offset,
					NextOffset: raw.NextOffset,
					HasMore:    raw.HasMore,
					FetchedAt:  c.clock.Now(),
					Strategy:   target.Strategy,
				},
				Payload: raw.Payload,
			}
			if err := c.store.SavePage(ctx, rec); err != nil {
				return Result{}, fmt.Errorf("persist page %d: %w", cursor.PageNo, err)
			}
			fetched++
			metrics.ObservePageFetched(string(target.Strategy))
			c.publishSaved(ctx, rec.Meta, log)

			recentRateLimits = retry.ConsecutiveRateLimits
			retry.ConsecutiveRateLimits = 0

			if !raw.HasMore {
				log.Info("target complete", zap.Int("pages", fetched))
				metrics.ObserveTargetFinished("complete")
				return Result{TargetID: target.ID, Status: catalog.StatusComplete, PagesFetched: fetched}, nil
			}

			cursor = catalog.Cursor{PageNo: cursor.PageNo + 1, Offset: raw.NextOffset}
			if err := c.interPagePause(ctx, recentRateLimits); err != nil {
				return Result{}, err
			}

		case catalog.OutcomeRateLimited:
			metrics.ObserveRateLimit(string(target.Strategy))
			if retry.ConsecutiveRateLimits >= c.cfg.MaxPageRetries {
				reason := fmt.Sprintf("rate limited %d consecutive times at page %d", retry.ConsecutiveRateLimits, cursor.PageNo)
				if err := c.saveState(ctx, target.ID, catalog.StatusFailed, reason); err != nil {
					return Result{}, err
				}
				log.Warn("target failed", zap.String("reason", reason))
				metrics.ObserveTargetFinished("failed")
				return Result{TargetID: target.ID, Status: catalog.StatusFailed, PagesFetched: fetched, Reason: reason}, nil
			}
			delay := c.guard.Backoff(retry.ConsecutiveRateLimits)
			retry.ConsecutiveRateLimits++
			recentRateLimits = retry.ConsecutiveRateLimits
			log.Info("throttled, backing off",
				zap.Int("page_no", cursor.PageNo),
				zap.Int("consecutive", retry.ConsecutiveRateLimits),
				zap.Duration("delay", delay))
			metrics.ObserveBackoffDelay(delay)
			if err := c.clock.Sleep(ctx, delay); err != nil {
				return Result{}, err
			}

		case catalog.OutcomeSessionCorrupt:
			retry.TargetRetryCount++
			if retry.TargetRetryCount > c.cfg.MaxTargetRetries {
				reason := fmt.Sprintf("session corrupt after %d restarts", c.cfg.MaxTargetRetries)
				if err := c.saveState(ctx, target.ID, catalog.StatusFailed, reason); err != nil {
					return Result{}, err
				}
				log.Warn("target failed", zap.String("reason", reason))
				metrics.ObserveTargetFinished("failed")
				return Result{TargetID: target.ID, Status: catalog.StatusFailed, PagesFetched: fetched, Reason: reason}, nil
			}

			restarter, ok := fetcher.(catalog.Restarter)
			if !ok {
				// A stateless fetcher has no session to rebuild; treat the
				// corrupt response like throttling and retry the page.
				log.Warn("corrupt response from stateless fetcher, retrying",
					zap.Int("page_no", cursor.PageNo))
				if err := c.clock.Sleep(ctx, c.guard.Backoff(retry.ConsecutiveRateLimits)); err != nil {
					return Result{}, err
				}
				retry.ConsecutiveRateLimits++
				continue
			}

			log.Warn("session corrupt, restarting target",
				zap.Int("restart", retry.TargetRetryCount),
				zap.Int("page_no", cursor.PageNo))
			metrics.ObserveSessionRestart()
			if err := restarter.Restart(ctx, target); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return Result{}, err
				}
				log.Warn("session restart failed, will retry", zap.Error(err))
			}
			// Previously persisted pages stay valid; resume from the store,
			// not from scratch.
			cursor, err = c.store.NextPage(ctx, target.ID)
			if err != nil {
				return Result{}, fmt.Errorf("resume after restart: %w", err)
			}
			retry.ConsecutiveRateLimits = 0

		case catalog.OutcomeFatal:
			if fetchErr == nil {
				fetchErr = ctx.Err()
			}
			return Result{}, fmt.Errorf("fatal fetch outcome: %w", fetchErr)
		}
	}
}

// interPagePause applies the politeness delay between pages, stretched while
// the service has recently throttled.
func (c *Controller) interPagePause(ctx context.Context, recentRateLimits int) error {
	if c.cfg.InterPageDelay <= 0 {
		return nil
	}
	scale := 1 + float64(recentRateLimits)*0.5
	return c.clock.Sleep(ctx, time.Duration(float64(c.cfg.InterPageDelay)*scale))
}

func (c *Controller) saveState(ctx context.Context, targetID string, status catalog.TargetStatus, reason string) error {
	st := catalog.TargetState{
		TargetID:   targetID,
		Status:     status,
		Reason:     reason,
		RecordedAt: c.clock.Now(),
	}
	if err := c.store.SaveTargetState(ctx, st); err != nil {
		return fmt.Errorf("persist target state: %w", err)
	}
	return nil
}

func (c *Controller) publishSaved(ctx context.Context, meta catalog.PageMeta, log *zap.Logger) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishPageSaved(ctx, meta); err != nil {
		// Event delivery is best effort; the store remains the source of
		// truth for progress.
		log.Warn("page-saved event publish failed",
			zap.Int("page_no", meta.PageNo),
			zap.Error(err))
	}
}
