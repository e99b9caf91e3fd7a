// Package schedule fans crawl targets out over fixed-width batches. Within a
// batch every target runs concurrently and independently; between batches
// the scheduler cools down and folds freshly discovered targets into the
// pending queue, breadth-first.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gridmart/catalog-crawler/internal/catalog"
	"github.com/gridmart/catalog-crawler/internal/discover"
	"github.com/gridmart/catalog-crawler/internal/metrics"
	"github.com/gridmart/catalog-crawler/internal/paginate"
)

// Runner drives one target to a terminal state.
type Runner interface {
	Run(ctx context.Context, target catalog.CrawlTarget, fetcher catalog.Fetcher) (paginate.Result, error)
}

// Expander harvests new targets from a finished one.
type Expander interface {
	Expand(ctx context.Context, source catalog.CrawlTarget) ([]catalog.CrawlTarget, error)
}

// Config bounds the batch shape.
type Config struct {
	// BatchWidth is the number of targets run concurrently per batch.
	BatchWidth int
	// Cooldown is the pause between batches.
	Cooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchWidth <= 0 {
		c.BatchWidth = 5
	}
	return c
}

// TargetFailure records one failed target for the run summary.
type TargetFailure struct {
	TargetID string `json:"target_id"`
	Reason   string `json:"reason"`
}

// RunSummary is the scheduler's progress snapshot, also served by the
// status API.
type RunSummary struct {
	StartedAt         time.Time       `json:"started_at"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
	BatchesRun        int             `json:"batches_run"`
	Pending           int             `json:"pending"`
	Active            int             `json:"active"`
	TargetsCompleted  int             `json:"targets_completed"`
	TargetsFailed     []TargetFailure `json:"targets_failed,omitempty"`
	TargetsDiscovered int             `json:"targets_discovered"`
	PagesFetched      int             `json:"pages_fetched"`
}

// Scheduler owns the pending queue, the shared seen set, and the run
// summary.
type Scheduler struct {
	cfg      Config
	runner   Runner
	expander Expander
	fetchers map[catalog.FetchStrategy]catalog.Fetcher
	seen     *discover.SeenSet
	clock    catalog.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	summary RunSummary
}

// New builds a scheduler. fetchers must cover every strategy the targets
// use; seen is shared with the expander.
func New(cfg Config, runner Runner, expander Expander, fetchers map[catalog.FetchStrategy]catalog.Fetcher, seen *discover.SeenSet, clock catalog.Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg.withDefaults(),
		runner:   runner,
		expander: expander,
		fetchers: fetchers,
		seen:     seen,
		clock:    clock,
		logger:   logger,
	}
}

// Snapshot returns a copy of the run summary.
func (s *Scheduler) Snapshot() RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.summary
	out.TargetsFailed = append([]TargetFailure(nil), s.summary.TargetsFailed...)
	return out
}

type batchResult struct {
	target catalog.CrawlTarget
	result paginate.Result
	err    error
}

// Run drains the seed list and everything discovered along the way. It
// returns early only on cancellation; per-target failures are contained and
// reported in the summary.
func (s *Scheduler) Run(ctx context.Context, seeds []catalog.CrawlTarget) (RunSummary, error) {
	pending := s.claim(seeds)

	s.mu.Lock()
	s.summary = RunSummary{StartedAt: s.clock.Now(), Pending: len(pending)}
	s.mu.Unlock()

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return s.Snapshot(), err
		}

		width := s.cfg.BatchWidth
		if width > len(pending) {
			width = len(pending)
		}
		batch := pending[:width]
		pending = pending[width:]

		s.mu.Lock()
		s.summary.BatchesRun++
		s.summary.Pending = len(pending)
		s.summary.Active = len(batch)
		batchNo := s.summary.BatchesRun
		s.mu.Unlock()

		s.logger.Info("starting batch",
			zap.Int("batch", batchNo),
			zap.Int("width", len(batch)),
			zap.Int("pending", len(pending)))

		results := s.runBatch(ctx, batch)

		var completed []catalog.CrawlTarget
		for _, res := range results {
			s.record(res)
			if res.err == nil && res.result.Status == catalog.StatusComplete {
				completed = append(completed, res.target)
			}
		}
		if err := ctx.Err(); err != nil {
			return s.Snapshot(), err
		}

		discovered := s.expand(ctx, completed)
		pending = append(pending, discovered...)

		s.mu.Lock()
		s.summary.Pending = len(pending)
		s.summary.Active = 0
		s.mu.Unlock()

		if len(pending) > 0 && s.cfg.Cooldown > 0 {
			if err := s.clock.Sleep(ctx, s.cfg.Cooldown); err != nil {
				return s.Snapshot(), err
			}
		}
	}

	s.mu.Lock()
	now := s.clock.Now()
	s.summary.FinishedAt = &now
	s.mu.Unlock()

	sum := s.Snapshot()
	s.logger.Info("run finished",
		zap.Int("batches", sum.BatchesRun),
		zap.Int("completed", sum.TargetsCompleted),
		zap.Int("failed", len(sum.TargetsFailed)),
		zap.Int("pages", sum.PagesFetched))
	return sum, nil
}

// claim filters duplicate seeds through the shared seen set.
func (s *Scheduler) claim(seeds []catalog.CrawlTarget) []catalog.CrawlTarget {
	var pending []catalog.CrawlTarget
	for _, seed := range seeds {
		if s.seen.MarkIfNew(seed.Key()) {
			pending = append(pending, seed)
		}
	}
	return pending
}

// runBatch executes one batch and collects every target's result. A panic
// in one worker is converted into that target's failure, never propagated
// to its siblings.
func (s *Scheduler) runBatch(ctx context.Context, batch []catalog.CrawlTarget) []batchResult {
	results := make([]batchResult, len(batch))
	var wg sync.WaitGroup
	for i, tgt := range batch {
		wg.Add(1)
		go func(i int, tgt catalog.CrawlTarget) {
			defer wg.Done()
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			defer func() {
				if r := recover(); r != nil {
					results[i] = batchResult{
						target: tgt,
						err:    fmt.Errorf("worker panic: %v", r),
					}
					s.logger.Error("worker panic",
						zap.String("target_id", tgt.ID),
						zap.Any("panic", r))
				}
			}()

			fetcher, ok := s.fetchers[tgt.Strategy]
			if !ok {
				results[i] = batchResult{target: tgt, err: fmt.Errorf("no fetcher for strategy %q", tgt.Strategy)}
				return
			}
			res, err := s.runner.Run(ctx, tgt, fetcher)
			results[i] = batchResult{target: tgt, result: res, err: err}
		}(i, tgt)
	}
	wg.Wait()
	return results
}

func (s *Scheduler) record(res batchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res.err != nil {
		if !errors.Is(res.err, context.Canceled) {
			s.summary.TargetsFailed = append(s.summary.TargetsFailed, TargetFailure{
				TargetID: res.target.ID,
				Reason:   res.err.Error(),
			})
			s.logger.Warn("target run errored",
				zap.String("target_id", res.target.ID),
				zap.Error(res.err))
		}
		return
	}

	s.summary.PagesFetched += res.result.PagesFetched
	switch res.result.Status {
	case catalog.StatusComplete:
		s.summary.TargetsCompleted++
	case catalog.StatusFailed:
		s.summary.TargetsFailed = append(s.summary.TargetsFailed, TargetFailure{
			TargetID: res.target.ID,
			Reason:   res.result.Reason,
		})
	}
}

// expand harvests discoveries from the batch's completed targets. Harvest
// errors are contained like target failures.
func (s *Scheduler) expand(ctx context.Context, completed []catalog.CrawlTarget) []catalog.CrawlTarget {
	if s.expander == nil {
		return nil
	}
	var discovered []catalog.CrawlTarget
	for _, tgt := range completed {
		found, err := s.expander.Expand(ctx, tgt)
		if err != nil {
			s.logger.Warn("discovery harvest failed",
				zap.String("target_id", tgt.ID),
				zap.Error(err))
			continue
		}
		discovered = append(discovered, found...)
	}
	if len(discovered) > 0 {
		s.mu.Lock()
		s.summary.TargetsDiscovered += len(discovered)
		s.mu.Unlock()
	}
	return discovered
}
