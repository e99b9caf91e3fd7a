// Package discover harvests new crawl targets out of saved listing pages:
// the sidebar's related categories and the category's filter chips. Dedup is
// two-layered: a process-wide insert-if-absent seen set, then a skip for
// targets the store already records as fully crawled.
package discover

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"go.uber.org/zap"

	"github.com/gridmart/catalog-crawler/internal/catalog"
)

// Expander extracts discovered items from a target's first page and turns
// the survivors into pending crawl targets.
type Expander struct {
	store  catalog.PageStore
	seen   *SeenSet
	ids    catalog.IDGenerator
	clock  catalog.Clock
	logger *zap.Logger
}

// New builds an Expander. The seen set is shared across all workers of a
// run; the scheduler owns it.
func New(store catalog.PageStore, seen *SeenSet, ids catalog.IDGenerator, clock catalog.Clock, logger *zap.Logger) *Expander {
	return &Expander{
		store:  store,
		seen:   seen,
		ids:    ids,
		clock:  clock,
		logger: logger,
	}
}

// Expand reads the target's page 0, harvests discovered items, persists the
// non-empty harvest, and returns new crawl targets. Discovery runs once per
// target; the seen set makes a second call a no-op.
func (e *Expander) Expand(ctx context.Context, source catalog.CrawlTarget) ([]catalog.CrawlTarget, error) {
	rec, err := e.store.LoadPage(ctx, source.ID, 0)
	if errors.Is(err, fs.ErrNotExist) {
		// No first page means nothing was crawled; nothing to harvest.
		e.logger.Debug("no page 0 to harvest", zap.String("target_id", source.ID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load page 0 for %s: %w", source.ID, err)
	}
	env, err := catalog.ParseListing(rec.Payload)
	if err != nil || env.Data == nil {
		return nil, nil
	}

	items := harvest(env.Data, source)
	if len(items) == 0 {
		return nil, nil
	}

	var (
		kept    []catalog.DiscoveredItem
		targets []catalog.CrawlTarget
	)
	for _, item := range items {
		tgt := item.Target(source)
		if !e.seen.MarkIfNew(tgt.Key()) {
			continue
		}
		done, err := e.store.IsComplete(ctx, tgt.ID)
		if err != nil {
			return nil, fmt.Errorf("discovery completeness check for %s: %w", tgt.ID, err)
		}
		if done {
			continue
		}
		kept = append(kept, item.DiscoveredItem)
		targets = append(targets, tgt)
	}
	if len(kept) == 0 {
		return nil, nil
	}

	batch := catalog.DiscoveryBatch{
		BatchID:        e.ids.NewID(),
		SourceTargetID: source.ID,
		RecordedAt:     e.clock.Now(),
		Items:          kept,
	}
	if err := e.store.SaveDiscoveryBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("persist discovery batch: %w", err)
	}

	e.logger.Info("discovered new targets",
		zap.String("source_target_id", source.ID),
		zap.Int("count", len(targets)))
	return targets, nil
}

// harvested pairs a discovered item with enough context to build its target.
type harvested struct {
	catalog.DiscoveredItem
	filterType string
}

// Target converts the item into a crawl target. Related categories go to the
// direct strategy; filters require the rendered one because the filter
// endpoint only answers within a browsing session.
func (h harvested) Target(source catalog.CrawlTarget) catalog.CrawlTarget {
	switch h.Type {
	case catalog.DiscoveredFilter:
		return catalog.CrawlTarget{
			ID:          h.ID,
			DisplayName: h.Name,
			Kind:        catalog.KindFilter,
			ParentID:    source.ID,
			Strategy:    catalog.StrategyRendered,
			RenderParams: catalog.RenderParams{
				Deeplink:     source.RenderParams.Deeplink,
				FilterID:     h.ID,
				FilterType:   h.filterType,
				TaxonomyType: source.RenderParams.TaxonomyType,
			},
		}
	default:
		return catalog.CrawlTarget{
			ID:          h.ID,
			DisplayName: h.Name,
			Kind:        catalog.KindDiscovered,
			ParentID:    source.ID,
			Strategy:    catalog.StrategyDirect,
			RenderParams: catalog.RenderParams{
				TaxonomyType: source.RenderParams.TaxonomyType,
			},
		}
	}
}

func harvest(data *catalog.ListingData, source catalog.CrawlTarget) []harvested {
	var items []harvested
	for _, cat := range data.Categories {
		if cat.ID == "" || cat.ID == source.ID {
			continue
		}
		items = append(items, harvested{
			DiscoveredItem: catalog.DiscoveredItem{
				Type:           catalog.DiscoveredRelatedCategory,
				ID:             cat.ID,
				Name:           cat.DisplayName,
				ProductCount:   cat.ProductCount,
				SourceTargetID: source.ID,
			},
		})
	}
	for _, flt := range data.Filters {
		if flt.ID == "" {
			continue
		}
		items = append(items, harvested{
			DiscoveredItem: catalog.DiscoveredItem{
				Type:           catalog.DiscoveredFilter,
				ID:             flt.ID,
				Name:           flt.Name,
				ProductCount:   flt.ProductCount,
				FilterType:     flt.FilterType,
				SourceTargetID: source.ID,
			},
			filterType: flt.FilterType,
		})
	}
	return items
}
