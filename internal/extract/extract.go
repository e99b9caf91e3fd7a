// Package extract folds saved listing pages into merged product entities.
// The fold is keyed by the stable variation id: the first non-combo
// variation observed creates the record, later observations union source
// targets and backfill absent attributes only.
package extract

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/gridmart/catalog-crawler/internal/catalog"
	"github.com/gridmart/catalog-crawler/internal/metrics"
)

// PageSource is the slice of the store the extractor reads.
type PageSource interface {
	ListTargetIDs(ctx context.Context) ([]string, error)
	ListPages(ctx context.Context, targetID string) ([]catalog.PageMeta, error)
	LoadPage(ctx context.Context, targetID string, pageNo int) (catalog.PageRecord, error)
}

// Deduplicator folds pages into entity records.
type Deduplicator struct {
	src    PageSource
	logger *zap.Logger
}

// New builds a Deduplicator.
func New(src PageSource, logger *zap.Logger) *Deduplicator {
	return &Deduplicator{src: src, logger: logger}
}

// Fold walks every saved page of every target and returns the merged
// entities sorted by id.
func (d *Deduplicator) Fold(ctx context.Context) ([]catalog.EntityRecord, error) {
	targetIDs, err := d.src.ListTargetIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}

	entities := make(map[string]*catalog.EntityRecord)
	for _, targetID := range targetIDs {
		if err := d.foldTarget(ctx, targetID, entities); err != nil {
			return nil, err
		}
	}

	out := make([]catalog.EntityRecord, 0, len(entities))
	for _, rec := range entities {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })

	d.logger.Info("extraction fold complete",
		zap.Int("targets", len(targetIDs)),
		zap.Int("entities", len(out)))
	return out, nil
}

func (d *Deduplicator) foldTarget(ctx context.Context, targetID string, entities map[string]*catalog.EntityRecord) error {
	metas, err := d.src.ListPages(ctx, targetID)
	if err != nil {
		return fmt.Errorf("list pages for %s: %w", targetID, err)
	}
	for _, meta := range metas {
		rec, err := d.src.LoadPage(ctx, targetID, meta.PageNo)
		if err != nil {
			return fmt.Errorf("load page %d of %s: %w", meta.PageNo, targetID, err)
		}
		FoldPage(entities, rec.Payload, targetID)
	}
	return nil
}

// FoldPage merges one page payload's products into the entity map. Payloads
// that do not parse are skipped; the guard already vouched for saved pages,
// and a stray bad document must not sink the whole extraction.
func FoldPage(entities map[string]*catalog.EntityRecord, payload []byte, targetID string) {
	env, err := catalog.ParseListing(payload)
	if err != nil || env.Data == nil {
		return
	}
	for _, w := range env.Data.Widgets {
		if w.WidgetInfo.WidgetType != catalog.WidgetTypeProductList {
			continue
		}
		items, err := w.Products()
		if err != nil {
			continue
		}
		for _, item := range items {
			foldProduct(entities, item, targetID)
		}
	}
}

func foldProduct(entities map[string]*catalog.EntityRecord, item catalog.ProductItem, targetID string) {
	v, ok := pickVariation(item)
	if !ok {
		return
	}
	if existing, seen := entities[v.ID]; seen {
		merge(existing, v, item, targetID)
		return
	}
	rec := newEntity(v, item)
	rec.ObservedFrom(targetID)
	entities[v.ID] = rec
	metrics.ObserveEntityMerged()
}

// pickVariation selects the first non-combo variation. Products that only
// exist as combos are excluded entirely.
func pickVariation(item catalog.ProductItem) (catalog.Variation, bool) {
	for _, v := range item.Variations {
		if v.ID == "" {
			continue
		}
		if isCombo(v) {
			continue
		}
		return v, true
	}
	return catalog.Variation{}, false
}

// isCombo flags multi-pack and bundle SKUs, which would double-count the
// underlying product.
func isCombo(v catalog.Variation) bool {
	if v.SKUComboCount > 1 {
		return true
	}
	name := strings.ToLower(v.DisplayName)
	return strings.Contains(name, "combo") || strings.Contains(name, "pack of")
}

func newEntity(v catalog.Variation, item catalog.ProductItem) *catalog.EntityRecord {
	rec := &catalog.EntityRecord{
		EntityID:      v.ID,
		DisplayName:   firstNonEmpty(v.DisplayName, item.DisplayName),
		NameNoBrand:   v.NameNoBrand,
		Brand:         firstNonEmpty(v.Brand, item.Brand),
		BrandID:       firstNonEmpty(v.BrandID, item.BrandID),
		Images:        append([]string(nil), v.Images...),
		Quantity:      v.Quantity,
		UnitOfMeasure: v.UnitOfMeasure,
		Category:      item.Category,
		SuperCategory: item.SuperCategory,
		Price: catalog.Price{
			MRP:        v.Price.MRP,
			StorePrice: v.Price.StorePrice,
			OfferPrice: v.Price.OfferPrice,
			UnitLevel:  v.Price.UnitLevel,
		},
	}
	return rec
}

// merge applies the non-regression rule: union sources, fill only what is
// absent, never overwrite a value already present.
func merge(existing *catalog.EntityRecord, v catalog.Variation, item catalog.ProductItem, targetID string) {
	existing.ObservedFrom(targetID)

	fillString(&existing.DisplayName, firstNonEmpty(v.DisplayName, item.DisplayName))
	fillString(&existing.NameNoBrand, v.NameNoBrand)
	fillString(&existing.Brand, firstNonEmpty(v.Brand, item.Brand))
	fillString(&existing.BrandID, firstNonEmpty(v.BrandID, item.BrandID))
	fillString(&existing.Quantity, v.Quantity)
	fillString(&existing.UnitOfMeasure, v.UnitOfMeasure)
	fillString(&existing.Category, item.Category)
	fillString(&existing.SuperCategory, item.SuperCategory)
	fillString(&existing.Price.UnitLevel, v.Price.UnitLevel)
	if len(existing.Images) == 0 && len(v.Images) > 0 {
		existing.Images = append([]string(nil), v.Images...)
	}
	if existing.Price.MRP == nil {
		existing.Price.MRP = v.Price.MRP
	}
	if existing.Price.StorePrice == nil {
		existing.Price.StorePrice = v.Price.StorePrice
	}
	if existing.Price.OfferPrice == nil {
		existing.Price.OfferPrice = v.Price.OfferPrice
	}
}

func fillString(dst *string, candidate string) {
	if *dst == "" && candidate != "" {
		*dst = candidate
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
