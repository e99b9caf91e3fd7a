// Package ingest upserts merged product entities into Postgres. The upsert
// repeats the extraction merge rule in SQL: union source targets, keep
// present values, fill only what is absent.
package ingest

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/gridmart/catalog-crawler/internal/catalog"
)

// DB is the slice of pgxpool.Pool the sink needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema creates the products table.
const Schema = `
CREATE TABLE IF NOT EXISTS products (
	entity_id        TEXT PRIMARY KEY,
	display_name     TEXT NOT NULL DEFAULT '',
	name_no_brand    TEXT NOT NULL DEFAULT '',
	brand            TEXT NOT NULL DEFAULT '',
	brand_id         TEXT NOT NULL DEFAULT '',
	images           TEXT[] NOT NULL DEFAULT '{}',
	mrp              DOUBLE PRECISION,
	store_price      DOUBLE PRECISION,
	offer_price      DOUBLE PRECISION,
	unit_level_price TEXT NOT NULL DEFAULT '',
	quantity         TEXT NOT NULL DEFAULT '',
	unit_of_measure  TEXT NOT NULL DEFAULT '',
	category         TEXT NOT NULL DEFAULT '',
	super_category   TEXT NOT NULL DEFAULT '',
	source_targets   TEXT[] NOT NULL DEFAULT '{}',
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const upsertSQL = `
INSERT INTO products (
	entity_id, display_name, name_no_brand, brand, brand_id, images,
	mrp, store_price, offer_price, unit_level_price,
	quantity, unit_of_measure, category, super_category, source_targets
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (entity_id) DO UPDATE SET
	display_name     = COALESCE(NULLIF(products.display_name, ''), EXCLUDED.display_name),
	name_no_brand    = COALESCE(NULLIF(products.name_no_brand, ''), EXCLUDED.name_no_brand),
	brand            = COALESCE(NULLIF(products.brand, ''), EXCLUDED.brand),
	brand_id         = COALESCE(NULLIF(products.brand_id, ''), EXCLUDED.brand_id),
	images           = CASE WHEN cardinality(products.images) = 0 THEN EXCLUDED.images ELSE products.images END,
	mrp              = COALESCE(products.mrp, EXCLUDED.mrp),
	store_price      = COALESCE(products.store_price, EXCLUDED.store_price),
	offer_price      = COALESCE(products.offer_price, EXCLUDED.offer_price),
	unit_level_price = COALESCE(NULLIF(products.unit_level_price, ''), EXCLUDED.unit_level_price),
	quantity         = COALESCE(NULLIF(products.quantity, ''), EXCLUDED.quantity),
	unit_of_measure  = COALESCE(NULLIF(products.unit_of_measure, ''), EXCLUDED.unit_of_measure),
	category         = COALESCE(NULLIF(products.category, ''), EXCLUDED.category),
	super_category   = COALESCE(NULLIF(products.super_category, ''), EXCLUDED.super_category),
	source_targets   = ARRAY(SELECT DISTINCT unnest(products.source_targets || EXCLUDED.source_targets)),
	updated_at       = now()`

// Sink writes entity records through a pgx connection pool.
type Sink struct {
	db     DB
	logger *zap.Logger
}

// New builds a Sink.
func New(db DB, logger *zap.Logger) *Sink {
	return &Sink{db: db, logger: logger}
}

// EnsureSchema creates the products table if missing.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure products schema: %w", err)
	}
	return nil
}

// UpsertEntity writes one merged entity.
func (s *Sink) UpsertEntity(ctx context.Context, rec catalog.EntityRecord) error {
	if rec.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	_, err := s.db.Exec(ctx, upsertSQL,
		rec.EntityID,
		rec.DisplayName,
		rec.NameNoBrand,
		rec.Brand,
		rec.BrandID,
		rec.Images,
		rec.Price.MRP,
		rec.Price.StorePrice,
		rec.Price.OfferPrice,
		rec.Price.UnitLevel,
		rec.Quantity,
		rec.UnitOfMeasure,
		rec.Category,
		rec.SuperCategory,
		rec.SourceTargets,
	)
	if err != nil {
		return fmt.Errorf("upsert entity %s: %w", rec.EntityID, err)
	}
	return nil
}

// UpsertAll writes every record, stopping at the first failure.
func (s *Sink) UpsertAll(ctx context.Context, recs []catalog.EntityRecord) error {
	for _, rec := range recs {
		if err := s.UpsertEntity(ctx, rec); err != nil {
			return err
		}
	}
	s.logger.Info("entities ingested", zap.Int("count", len(recs)))
	return nil
}

var _ catalog.EntitySink = (*Sink)(nil)
