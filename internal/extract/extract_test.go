package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridmart/catalog-crawler/internal/catalog"
	"github.com/gridmart/catalog-crawler/internal/store"
)

func productPayload(products string) []byte {
	return []byte(fmt.Sprintf(
		`{"data":{"widgets":[{"widgetInfo":{"widgetType":"PRODUCT_LIST"},"data":[%s]}]}}`,
		products))
}

func TestFoldPageCreatesEntities(t *testing.T) {
	t.Parallel()

	entities := make(map[string]*catalog.EntityRecord)
	FoldPage(entities, productPayload(`{
		"product_id": "p1",
		"display_name": "Almond Milk",
		"brand": "Nutty",
		"category": "Dairy Alternatives",
		"variations": [{
			"id": "v1",
			"display_name": "Almond Milk 1L",
			"quantity": "1 L",
			"price": {"mrp": 300, "offer_price": 250}
		}]
	}`), "cat-1")

	require.Len(t, entities, 1)
	rec := entities["v1"]
	require.Equal(t, "Almond Milk 1L", rec.DisplayName)
	require.Equal(t, "Nutty", rec.Brand, "brand backfilled from the product card")
	require.Equal(t, "Dairy Alternatives", rec.Category)
	require.NotNil(t, rec.Price.MRP)
	require.Equal(t, 300.0, *rec.Price.MRP)
	require.Equal(t, []string{"cat-1"}, rec.SourceTargets)
}

func TestFoldSkipsComboVariations(t *testing.T) {
	t.Parallel()

	entities := make(map[string]*catalog.EntityRecord)
	FoldPage(entities, productPayload(`{
		"product_id": "p1",
		"variations": [
			{"id": "v-combo", "display_name": "Juice Combo Pack", "sku_quantity_with_combo": 3},
			{"id": "v-single", "display_name": "Juice 500ml"}
		]
	}`), "cat-1")

	require.Len(t, entities, 1)
	require.Contains(t, entities, "v-single", "first non-combo variation wins")
	require.NotContains(t, entities, "v-combo")
}

func TestFoldComboOnlyProductExcluded(t *testing.T) {
	t.Parallel()

	entities := make(map[string]*catalog.EntityRecord)
	FoldPage(entities, productPayload(`{
		"product_id": "p1",
		"variations": [{"id": "v1", "display_name": "Soap Pack of 4"}]
	}`), "cat-1")

	require.Empty(t, entities)
}

func TestMergeNonRegression(t *testing.T) {
	t.Parallel()

	entities := make(map[string]*catalog.EntityRecord)

	FoldPage(entities, productPayload(`{
		"product_id": "p1",
		"variations": [{
			"id": "v1",
			"display_name": "Oat Milk 1L",
			"price": {"mrp": 200}
		}]
	}`), "cat-1")

	// A later observation from another target carries a different name, a
	// brand the first lacked, and a different MRP.
	FoldPage(entities, productPayload(`{
		"product_id": "p1",
		"brand": "Oaty",
		"variations": [{
			"id": "v1",
			"display_name": "Oat Milk 1 Litre",
			"price": {"mrp": 180, "offer_price": 150}
		}]
	}`), "flt-1")

	rec := entities["v1"]
	require.Equal(t, "Oat Milk 1L", rec.DisplayName, "present attributes are never overwritten")
	require.Equal(t, 200.0, *rec.Price.MRP)
	require.Equal(t, "Oaty", rec.Brand, "absent attributes are backfilled")
	require.Equal(t, 150.0, *rec.Price.OfferPrice)
	require.ElementsMatch(t, []string{"cat-1", "flt-1"}, rec.SourceTargets)

	// A third observation from an already-known target does not duplicate.
	FoldPage(entities, productPayload(`{"product_id":"p1","variations":[{"id":"v1"}]}`), "cat-1")
	require.ElementsMatch(t, []string{"cat-1", "flt-1"}, rec.SourceTargets)
}

func TestFoldAcrossStore(t *testing.T) {
	t.Parallel()

	st, err := store.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	savePage := func(targetID string, pageNo int, products string) {
		require.NoError(t, st.SavePage(ctx, catalog.PageRecord{
			Meta:    catalog.PageMeta{TargetID: targetID, PageNo: pageNo, HasMore: pageNo == 0},
			Payload: json.RawMessage(productPayload(products)),
		}))
	}

	savePage("cat-1", 0, `{"product_id":"p1","variations":[{"id":"v1","display_name":"Milk 1L"}]}`)
	savePage("cat-1", 1, `{"product_id":"p2","variations":[{"id":"v2","display_name":"Butter 100g"}]}`)
	savePage("cat-2", 0, `{"product_id":"p1","variations":[{"id":"v1","display_name":"Milk 1L"}]}`)

	dedup := New(st, zap.NewNop())
	recs, err := dedup.Fold(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "v1", recs[0].EntityID)
	require.ElementsMatch(t, []string{"cat-1", "cat-2"}, recs[0].SourceTargets)
	require.Equal(t, "v2", recs[1].EntityID)
}
