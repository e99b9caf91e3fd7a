package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridmart/catalog-crawler/internal/catalog"
)

func TestDirectFetchPage(t *testing.T) {
	t.Parallel()

	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"widgets":[{"widgetInfo":{"widgetType":"PRODUCT_LIST"},"data":[{"product_id":"p1"},{"product_id":"p2"}]}],"hasMore":true,"offset":50}}`))
	}))
	defer srv.Close()

	f, err := NewDirectFetcher(Config{
		Endpoint:      srv.URL + "/api/instamart/category-listing",
		StoreID:       "store-9",
		RatePerSecond: 100,
	}, zap.NewNop())
	require.NoError(t, err)

	target := catalog.CrawlTarget{
		ID:          "cat-1",
		DisplayName: "Dairy",
		Kind:        catalog.KindCategory,
		Strategy:    catalog.StrategyDirect,
	}
	raw, err := f.FetchPage(context.Background(), target, catalog.Cursor{PageNo: 0, Offset: 0})
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, raw.StatusCode)
	require.True(t, raw.HasMore)
	require.Equal(t, int64(50), raw.NextOffset)

	require.Equal(t, "Dairy", gotQuery.Get("categoryName"))
	require.Equal(t, "store-9", gotQuery.Get("storeId"))
	require.Equal(t, "0", gotQuery.Get("offset"))
	require.Equal(t, "0", gotQuery.Get("pageNo"))
	require.Equal(t, "50", gotQuery.Get("limit"))
}

func TestDirectFetchFilterTargetParams(t *testing.T) {
	t.Parallel()

	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = w.Write([]byte(`{"data":{"widgets":[]}}`))
	}))
	defer srv.Close()

	f, err := NewDirectFetcher(Config{Endpoint: srv.URL, RatePerSecond: 100}, zap.NewNop())
	require.NoError(t, err)

	target := catalog.CrawlTarget{
		ID:          "flt-7",
		DisplayName: "Organic",
		Kind:        catalog.KindFilter,
		ParentID:    "cat-1",
		Strategy:    catalog.StrategyDirect,
		RenderParams: catalog.RenderParams{
			FilterType:   "brand",
			TaxonomyType: "Speciality taxonomy 1",
		},
	}
	_, err = f.FetchPage(context.Background(), target, catalog.Cursor{PageNo: 2, Offset: 100})
	require.NoError(t, err)

	require.Equal(t, "Organic", gotQuery.Get("filterName"))
	require.Equal(t, "flt-7", gotQuery.Get("filterId"))
	require.Equal(t, "brand", gotQuery.Get("type"))
	require.Equal(t, "cat-1", gotQuery.Get("categoryName"))
	require.Equal(t, "100", gotQuery.Get("offset"))
	require.Equal(t, "2", gotQuery.Get("pageNo"))
	require.Equal(t, "Speciality taxonomy 1", gotQuery.Get("taxonomyType"))
}

func TestDirectFetchThrottledStatusIsReturnedNotErrored(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f, err := NewDirectFetcher(Config{Endpoint: srv.URL, RatePerSecond: 100}, zap.NewNop())
	require.NoError(t, err)

	raw, err := f.FetchPage(context.Background(), catalog.CrawlTarget{ID: "cat-1"}, catalog.Cursor{})
	require.NoError(t, err, "throttle statuses belong to the classifier")
	require.Equal(t, http.StatusTooManyRequests, raw.StatusCode)
}

func TestPaginationHints(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"data":{"widgets":[{"widgetInfo":{"widgetType":"PRODUCT_LIST"},"data":[{"product_id":"p1"}]}],"hasMore":false}}`)
	hasMore, next := paginationHints(payload, catalog.Cursor{PageNo: 1, Offset: 50})
	require.False(t, hasMore)
	require.Equal(t, int64(51), next, "offset advances by product count when the service omits it")

	hasMore, next = paginationHints([]byte(`not json`), catalog.Cursor{PageNo: 1, Offset: 50})
	require.False(t, hasMore)
	require.Equal(t, int64(50), next)
}
