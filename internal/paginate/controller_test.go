package paginate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridmart/catalog-crawler/internal/catalog"
	"github.com/gridmart/catalog-crawler/internal/guard"
	"github.com/gridmart/catalog-crawler/internal/store"
)

type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

type fetchStep struct {
	raw catalog.RawPage
	err error
}

type fakeFetcher struct {
	steps    []fetchStep
	cursors  []catalog.Cursor
	restarts int
	closed   bool
}

func (f *fakeFetcher) FetchPage(_ context.Context, _ catalog.CrawlTarget, cursor catalog.Cursor) (catalog.RawPage, error) {
	f.cursors = append(f.cursors, cursor)
	if len(f.steps) == 0 {
		return catalog.RawPage{}, fmt.Errorf("no scripted fetch for page %d", cursor.PageNo)
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	return step.raw, step.err
}

func (f *fakeFetcher) Restart(context.Context, catalog.CrawlTarget) error {
	f.restarts++
	return nil
}

func (f *fakeFetcher) CloseSession(catalog.CrawlTarget) { f.closed = true }

// statelessFetcher has no Restart, like the direct strategy.
type statelessFetcher struct {
	steps []fetchStep
}

func (f *statelessFetcher) FetchPage(_ context.Context, _ catalog.CrawlTarget, cursor catalog.Cursor) (catalog.RawPage, error) {
	if len(f.steps) == 0 {
		return catalog.RawPage{}, fmt.Errorf("no scripted fetch for page %d", cursor.PageNo)
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	return step.raw, step.err
}

type fakePublisher struct {
	metas []catalog.PageMeta
}

func (p *fakePublisher) PublishPageSaved(_ context.Context, meta catalog.PageMeta) error {
	p.metas = append(p.metas, meta)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func productPage(nextOffset int64, hasMore bool) catalog.RawPage {
	payload := fmt.Sprintf(
		`{"data":{"widgets":[{"widgetInfo":{"widgetType":"PRODUCT_LIST"},"data":[{"product_id":"p1","variations":[{"id":"v1"}]}]}],"hasMore":%t,"offset":%d}}`,
		hasMore, nextOffset)
	return catalog.RawPage{
		StatusCode: 200,
		Payload:    json.RawMessage(payload),
		HasMore:    hasMore,
		NextOffset: nextOffset,
	}
}

func throttledPage() catalog.RawPage {
	return catalog.RawPage{StatusCode: 429, Payload: json.RawMessage(`{}`)}
}

func corruptPage() catalog.RawPage {
	return catalog.RawPage{StatusCode: 200, Payload: json.RawMessage(`{"statusCode":"ERR_NON_2XX_3XX_RESPONSE"}`)}
}

func newController(t *testing.T, cfg Config, pub catalog.Publisher) (*Controller, *store.FileStore, *fakeClock) {
	t.Helper()
	st, err := store.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	clk := &fakeClock{}
	return New(st, guard.New(guard.Config{}), clk, pub, cfg, zap.NewNop()), st, clk
}

func target() catalog.CrawlTarget {
	return catalog.CrawlTarget{
		ID:          "cat-1",
		DisplayName: "Dairy",
		Kind:        catalog.KindCategory,
		Strategy:    catalog.StrategyDirect,
	}
}

func TestRunHappyPath(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	ctrl, st, _ := newController(t, Config{}, pub)

	fetcher := &fakeFetcher{steps: []fetchStep{
		{raw: productPage(50, true)},
		{raw: productPage(100, true)},
		{raw: productPage(0, false)},
	}}

	res, err := ctrl.Run(context.Background(), target(), fetcher)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusComplete, res.Status)
	require.Equal(t, 3, res.PagesFetched)

	require.Equal(t, []catalog.Cursor{
		{PageNo: 0, Offset: 0},
		{PageNo: 1, Offset: 50},
		{PageNo: 2, Offset: 100},
	}, fetcher.cursors, "page 0 saved, page 1 requested with the returned offset")
	require.True(t, fetcher.closed)

	done, err := st.IsComplete(context.Background(), "cat-1")
	require.NoError(t, err)
	require.True(t, done)
	require.Len(t, pub.metas, 3)
	require.Equal(t, 2, pub.metas[2].PageNo)
}

func TestRunCompletionIdempotence(t *testing.T) {
	t.Parallel()

	ctrl, st, _ := newController(t, Config{}, nil)
	ctx := context.Background()

	fetcher := &fakeFetcher{steps: []fetchStep{{raw: productPage(0, false)}}}
	res, err := ctrl.Run(ctx, target(), fetcher)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusComplete, res.Status)

	done, err := st.IsComplete(ctx, "cat-1")
	require.NoError(t, err)
	require.True(t, done)

	again := &fakeFetcher{}
	res, err = ctrl.Run(ctx, target(), again)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusComplete, res.Status)
	require.Zero(t, res.PagesFetched)
	require.Empty(t, again.cursors, "completed targets must not fetch")
}

func TestRunResumesFromPersistedPoint(t *testing.T) {
	t.Parallel()

	ctrl, st, _ := newController(t, Config{}, nil)
	ctx := context.Background()

	// A prior run saved pages 0 and 1.
	for pageNo, next := range map[int]int64{0: 50, 1: 100} {
		require.NoError(t, st.SavePage(ctx, catalog.PageRecord{
			Meta: catalog.PageMeta{
				TargetID:   "cat-1",
				PageNo:     pageNo,
				NextOffset: next,
				HasMore:    true,
				Strategy:   catalog.StrategyDirect,
			},
			Payload: json.RawMessage(`{"data":{"widgets":[]}}`),
		}))
	}

	fetcher := &fakeFetcher{steps: []fetchStep{{raw: productPage(0, false)}}}
	res, err := ctrl.Run(ctx, target(), fetcher)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusComplete, res.Status)
	require.Equal(t, []catalog.Cursor{{PageNo: 2, Offset: 100}}, fetcher.cursors)
}

func TestRunRateLimitExhaustionFailsTarget(t *testing.T) {
	t.Parallel()

	ctrl, st, clk := newController(t, Config{MaxPageRetries: 3}, nil)

	fetcher := &fakeFetcher{steps: []fetchStep{
		{raw: throttledPage()},
		{raw: throttledPage()},
		{raw: throttledPage()},
		{raw: throttledPage()},
	}}

	res, err := ctrl.Run(context.Background(), target(), fetcher)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusFailed, res.Status)
	require.Contains(t, res.Reason, "rate limited")

	// Three backoffs before the budget runs out, each no shorter than the
	// previous.
	require.Len(t, clk.sleeps, 3)
	require.Equal(t, 15*time.Second, clk.sleeps[0])
	require.Equal(t, 30*time.Second, clk.sleeps[1])
	require.Equal(t, 60*time.Second, clk.sleeps[2])

	// The failure is persisted but does not mark the target complete.
	done, err := st.IsComplete(context.Background(), "cat-1")
	require.NoError(t, err)
	require.False(t, done)
}

func TestRunRateLimitRecovery(t *testing.T) {
	t.Parallel()

	ctrl, _, clk := newController(t, Config{MaxPageRetries: 3}, nil)

	fetcher := &fakeFetcher{steps: []fetchStep{
		{raw: throttledPage()},
		{raw: throttledPage()},
		{raw: productPage(50, true)},
		{raw: throttledPage()},
		{raw: productPage(0, false)},
	}}

	res, err := ctrl.Run(context.Background(), target(), fetcher)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusComplete, res.Status)
	require.Equal(t, 2, res.PagesFetched)

	// The consecutive counter reset after the first success: the fourth
	// attempt backs off from the base delay again.
	require.Equal(t, 15*time.Second, clk.sleeps[0])
	require.Equal(t, 30*time.Second, clk.sleeps[1])
	require.Equal(t, 15*time.Second, clk.sleeps[2])
}

func TestRunSessionCorruptionRestartsAndResumes(t *testing.T) {
	t.Parallel()

	ctrl, _, _ := newController(t, Config{MaxTargetRetries: 3}, nil)

	fetcher := &fakeFetcher{steps: []fetchStep{
		{raw: productPage(50, true)},
		{raw: corruptPage()},
		{raw: productPage(100, true)},
		{raw: productPage(0, false)},
	}}

	res, err := ctrl.Run(context.Background(), target(), fetcher)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusComplete, res.Status)
	require.Equal(t, 3, res.PagesFetched)
	require.Equal(t, 1, fetcher.restarts)

	// After the restart the controller re-derived the cursor from the
	// store: page 1 with page 0's next offset, not page 0 again.
	require.Equal(t, []catalog.Cursor{
		{PageNo: 0, Offset: 0},
		{PageNo: 1, Offset: 50},
		{PageNo: 1, Offset: 50},
		{PageNo: 2, Offset: 100},
	}, fetcher.cursors)
}

func TestRunSessionCorruptionBudgetExhausted(t *testing.T) {
	t.Parallel()

	ctrl, _, _ := newController(t, Config{MaxTargetRetries: 2}, nil)

	fetcher := &fakeFetcher{steps: []fetchStep{
		{raw: corruptPage()},
		{raw: corruptPage()},
		{raw: corruptPage()},
	}}

	res, err := ctrl.Run(context.Background(), target(), fetcher)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusFailed, res.Status)
	require.Contains(t, res.Reason, "session corrupt")
	require.Equal(t, 2, fetcher.restarts)
}

func TestRunStatelessCorruptTreatedAsThrottle(t *testing.T) {
	t.Parallel()

	ctrl, _, _ := newController(t, Config{MaxTargetRetries: 5}, nil)

	fetcher := &statelessFetcher{steps: []fetchStep{
		{raw: corruptPage()},
		{raw: productPage(0, false)},
	}}

	res, err := ctrl.Run(context.Background(), target(), fetcher)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusComplete, res.Status)
	require.Equal(t, 1, res.PagesFetched)
}

func TestRunRenderedEndOfListRecordsExplicitCompletion(t *testing.T) {
	t.Parallel()

	ctrl, st, _ := newController(t, Config{}, nil)

	fetcher := &fakeFetcher{steps: []fetchStep{
		{raw: productPage(50, true)},
		{raw: catalog.RawPage{EndOfList: true}},
	}}

	tgt := target()
	tgt.Strategy = catalog.StrategyRendered
	res, err := ctrl.Run(context.Background(), tgt, fetcher)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusComplete, res.Status)
	require.Equal(t, 1, res.PagesFetched)

	// The last saved page still says hasMore=true; completion comes from
	// the explicit state record.
	done, err := st.IsComplete(context.Background(), "cat-1")
	require.NoError(t, err)
	require.True(t, done)
}

func TestRunZeroItemFirstPageCompletes(t *testing.T) {
	t.Parallel()

	ctrl, st, _ := newController(t, Config{}, nil)

	// Structure delivered, sidebar present, no product widgets, no hasMore
	// flag: a legitimately empty listing, not throttling.
	payload := `{"data":{"categories":[{"id":"cat-2","displayName":"Snacks"}],"widgets":[]}}`
	fetcher := &fakeFetcher{steps: []fetchStep{
		{raw: catalog.RawPage{StatusCode: 200, Payload: json.RawMessage(payload), HasMore: false}},
	}}

	res, err := ctrl.Run(context.Background(), target(), fetcher)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusComplete, res.Status)
	require.Equal(t, 1, res.PagesFetched)

	done, err := st.IsComplete(context.Background(), "cat-1")
	require.NoError(t, err)
	require.True(t, done)
}

func TestRunCancellationSurfaces(t *testing.T) {
	t.Parallel()

	ctrl, _, _ := newController(t, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetcher := &fakeFetcher{steps: []fetchStep{{err: context.Canceled}}}
	_, err := ctrl.Run(ctx, target(), fetcher)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunSilentSessionFailsInsteadOfCompleting(t *testing.T) {
	t.Parallel()

	ctrl, st, clk := newController(t, Config{}, nil)

	// A rendered session that never serves a payload surfaces fetch errors,
	// not end-of-list. The target must exhaust its retries and fail; it must
	// never be recorded complete with zero pages.
	noExchanges := errors.New("cat-1: no listing exchanges observed for session")
	fetcher := &fakeFetcher{steps: []fetchStep{
		{err: noExchanges},
		{err: noExchanges},
		{err: noExchanges},
		{err: noExchanges},
	}}

	res, err := ctrl.Run(context.Background(), target(), fetcher)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusFailed, res.Status)
	require.Zero(t, res.PagesFetched)
	require.Len(t, clk.sleeps, 3)

	done, err := st.IsComplete(context.Background(), "cat-1")
	require.NoError(t, err)
	require.False(t, done, "a silent session must stay re-crawlable")
}
