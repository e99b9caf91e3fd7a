package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/gridmart/catalog-crawler/internal/catalog"
)

// listingExchangePath identifies the XHR the storefront issues when the
// product grid loads another page.
const listingExchangePath = "category-listing/filter"

// initialStateJS extracts the server-rendered listing state embedded in the
// document. Returns an empty string when the page carries none.
const initialStateJS = `(() => {
	const s = window.___INITIAL_STATE___;
	if (!s) return "";
	const l = (s.instamart && s.instamart.categoryListing) || s.categoryListing || null;
	return l ? JSON.stringify(l) : "";
})()`

// ErrNoExchanges is returned when a session went silent without ever serving
// a single listing payload; the distinction from end-of-list matters to the
// classifier.
var ErrNoExchanges = errors.New("no listing exchanges observed for session")

// RenderedFetcher drives one headless browser tab per target. Page 0 comes
// from the document's initial state; later pages are triggered by scroll
// gestures and captured off the network event stream. Waits are correlated
// by exchange arrival, not wall-clock hope.
type RenderedFetcher struct {
	cfg    Config
	logger *zap.Logger

	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	tabCtx context.Context
	cancel context.CancelFunc
	// exchanges buffers captured listing payloads; a navigation can trigger
	// an exchange before the controller asks for it.
	exchanges chan []byte
	// served counts payloads this session has handed to the controller,
	// initial-state page 0 included.
	served atomic.Int64
}

// finishPage resolves exchange silence once the scroll attempts are spent.
// Silence is end-of-list only after the session served at least one payload;
// a session that never produced anything (a blocked interstitial, a broken
// resume) is a fetch failure and must not complete the target.
func (sess *session) finishPage(targetID string) (catalog.RawPage, error) {
	if sess.served.Load() == 0 {
		return catalog.RawPage{}, fmt.Errorf("%s: %w", targetID, ErrNoExchanges)
	}
	return catalog.RawPage{EndOfList: true}, nil
}

// NewRenderedFetcher starts a browser allocator shared by all sessions.
func NewRenderedFetcher(cfg Config, logger *zap.Logger) (*RenderedFetcher, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, errors.New("storefront base url is required")
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(cfg.UserAgent),
	)
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &RenderedFetcher{
		cfg:             cfg,
		logger:          logger,
		allocatorCtx:    allocatorCtx,
		allocatorCancel: allocatorCancel,
		sessions:        make(map[string]*session),
	}, nil
}

// Close tears down every session and the browser allocator.
func (f *RenderedFetcher) Close() {
	f.mu.Lock()
	for id, sess := range f.sessions {
		sess.cancel()
		delete(f.sessions, id)
	}
	f.mu.Unlock()
	f.allocatorCancel()
}

// CloseSession releases the target's browser tab.
func (f *RenderedFetcher) CloseSession(target catalog.CrawlTarget) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess, ok := f.sessions[target.Key()]; ok {
		sess.cancel()
		delete(f.sessions, target.Key())
	}
}

// Restart discards the target's session and opens a fresh one, carrying
// nothing over. Prior persisted pages are unaffected.
func (f *RenderedFetcher) Restart(ctx context.Context, target catalog.CrawlTarget) error {
	f.CloseSession(target)
	_, err := f.session(ctx, target)
	return err
}

// FetchPage returns the next listing page for the cursor position.
func (f *RenderedFetcher) FetchPage(ctx context.Context, target catalog.CrawlTarget, cursor catalog.Cursor) (catalog.RawPage, error) {
	sess, err := f.session(ctx, target)
	if err != nil {
		return catalog.RawPage{}, err
	}

	// A prior navigation or scroll may already have produced the payload.
	if payload, ok := drain(sess.exchanges); ok {
		return f.rawPage(sess, payload, cursor), nil
	}

	if cursor.PageNo == 0 {
		payload, err := f.readInitialState(ctx, sess)
		if err != nil {
			return catalog.RawPage{}, err
		}
		if payload != nil {
			return f.rawPage(sess, payload, cursor), nil
		}
		// No embedded state; fall through and let a gesture trigger the
		// first exchange.
	}

	for attempt := 0; attempt < f.cfg.ScrollAttempts; attempt++ {
		if err := f.scrollGesture(ctx, sess); err != nil {
			return catalog.RawPage{}, err
		}
		select {
		case payload := <-sess.exchanges:
			return f.rawPage(sess, payload, cursor), nil
		case <-time.After(f.cfg.ExchangeWait):
		case <-ctx.Done():
			return catalog.RawPage{}, ctx.Err()
		}
	}

	return sess.finishPage(target.ID)
}

func (f *RenderedFetcher) rawPage(sess *session, payload []byte, cursor catalog.Cursor) catalog.RawPage {
	sess.served.Add(1)
	raw := catalog.RawPage{StatusCode: 200, Payload: payload}
	raw.HasMore, raw.NextOffset = paginationHints(payload, cursor)
	return raw
}

// session returns the target's live session, creating and navigating one if
// needed.
func (f *RenderedFetcher) session(ctx context.Context, target catalog.CrawlTarget) (*session, error) {
	f.mu.Lock()
	if sess, ok := f.sessions[target.Key()]; ok {
		f.mu.Unlock()
		return sess, nil
	}
	f.mu.Unlock()

	tabCtx, cancelTab := chromedp.NewContext(f.allocatorCtx)
	sess := &session{
		tabCtx:    tabCtx,
		cancel:    cancelTab,
		exchanges: make(chan []byte, 16),
	}
	f.captureExchanges(sess)

	navCtx, cancelNav := context.WithTimeout(tabCtx, f.cfg.NavigateTimeout)
	defer cancelNav()
	stopForward := forwardCancel(ctx, cancelNav)
	defer stopForward()

	tasks := chromedp.Tasks{
		network.Enable(),
		chromedp.Navigate(f.targetURL(target)),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if err := chromedp.Run(navCtx, tasks); err != nil {
		cancelTab()
		return nil, fmt.Errorf("navigate %s: %w", target.ID, err)
	}

	f.mu.Lock()
	f.sessions[target.Key()] = sess
	f.mu.Unlock()

	f.logger.Debug("rendered session opened",
		zap.String("target_id", target.ID),
		zap.String("kind", string(target.Kind)))
	return sess, nil
}

func (f *RenderedFetcher) targetURL(target catalog.CrawlTarget) string {
	link := target.RenderParams.Deeplink
	if link == "" {
		link = "/category-listing?categoryName=" + target.ID
	}
	if strings.HasPrefix(link, "http://") || strings.HasPrefix(link, "https://") {
		return link
	}
	return strings.TrimSuffix(f.cfg.BaseURL, "/") + "/" + strings.TrimPrefix(link, "/")
}

// captureExchanges wires the CDP listener that pairs response events with
// their finished bodies and buffers matching listing payloads.
func (f *RenderedFetcher) captureExchanges(sess *session) {
	pending := make(map[network.RequestID]bool)
	var mu sync.Mutex

	chromedp.ListenTarget(sess.tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			if !strings.Contains(e.Response.URL, listingExchangePath) {
				return
			}
			mu.Lock()
			pending[e.RequestID] = true
			mu.Unlock()
		case *network.EventLoadingFinished:
			mu.Lock()
			matched := pending[e.RequestID]
			delete(pending, e.RequestID)
			mu.Unlock()
			if !matched {
				return
			}
			// Body retrieval must not run on the event goroutine.
			go f.fetchBody(sess, e.RequestID)
		}
	})
}

func (f *RenderedFetcher) fetchBody(sess *session, id network.RequestID) {
	c := chromedp.FromContext(sess.tabCtx)
	if c == nil {
		return
	}
	body, err := network.GetResponseBody(id).Do(cdp.WithExecutor(sess.tabCtx, c.Target))
	if err != nil {
		f.logger.Warn("listing exchange body unavailable", zap.Error(err))
		return
	}
	select {
	case sess.exchanges <- body:
	default:
		f.logger.Warn("exchange buffer full, dropping listing payload")
	}
}

// readInitialState pulls the server-rendered listing slice out of the
// document. Returns nil with no error when the page embeds none.
func (f *RenderedFetcher) readInitialState(ctx context.Context, sess *session) ([]byte, error) {
	evalCtx, cancel := context.WithTimeout(sess.tabCtx, f.cfg.RequestTimeout)
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	var stateJSON string
	if err := chromedp.Run(evalCtx, chromedp.Evaluate(initialStateJS, &stateJSON)); err != nil {
		return nil, fmt.Errorf("read initial state: %w", err)
	}
	if stateJSON == "" {
		return nil, nil
	}
	// Wrap the listing slice in the envelope shape the classifier and the
	// extractor expect from direct responses.
	return []byte(`{"data":` + stateJSON + `}`), nil
}

// scrollGesture nudges the page the way a user would: a viewport scroll plus
// a wheel event, which is what arms the grid's infinite-scroll trigger.
func (f *RenderedFetcher) scrollGesture(ctx context.Context, sess *session) error {
	gestureCtx, cancel := context.WithTimeout(sess.tabCtx, f.cfg.RequestTimeout)
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	tasks := chromedp.Tasks{
		chromedp.Evaluate(`window.scrollBy(0, Math.floor(window.innerHeight * 0.8))`, nil),
		input.DispatchMouseEvent(input.MouseWheel, 200, 300).
			WithDeltaX(0).
			WithDeltaY(480),
	}
	if err := chromedp.Run(gestureCtx, tasks); err != nil {
		return fmt.Errorf("scroll gesture: %w", err)
	}
	return nil
}

// forwardCancel propagates the caller's cancellation into a chromedp task
// context without tying the tab's lifetime to the caller.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func drain(ch chan []byte) ([]byte, bool) {
	select {
	case payload := <-ch:
		return payload, true
	default:
		return nil, false
	}
}

var (
	_ catalog.Fetcher       = (*RenderedFetcher)(nil)
	_ catalog.Restarter     = (*RenderedFetcher)(nil)
	_ catalog.SessionCloser = (*RenderedFetcher)(nil)
)
