package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gridmart/catalog-crawler/internal/catalog"
)

// DirectFetcher retrieves listing pages with plain HTTP requests. It holds
// no per-target state: every page is an independent GET addressed by the
// target id and the cursor.
type DirectFetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	limiter       *rate.Limiter
	logger        *zap.Logger
}

// NewDirectFetcher constructs a colly-backed fetcher with a shared transport
// and a global request-rate budget.
func NewDirectFetcher(cfg Config, logger *zap.Logger) (*DirectFetcher, error) {
	cfg = cfg.withDefaults()
	if cfg.Endpoint == "" {
		return nil, errors.New("listing endpoint is required")
	}

	base := colly.NewCollector(
		colly.Async(true),
		colly.UserAgent(cfg.UserAgent),
	)
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)

	return &DirectFetcher{
		cfg:           cfg,
		baseCollector: base,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		logger:        logger,
	}, nil
}

// FetchPage issues one listing request for the cursor position.
func (f *DirectFetcher) FetchPage(ctx context.Context, target catalog.CrawlTarget, cursor catalog.Cursor) (catalog.RawPage, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return catalog.RawPage{}, fmt.Errorf("request pacing: %w", err)
	}

	reqURL, err := f.listingURL(target, cursor)
	if err != nil {
		return catalog.RawPage{}, err
	}

	collector := f.baseCollector.Clone()
	resultCh := make(chan directResult, 1)
	var once sync.Once
	send := func(res directResult) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
	})
	collector.OnResponse(func(r *colly.Response) {
		send(directResult{
			status: r.StatusCode,
			body:   append([]byte(nil), r.Body...),
		})
	})
	collector.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		status := 0
		var body []byte
		if r != nil {
			status = r.StatusCode
			body = append([]byte(nil), r.Body...)
		}
		send(directResult{status: status, body: body, err: err})
	})

	if err := collector.Visit(reqURL); err != nil {
		return catalog.RawPage{}, fmt.Errorf("visit listing endpoint: %w", err)
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return catalog.RawPage{}, err
		}
		if res.err != nil {
			// Rate-limit statuses surface through colly as errors with the
			// response attached; hand the status to the classifier instead
			// of failing the fetch.
			if res.status != 0 {
				f.logger.Debug("listing request errored with status",
					zap.String("target_id", target.ID),
					zap.Int("status", res.status),
					zap.Error(res.err))
				return catalog.RawPage{StatusCode: res.status, Payload: res.body}, nil
			}
			return catalog.RawPage{}, res.err
		}
		raw := catalog.RawPage{StatusCode: res.status, Payload: res.body}
		raw.HasMore, raw.NextOffset = paginationHints(res.body, cursor)
		return raw, nil
	default:
		return catalog.RawPage{}, errors.New("listing fetch produced no result")
	}
}

func (f *DirectFetcher) listingURL(target catalog.CrawlTarget, cursor catalog.Cursor) (string, error) {
	u, err := url.Parse(f.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse listing endpoint: %w", err)
	}
	q := u.Query()
	switch target.Kind {
	case catalog.KindFilter:
		q.Set("filterName", target.DisplayName)
		q.Set("filterId", target.ID)
		if target.RenderParams.FilterType != "" {
			q.Set("type", target.RenderParams.FilterType)
		}
		q.Set("categoryName", target.ParentID)
	default:
		q.Set("categoryName", target.DisplayName)
	}
	if f.cfg.StoreID != "" {
		q.Set("storeId", f.cfg.StoreID)
	}
	q.Set("offset", strconv.FormatInt(cursor.Offset, 10))
	q.Set("pageNo", strconv.Itoa(cursor.PageNo))
	q.Set("limit", strconv.Itoa(f.cfg.PageSize))
	if t := target.RenderParams.TaxonomyType; t != "" {
		q.Set("taxonomyType", t)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type directResult struct {
	status int
	body   []byte
	err    error
}

var _ catalog.Fetcher = (*DirectFetcher)(nil)
