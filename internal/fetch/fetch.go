// Package fetch implements the two page-retrieval strategies: a stateless
// direct HTTP fetcher against the listing JSON endpoint, and a rendered
// fetcher that drives a headless browser session and captures the listing
// exchanges the page issues while scrolling.
package fetch

import (
	"time"

	"github.com/gridmart/catalog-crawler/internal/catalog"
)

// Config carries the parameters shared by both strategies.
type Config struct {
	// Endpoint is the category-listing JSON endpoint for direct fetches.
	Endpoint string
	// BaseURL is the storefront origin rendered sessions navigate within.
	BaseURL string
	StoreID string
	// PageSize is the limit parameter sent on direct requests.
	PageSize  int
	UserAgent string

	RequestTimeout time.Duration
	// RatePerSecond bounds direct request pacing across all workers.
	RatePerSecond float64

	// Rendered session tuning.
	Headless        bool
	NavigateTimeout time.Duration
	// ExchangeWait bounds how long a scroll gesture waits for the listing
	// exchange it should trigger.
	ExchangeWait time.Duration
	// ScrollAttempts bounds gestures per page before the wait is declared
	// expired.
	ScrollAttempts int
}

// withDefaults fills zero values with working defaults.
func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 1
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 45 * time.Second
	}
	if c.ExchangeWait <= 0 {
		c.ExchangeWait = 10 * time.Second
	}
	if c.ScrollAttempts <= 0 {
		c.ScrollAttempts = 3
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"
	}
	return c
}

// paginationHints extracts the pagination fields from a delivered payload.
// A payload the envelope parser rejects yields zero hints; classification of
// such payloads belongs to the guard, not the fetcher.
func paginationHints(payload []byte, cursor catalog.Cursor) (hasMore bool, nextOffset int64) {
	env, err := catalog.ParseListing(payload)
	if err != nil || env.Data == nil {
		return false, cursor.Offset
	}
	hasMore = env.Data.HasMorePages()
	nextOffset = env.Data.Offset.Int64()
	if nextOffset <= cursor.Offset {
		nextOffset = cursor.Offset + int64(env.Data.ProductCount())
	}
	return hasMore, nextOffset
}
