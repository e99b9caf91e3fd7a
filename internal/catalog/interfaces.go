package catalog

import (
	"context"
	"time"
)

// Fetcher retrieves one page of a target's listing. Implementations may be
// stateless per call (direct HTTP) or hold a per-target session (rendered
// browser); either way a single target's pages are fetched sequentially by
// one goroutine.
type Fetcher interface {
	FetchPage(ctx context.Context, target CrawlTarget, cursor Cursor) (RawPage, error)
}

// Restarter is implemented by fetchers whose session can corrupt. Restart
// discards all per-target session state and establishes a fresh one,
// carrying nothing over.
type Restarter interface {
	Restart(ctx context.Context, target CrawlTarget) error
}

// SessionCloser releases a fetcher's per-target resources once the target
// reaches a terminal state.
type SessionCloser interface {
	CloseSession(target CrawlTarget)
}

// PageStore is the persistent record of crawl progress. All completeness and
// resume decisions are answered from it, never from in-memory state.
type PageStore interface {
	// SavePage persists a page record. It returns an error if a record for
	// (target, page) already exists; saved pages are immutable.
	SavePage(ctx context.Context, rec PageRecord) error
	// ListPages returns all saved page metadata for a target, sorted by
	// ascending page number.
	ListPages(ctx context.Context, targetID string) ([]PageMeta, error)
	// LoadPage returns the full saved record for one page. A page that was
	// never saved is reported with an error wrapping fs.ErrNotExist; any
	// other error is a real read or decode failure.
	LoadPage(ctx context.Context, targetID string, pageNo int) (PageRecord, error)
	// NextPage computes the resume position for a target from its saved
	// pages: the first missing page number in the contiguous sequence and
	// the request offset recovered from its predecessor.
	NextPage(ctx context.Context, targetID string) (Cursor, error)
	// IsComplete reports whether a target is fully crawled.
	IsComplete(ctx context.Context, targetID string) (bool, error)
	// SaveTargetState records a terminal disposition for a target.
	SaveTargetState(ctx context.Context, st TargetState) error
	// SaveDiscoveryBatch persists one harvest of discovered items.
	SaveDiscoveryBatch(ctx context.Context, batch DiscoveryBatch) error
	// SaveEntity persists a merged entity record, overwriting any previous
	// version (entities, unlike pages, are merge targets).
	SaveEntity(ctx context.Context, rec EntityRecord) error
	// ListEntities returns all persisted entity records.
	ListEntities(ctx context.Context) ([]EntityRecord, error)
}

// BlobStore mirrors saved documents to an object store.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Publisher emits a page-saved event for downstream consumers.
type Publisher interface {
	PublishPageSaved(ctx context.Context, meta PageMeta) error
	Close() error
}

// EntitySink receives merged entity records, typically a relational upsert.
type EntitySink interface {
	UpsertEntity(ctx context.Context, rec EntityRecord) error
}

// Clock abstracts wall time so pagination delays are testable.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces identifiers for runs and discovery batches.
type IDGenerator interface {
	NewID() string
}
