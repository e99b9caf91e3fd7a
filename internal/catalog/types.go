package catalog

import (
	"encoding/json"
	"time"
)

// TargetKind identifies how a crawl target entered the system.
type TargetKind string

// Target kinds.
const (
	KindCategory   TargetKind = "category"
	KindFilter     TargetKind = "filter"
	KindDiscovered TargetKind = "discovered"
)

// FetchStrategy selects how a target's pages are obtained.
type FetchStrategy string

// Fetch strategies.
const (
	StrategyDirect   FetchStrategy = "direct"
	StrategyRendered FetchStrategy = "rendered"
)

// RenderParams carries the listing parameters a fetcher needs beyond the
// target id: the deeplink for rendered navigation, the filter coordinates for
// filter targets, and the taxonomy type the listing endpoint expects.
type RenderParams struct {
	Deeplink     string `json:"deeplink,omitempty"`
	FilterID     string `json:"filter_id,omitempty"`
	FilterType   string `json:"filter_type,omitempty"`
	TaxonomyType string `json:"taxonomy_type,omitempty"`
}

// CrawlTarget is one addressable paginated listing. Targets are append-only:
// created from the seed list or by discovery, never mutated or deleted.
// Identity is the (Kind, ID) pair.
type CrawlTarget struct {
	ID           string        `json:"id"`
	DisplayName  string        `json:"display_name"`
	Kind         TargetKind    `json:"kind"`
	ParentID     string        `json:"parent_id,omitempty"`
	Strategy     FetchStrategy `json:"strategy"`
	RenderParams RenderParams  `json:"render_params,omitempty"`
}

// Key returns the identity key for deduplication.
func (t CrawlTarget) Key() string {
	return string(t.Kind) + ":" + t.ID
}

// TargetStatus is the terminal state recorded for a target.
type TargetStatus string

// Target statuses persisted in per-target state records.
const (
	StatusComplete TargetStatus = "complete"
	StatusFailed   TargetStatus = "failed"
)

// PageMeta is the pagination bookkeeping stored alongside each page payload.
type PageMeta struct {
	TargetID   string        `json:"target_id"`
	PageNo     int           `json:"page_no"`
	Offset     int64         `json:"offset"`
	NextOffset int64         `json:"next_offset"`
	HasMore    bool          `json:"has_more"`
	FetchedAt  time.Time     `json:"fetched_at"`
	Strategy   FetchStrategy `json:"strategy"`
}

// PageRecord is persisted once per (target, page). Records are immutable:
// a page is never overwritten, and a corrupted attempt's pages are discarded
// wholesale rather than patched.
type PageRecord struct {
	Meta    PageMeta        `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

// TargetState records a target's terminal disposition: an error record when
// the retry budget is exhausted, or an explicit completion marker for rendered
// targets whose end-of-list is signalled by exchange silence rather than a
// hasMore=false page.
type TargetState struct {
	TargetID   string       `json:"target_id"`
	Status     TargetStatus `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	RecordedAt time.Time    `json:"recorded_at"`
}

// DiscoveredType classifies a discovery harvest item.
type DiscoveredType string

// Discovered item types.
const (
	DiscoveredRelatedCategory DiscoveredType = "related_category"
	DiscoveredFilter          DiscoveredType = "category_filter"
)

// DiscoveredItem is a sub-target reference harvested from a saved page.
type DiscoveredItem struct {
	Type           DiscoveredType `json:"type"`
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	ProductCount   int            `json:"product_count"`
	FilterType     string         `json:"filter_type,omitempty"`
	SourceTargetID string         `json:"source_target_id"`
}

// DiscoveryBatch groups the items harvested from one source target.
type DiscoveryBatch struct {
	BatchID        string           `json:"batch_id"`
	SourceTargetID string           `json:"source_target_id"`
	RecordedAt     time.Time        `json:"recorded_at"`
	Items          []DiscoveredItem `json:"items"`
}

// Price uses pointers so an absent value is distinguishable from zero; merge
// backfills nil fields only.
type Price struct {
	MRP        *float64 `json:"mrp,omitempty"`
	StorePrice *float64 `json:"store_price,omitempty"`
	OfferPrice *float64 `json:"offer_price,omitempty"`
	UnitLevel  string   `json:"unit_level_price,omitempty"`
}

// EntityRecord is one merged product. Created on first observation; later
// observations union SourceTargets and backfill absent attributes, never
// overwriting present ones.
type EntityRecord struct {
	EntityID      string   `json:"entity_id"`
	DisplayName   string   `json:"display_name,omitempty"`
	NameNoBrand   string   `json:"product_name_without_brand,omitempty"`
	Brand         string   `json:"brand,omitempty"`
	BrandID       string   `json:"brand_id,omitempty"`
	Images        []string `json:"images,omitempty"`
	Price         Price    `json:"price"`
	Quantity      string   `json:"quantity,omitempty"`
	UnitOfMeasure string   `json:"unit_of_measure,omitempty"`
	Category      string   `json:"category,omitempty"`
	SuperCategory string   `json:"super_category,omitempty"`
	SourceTargets []string `json:"source_targets"`
	// ImagesFetched is set once every image asset for this entity landed on
	// disk; the asset downloader skips flagged entities on re-runs.
	ImagesFetched bool `json:"images_fetched,omitempty"`
}

// ObservedFrom records a source target, keeping SourceTargets a set.
func (e *EntityRecord) ObservedFrom(targetID string) {
	for _, id := range e.SourceTargets {
		if id == targetID {
			return
		}
	}
	e.SourceTargets = append(e.SourceTargets, targetID)
}

// RetryState is the per-target transient retry bookkeeping. It is never
// persisted and resets to zero on every fully successful page fetch.
type RetryState struct {
	ConsecutiveRateLimits int
	AttemptCount          int
	TargetRetryCount      int
}

// Cursor is the pagination position passed to a fetcher: the page ordinal the
// controller expects next and the opaque offset recovered from the previous
// page's response.
type Cursor struct {
	PageNo int
	Offset int64
}

// RawPage is the raw result of one fetch attempt, before classification.
type RawPage struct {
	StatusCode int
	Payload    json.RawMessage
	HasMore    bool
	NextOffset int64
	// EndOfList marks a rendered fetch where the scroll gesture produced no
	// further listing exchange: the list is exhausted and there is no payload
	// to persist.
	EndOfList bool
}

// Outcome is the typed classification of a fetch attempt. Outcomes are
// returned, not thrown, so the pagination state machine's transition table is
// exhaustive and testable without fault injection.
type Outcome int

// Fetch outcomes.
const (
	OutcomeOK Outcome = iota
	OutcomeRateLimited
	OutcomeSessionCorrupt
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeSessionCorrupt:
		return "session_corrupt"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}
