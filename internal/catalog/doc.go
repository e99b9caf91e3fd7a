// Package catalog defines the core types and contracts shared across the
// crawl engine: targets, page records, discovery items, merged entities, and
// the interfaces that bind the fetchers, the persistent store, and the
// downstream publishers together.
package catalog
