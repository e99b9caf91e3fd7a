// Package memory contains an in-memory publisher for tests.
package memory

import (
	"context"
	"sync"

	"github.com/gridmart/catalog-crawler/internal/catalog"
)

// Publisher stores published page metas for inspection.
type Publisher struct {
	mu    sync.RWMutex
	metas []catalog.PageMeta
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// PublishPageSaved records the event.
func (p *Publisher) PublishPageSaved(_ context.Context, meta catalog.PageMeta) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metas = append(p.metas, meta)
	return nil
}

// Close is a no-op.
func (p *Publisher) Close() error { return nil }

// Metas returns a copy of the recorded events.
func (p *Publisher) Metas() []catalog.PageMeta {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]catalog.PageMeta, len(p.metas))
	copy(out, p.metas)
	return out
}

var _ catalog.Publisher = (*Publisher)(nil)
