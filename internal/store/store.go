// Package store persists crawl progress as JSON documents on the local
// filesystem. The on-disk layout is the engine's durable interface: every
// completeness and resume decision is answered from it, so a process restart
// loses nothing but in-flight fetches.
//
// Layout under the root directory:
//
//	targets/<targetID>/page_<n>.json   one immutable document per saved page
//	targets/<targetID>/state.json      terminal disposition (failed or an
//	                                   explicit completion marker)
//	discovered/<batchID>.json          one document per discovery harvest
//	products/<entityID>.json           merged entity records
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/gridmart/catalog-crawler/internal/catalog"
)

// ErrPageExists is returned when a save would overwrite an existing page.
var ErrPageExists = errors.New("page record already exists")

// FileStore implements catalog.PageStore over a directory tree. Writers on
// different targets never touch the same files; the store adds no locking
// beyond what the scheduler's one-worker-per-target rule already provides.
type FileStore struct {
	root   string
	mirror catalog.BlobStore
	logger *zap.Logger
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithMirror copies every saved page document to a blob store after the
// local write succeeds. Mirror failures are logged, not fatal.
func WithMirror(b catalog.BlobStore) Option {
	return func(s *FileStore) { s.mirror = b }
}

// New returns a store rooted at dir, creating it if needed.
func New(root string, logger *zap.Logger, opts ...Option) (*FileStore, error) {
	for _, sub := range []string{"targets", "discovered", "products"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o750); err != nil {
			return nil, fmt.Errorf("create store dir %s: %w", sub, err)
		}
	}
	s := &FileStore{root: root, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FileStore) targetDir(targetID string) string {
	return filepath.Join(s.root, "targets", sanitize(targetID))
}

func (s *FileStore) pagePath(targetID string, pageNo int) string {
	return filepath.Join(s.targetDir(targetID), fmt.Sprintf("page_%d.json", pageNo))
}

func (s *FileStore) statePath(targetID string) string {
	return filepath.Join(s.targetDir(targetID), "state.json")
}

// SavePage persists one page record. Pages are immutable: a second save for
// the same (target, page) fails with ErrPageExists.
func (s *FileStore) SavePage(ctx context.Context, rec catalog.PageRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	path := s.pagePath(rec.Meta.TargetID, rec.Meta.PageNo)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s page %d: %w", rec.Meta.TargetID, rec.Meta.PageNo, ErrPageExists)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating target dir for %s: %w", path, err)
	}
	payload, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal page record: %w", err)
	}
	if err := writeExclusive(path, payload); err != nil {
		return err
	}
	if s.mirror != nil {
		key := fmt.Sprintf("targets/%s/page_%d.json", sanitize(rec.Meta.TargetID), rec.Meta.PageNo)
		if err := s.mirror.Put(ctx, key, payload, "application/json"); err != nil {
			s.logger.Warn("page mirror failed",
				zap.String("target_id", rec.Meta.TargetID),
				zap.Int("page_no", rec.Meta.PageNo),
				zap.Error(err))
		}
	}
	return nil
}

// writeExclusive creates the file with O_EXCL so two racing writers cannot
// both claim the same page.
func writeExclusive(path string, payload []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s: %w", path, ErrPageExists)
		}
		return fmt.Errorf("create %s: %w", path, err)
	}
	_, werr := f.Write(payload)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("write %s: %w", path, werr)
	}
	if cerr != nil {
		return fmt.Errorf("close %s: %w", path, cerr)
	}
	return nil
}

// ListPages returns saved page metadata for a target, sorted by page number.
func (s *FileStore) ListPages(ctx context.Context, targetID string) ([]catalog.PageMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context canceled: %w", err)
	}
	entries, err := os.ReadDir(s.targetDir(targetID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list pages for %s: %w", targetID, err)
	}
	var metas []catalog.PageMeta
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "page_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := s.readPage(filepath.Join(s.targetDir(targetID), name))
		if err != nil {
			s.logger.Warn("skipping unreadable page document",
				zap.String("target_id", targetID),
				zap.String("file", name),
				zap.Error(err))
			continue
		}
		metas = append(metas, rec.Meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].PageNo < metas[j].PageNo })
	return metas, nil
}

// LoadPage returns the full record for one saved page.
func (s *FileStore) LoadPage(ctx context.Context, targetID string, pageNo int) (catalog.PageRecord, error) {
	if err := ctx.Err(); err != nil {
		return catalog.PageRecord{}, fmt.Errorf("context canceled: %w", err)
	}
	return s.readPage(s.pagePath(targetID, pageNo))
}

func (s *FileStore) readPage(path string) (catalog.PageRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return catalog.PageRecord{}, fmt.Errorf("read page %s: %w", path, err)
	}
	var rec catalog.PageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return catalog.PageRecord{}, fmt.Errorf("decode page %s: %w", path, err)
	}
	return rec, nil
}

// NextPage computes the resume position: the first gap in the contiguous
// page sequence, with the request offset recovered from the preceding
// page's NextOffset.
func (s *FileStore) NextPage(ctx context.Context, targetID string) (catalog.Cursor, error) {
	metas, err := s.ListPages(ctx, targetID)
	if err != nil {
		return catalog.Cursor{}, err
	}
	for i, m := range metas {
		if m.PageNo != i {
			if i == 0 {
				return catalog.Cursor{PageNo: 0, Offset: 0}, nil
			}
			return catalog.Cursor{PageNo: i, Offset: metas[i-1].NextOffset}, nil
		}
	}
	if len(metas) == 0 {
		return catalog.Cursor{PageNo: 0, Offset: 0}, nil
	}
	last := metas[len(metas)-1]
	return catalog.Cursor{PageNo: last.PageNo + 1, Offset: last.NextOffset}, nil
}

// IsComplete reports whether a target is fully crawled: either its highest
// saved page says hasMore=false, or an explicit completion state record
// exists (rendered targets whose end of list is exchange silence).
func (s *FileStore) IsComplete(ctx context.Context, targetID string) (bool, error) {
	st, err := s.loadState(targetID)
	if err != nil {
		return false, err
	}
	if st != nil && st.Status == catalog.StatusComplete {
		return true, nil
	}
	metas, err := s.ListPages(ctx, targetID)
	if err != nil {
		return false, err
	}
	if len(metas) == 0 {
		return false, nil
	}
	// A gap means the tail pages belong to an older, differently-paginated
	// run; completeness requires the contiguous prefix to reach the end.
	for i, m := range metas {
		if m.PageNo != i {
			return false, nil
		}
	}
	return !metas[len(metas)-1].HasMore, nil
}

// SaveTargetState records a terminal disposition. Unlike pages, state is
// overwritten: a re-run may replace a stale failure record.
func (s *FileStore) SaveTargetState(ctx context.Context, st catalog.TargetState) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	if err := os.MkdirAll(s.targetDir(st.TargetID), 0o750); err != nil {
		return fmt.Errorf("creating target dir: %w", err)
	}
	payload, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal target state: %w", err)
	}
	if err := os.WriteFile(s.statePath(st.TargetID), payload, 0o600); err != nil {
		return fmt.Errorf("write target state: %w", err)
	}
	return nil
}

func (s *FileStore) loadState(targetID string) (*catalog.TargetState, error) {
	data, err := os.ReadFile(s.statePath(targetID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read target state: %w", err)
	}
	var st catalog.TargetState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode target state: %w", err)
	}
	return &st, nil
}

// SaveDiscoveryBatch persists one harvest of discovered items.
func (s *FileStore) SaveDiscoveryBatch(ctx context.Context, batch catalog.DiscoveryBatch) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	payload, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal discovery batch: %w", err)
	}
	path := filepath.Join(s.root, "discovered", sanitize(batch.BatchID)+".json")
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return fmt.Errorf("write discovery batch: %w", err)
	}
	return nil
}

// SaveEntity persists a merged entity record, replacing any prior version.
func (s *FileStore) SaveEntity(ctx context.Context, rec catalog.EntityRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	payload, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}
	path := filepath.Join(s.root, "products", sanitize(rec.EntityID)+".json")
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return fmt.Errorf("write entity: %w", err)
	}
	return nil
}

// ListEntities loads every persisted entity record.
func (s *FileStore) ListEntities(ctx context.Context) ([]catalog.EntityRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context canceled: %w", err)
	}
	dir := filepath.Join(s.root, "products")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list entities: %w", err)
	}
	var recs []catalog.EntityRecord
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read entity %s: %w", e.Name(), err)
		}
		var rec catalog.EntityRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("skipping undecodable entity document",
				zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].EntityID < recs[j].EntityID })
	return recs, nil
}

// ListTargetIDs returns every target id with at least one saved document.
func (s *FileStore) ListTargetIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context canceled: %w", err)
	}
	entries, err := os.ReadDir(filepath.Join(s.root, "targets"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list targets: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// sanitize keeps target and batch ids filesystem-safe.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

var _ catalog.PageStore = (*FileStore)(nil)
