package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridmart/catalog-crawler/internal/catalog"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func pageRec(targetID string, pageNo int, nextOffset int64, hasMore bool) catalog.PageRecord {
	return catalog.PageRecord{
		Meta: catalog.PageMeta{
			TargetID:   targetID,
			PageNo:     pageNo,
			Offset:     int64(pageNo) * 50,
			NextOffset: nextOffset,
			HasMore:    hasMore,
			FetchedAt:  time.Now().UTC(),
			Strategy:   catalog.StrategyDirect,
		},
		Payload: json.RawMessage(`{"data":{"widgets":[]}}`),
	}
}

func TestSavePageRefusesOverwrite(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePage(ctx, pageRec("cat-1", 0, 50, true)))
	err := s.SavePage(ctx, pageRec("cat-1", 0, 50, true))
	require.ErrorIs(t, err, ErrPageExists)
}

func TestNextPageFreshTarget(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	cur, err := s.NextPage(context.Background(), "unseen")
	require.NoError(t, err)
	require.Equal(t, catalog.Cursor{PageNo: 0, Offset: 0}, cur)
}

func TestNextPageResumesAfterContiguousPrefix(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePage(ctx, pageRec("cat-1", 0, 50, true)))
	require.NoError(t, s.SavePage(ctx, pageRec("cat-1", 1, 100, true)))
	require.NoError(t, s.SavePage(ctx, pageRec("cat-1", 2, 150, true)))

	cur, err := s.NextPage(ctx, "cat-1")
	require.NoError(t, err)
	require.Equal(t, catalog.Cursor{PageNo: 3, Offset: 150}, cur)
}

func TestNextPageFindsGap(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePage(ctx, pageRec("cat-1", 0, 50, true)))
	require.NoError(t, s.SavePage(ctx, pageRec("cat-1", 1, 100, true)))
	require.NoError(t, s.SavePage(ctx, pageRec("cat-1", 3, 200, true)))

	cur, err := s.NextPage(ctx, "cat-1")
	require.NoError(t, err)
	require.Equal(t, catalog.Cursor{PageNo: 2, Offset: 100}, cur, "gap at 2 resumes with page 1's next offset")
}

func TestIsComplete(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	done, err := s.IsComplete(ctx, "cat-1")
	require.NoError(t, err)
	require.False(t, done, "no pages means not complete")

	require.NoError(t, s.SavePage(ctx, pageRec("cat-1", 0, 50, true)))
	done, err = s.IsComplete(ctx, "cat-1")
	require.NoError(t, err)
	require.False(t, done)

	require.NoError(t, s.SavePage(ctx, pageRec("cat-1", 1, 0, false)))
	done, err = s.IsComplete(ctx, "cat-1")
	require.NoError(t, err)
	require.True(t, done, "highest page hasMore=false")
}

func TestIsCompleteIgnoresTailAfterGap(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePage(ctx, pageRec("cat-1", 0, 50, true)))
	require.NoError(t, s.SavePage(ctx, pageRec("cat-1", 2, 0, false)))

	done, err := s.IsComplete(ctx, "cat-1")
	require.NoError(t, err)
	require.False(t, done, "a gap breaks the contiguous prefix")
}

func TestIsCompleteHonorsExplicitState(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePage(ctx, pageRec("cat-1", 0, 50, true)))
	require.NoError(t, s.SaveTargetState(ctx, catalog.TargetState{
		TargetID:   "cat-1",
		Status:     catalog.StatusComplete,
		Reason:     "no further exchanges",
		RecordedAt: time.Now().UTC(),
	}))

	done, err := s.IsComplete(ctx, "cat-1")
	require.NoError(t, err)
	require.True(t, done)
}

func TestFailedStateDoesNotBlockResume(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePage(ctx, pageRec("cat-1", 0, 50, true)))
	require.NoError(t, s.SaveTargetState(ctx, catalog.TargetState{
		TargetID: "cat-1",
		Status:   catalog.StatusFailed,
		Reason:   "retry budget exhausted",
	}))

	done, err := s.IsComplete(ctx, "cat-1")
	require.NoError(t, err)
	require.False(t, done)

	cur, err := s.NextPage(ctx, "cat-1")
	require.NoError(t, err)
	require.Equal(t, catalog.Cursor{PageNo: 1, Offset: 50}, cur)
}

func TestSaveAndListEntities(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	mrp := 120.0
	require.NoError(t, s.SaveEntity(ctx, catalog.EntityRecord{
		EntityID:      "var-2",
		DisplayName:   "Oat Milk 1L",
		Price:         catalog.Price{MRP: &mrp},
		SourceTargets: []string{"cat-1"},
	}))
	require.NoError(t, s.SaveEntity(ctx, catalog.EntityRecord{
		EntityID:      "var-1",
		DisplayName:   "Almond Milk 1L",
		SourceTargets: []string{"cat-1"},
	}))

	recs, err := s.ListEntities(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "var-1", recs[0].EntityID, "sorted by entity id")
	require.Equal(t, "var-2", recs[1].EntityID)
}

func TestSaveDiscoveryBatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.SaveDiscoveryBatch(ctx, catalog.DiscoveryBatch{
		BatchID:        "batch-1",
		SourceTargetID: "cat-1",
		Items: []catalog.DiscoveredItem{
			{Type: catalog.DiscoveredRelatedCategory, ID: "cat-2", Name: "Snacks"},
		},
	}))

	data, err := os.ReadFile(filepath.Join(dir, "discovered", "batch-1.json"))
	require.NoError(t, err)
	var batch catalog.DiscoveryBatch
	require.NoError(t, json.Unmarshal(data, &batch))
	require.Equal(t, "cat-1", batch.SourceTargetID)
	require.Len(t, batch.Items, 1)
}

type fakeMirror struct {
	keys []string
}

func (f *fakeMirror) Put(_ context.Context, key string, _ []byte, _ string) error {
	f.keys = append(f.keys, key)
	return nil
}

func TestMirrorReceivesSavedPages(t *testing.T) {
	t.Parallel()

	mirror := &fakeMirror{}
	s, err := New(t.TempDir(), zap.NewNop(), WithMirror(mirror))
	require.NoError(t, err)

	require.NoError(t, s.SavePage(context.Background(), pageRec("cat-1", 0, 50, true)))
	require.Equal(t, []string{"targets/cat-1/page_0.json"}, mirror.keys)
}
