package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridmart/catalog-crawler/internal/catalog"
)

func TestPublisherRecordsMetas(t *testing.T) {
	t.Parallel()

	pub := New()
	require.NoError(t, pub.PublishPageSaved(context.Background(), catalog.PageMeta{TargetID: "cat-1", PageNo: 0}))
	require.NoError(t, pub.PublishPageSaved(context.Background(), catalog.PageMeta{TargetID: "cat-1", PageNo: 1}))

	metas := pub.Metas()
	require.Len(t, metas, 2)
	require.Equal(t, 1, metas[1].PageNo)

	metas[0].TargetID = "modified"
	require.Equal(t, "cat-1", pub.Metas()[0].TargetID, "Metas returns a copy")
}
