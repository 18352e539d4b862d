package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sekai02/nvsstore/internal/page"
	"github.com/sekai02/nvsstore/internal/pagemgr"
	"github.com/sekai02/nvsstore/internal/partition"
	"github.com/sekai02/nvsstore/internal/sys"
)

func TestLocatorFindThenInvalidate(t *testing.T) {
	part := partition.NewMemPartition(sys.PageSize, 2)
	pm, err := pagemgr.Load(part, 0, 2)
	require.NoError(t, err)

	loc := newItemLocator(pm)
	require.NoError(t, pm.Back().WriteItem(&page.Item{NsIndex: 1, Datatype: page.TypeU8, Key: "a", ChunkIndex: sys.CHUNK_ANY, Scalar: 5}, nil))

	_, it, _, ok := loc.Find(1, page.TypeU8, "a", sys.CHUNK_ANY)
	require.True(t, ok)
	assert.EqualValues(t, 5, it.Scalar)

	// A cached hint still re-validates against the page, so a hint from
	// before an erase must not resurrect a stale item.
	pg, _, _, _ := loc.Find(1, page.TypeU8, "a", sys.CHUNK_ANY)
	require.NoError(t, pg.EraseItem(1, page.TypeU8, "a", sys.CHUNK_ANY))
	loc.Invalidate(1, page.TypeU8, "a", sys.CHUNK_ANY)

	_, _, _, ok = loc.Find(1, page.TypeU8, "a", sys.CHUNK_ANY)
	assert.False(t, ok)
}

func TestLocatorMissReturnsFalse(t *testing.T) {
	part := partition.NewMemPartition(sys.PageSize, 1)
	pm, err := pagemgr.Load(part, 0, 1)
	require.NoError(t, err)
	loc := newItemLocator(pm)

	_, _, _, ok := loc.Find(1, page.TypeU8, "missing", sys.CHUNK_ANY)
	assert.False(t, ok)
}
