package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sekai02/nvsstore/internal/namespace"
	"github.com/sekai02/nvsstore/internal/page"
	"github.com/sekai02/nvsstore/internal/pagemgr"
	"github.com/sekai02/nvsstore/internal/partition"
	"github.com/sekai02/nvsstore/internal/sys"
)

func TestIteratorFiltersByNamespaceAndType(t *testing.T) {
	part := partition.NewMemPartition(sys.PageSize, 2)
	pm, err := pagemgr.Load(part, 0, 2)
	require.NoError(t, err)

	nsTable := namespace.NewTable()

	require.NoError(t, pm.Back().WriteItem(&page.Item{NsIndex: 1, Datatype: page.TypeU8, Key: "a", ChunkIndex: sys.CHUNK_ANY}, nil))
	require.NoError(t, pm.Back().WriteItem(&page.Item{NsIndex: 2, Datatype: page.TypeU8, Key: "b", ChunkIndex: sys.CHUNK_ANY}, nil))
	require.NoError(t, pm.Back().WriteItem(&page.Item{NsIndex: 1, Datatype: page.TypeU16, Key: "c", ChunkIndex: sys.CHUNK_ANY}, nil))

	it := newItemIterator(pm, nsTable, 1, page.TypeANY)
	var keys []string
	for it.Next() {
		keys = append(keys, it.Item().Key)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, keys)
}

func TestIteratorHidesNamespaceDirectoryAndBlobInternals(t *testing.T) {
	part := partition.NewMemPartition(sys.PageSize, 2)
	pm, err := pagemgr.Load(part, 0, 2)
	require.NoError(t, err)

	nsTable := namespace.NewTable()

	require.NoError(t, pm.Back().WriteItem(&page.Item{NsIndex: sys.NS_INDEX, Datatype: page.TypeU8, Key: "app", ChunkIndex: sys.CHUNK_ANY, Scalar: 1}, nil))
	require.NoError(t, pm.Back().WriteItem(&page.Item{NsIndex: 1, Datatype: page.TypeBLOBData, Key: "blob", ChunkIndex: 0}, []byte("x")))
	require.NoError(t, pm.Back().WriteItem(&page.Item{NsIndex: 1, Datatype: page.TypeBLOBIdx, Key: "blob", ChunkIndex: sys.CHUNK_ANY,
		BlobIdx: page.BlobIndex{DataSize: 1, ChunkCount: 1, ChunkStart: sys.VER_1_OFFSET}}, nil))
	require.NoError(t, pm.Back().WriteItem(&page.Item{NsIndex: 1, Datatype: page.TypeU8, Key: "visible", ChunkIndex: sys.CHUNK_ANY}, nil))

	it := newItemIterator(pm, nsTable, sys.NS_ANY, page.TypeANY)
	var keys []string
	for it.Next() {
		keys = append(keys, it.Item().Key)
	}
	assert.Equal(t, []string{"visible"}, keys)
}

func TestIteratorResetRestartsScan(t *testing.T) {
	part := partition.NewMemPartition(sys.PageSize, 1)
	pm, err := pagemgr.Load(part, 0, 1)
	require.NoError(t, err)
	nsTable := namespace.NewTable()

	require.NoError(t, pm.Back().WriteItem(&page.Item{NsIndex: 1, Datatype: page.TypeU8, Key: "a", ChunkIndex: sys.CHUNK_ANY}, nil))

	it := newItemIterator(pm, nsTable, sys.NS_ANY, page.TypeANY)
	require.True(t, it.Next())
	assert.False(t, it.Next())

	it.Reset()
	assert.True(t, it.Next())
}
