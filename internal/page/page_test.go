package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sekai02/nvsstore/internal/nvserr"
	"github.com/sekai02/nvsstore/internal/partition"
	"github.com/sekai02/nvsstore/internal/sys"
)

func newTestPage(t *testing.T) (*partition.MemPartition, *Page) {
	t.Helper()
	part := partition.NewMemPartition(sys.PageSize, 4)
	pg, err := FormatPage(part, 0)
	require.NoError(t, err)
	require.NoError(t, pg.MarkActive())
	return part, pg
}

func TestWriteReadScalarRoundTrip(t *testing.T) {
	_, pg := newTestPage(t)

	item := &Item{NsIndex: 1, Datatype: TypeU32, Key: "boot_count", ChunkIndex: sys.CHUNK_ANY, Scalar: 42}
	require.NoError(t, pg.WriteItem(item, nil))

	got, _, err := pg.ReadItem(1, TypeU32, "boot_count", sys.CHUNK_ANY)
	require.NoError(t, err)
	assert.EqualValues(t, 42, got.Scalar)
}

func TestWriteReadStringRoundTrip(t *testing.T) {
	_, pg := newTestPage(t)

	item := &Item{NsIndex: 1, Datatype: TypeSTR, Key: "hostname", ChunkIndex: sys.CHUNK_ANY}
	data := []byte("gopher")
	require.NoError(t, pg.WriteItem(item, data))

	got, varData, err := pg.ReadItem(1, TypeSTR, "hostname", sys.CHUNK_ANY)
	require.NoError(t, err)
	assert.Equal(t, data, varData)
	assert.EqualValues(t, len(data), got.VarLength.DataSize)
}

func TestReadItemNotFound(t *testing.T) {
	_, pg := newTestPage(t)
	_, _, err := pg.ReadItem(1, TypeU8, "missing", sys.CHUNK_ANY)
	assert.ErrorIs(t, err, nvserr.ErrNotFound)
}

func TestWriteItemPageFull(t *testing.T) {
	_, pg := newTestPage(t)

	var err error
	for i := 0; i < sys.UsableEntryCount+1; i++ {
		item := &Item{NsIndex: 1, Datatype: TypeU8, Key: keyFor(i), ChunkIndex: sys.CHUNK_ANY, Scalar: uint64(i)}
		err = pg.WriteItem(item, nil)
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, nvserr.ErrPageFull)
}

func keyFor(i int) string {
	const letters = "abcdefghijklmnop"
	return string(letters[i%len(letters)]) + string(rune('0'+i%10))
}

func TestEraseItemThenNotFound(t *testing.T) {
	_, pg := newTestPage(t)

	item := &Item{NsIndex: 1, Datatype: TypeU8, Key: "flag", ChunkIndex: sys.CHUNK_ANY, Scalar: 1}
	require.NoError(t, pg.WriteItem(item, nil))
	require.NoError(t, pg.EraseItem(1, TypeU8, "flag", sys.CHUNK_ANY))

	_, _, err := pg.ReadItem(1, TypeU8, "flag", sys.CHUNK_ANY)
	assert.ErrorIs(t, err, nvserr.ErrNotFound)
}

func TestLoadPageReconstructsFromBytes(t *testing.T) {
	part, pg := newTestPage(t)

	item := &Item{NsIndex: 2, Datatype: TypeU16, Key: "counter", ChunkIndex: sys.CHUNK_ANY, Scalar: 7}
	require.NoError(t, pg.WriteItem(item, nil))
	strItem := &Item{NsIndex: 2, Datatype: TypeSTR, Key: "name", ChunkIndex: sys.CHUNK_ANY}
	require.NoError(t, pg.WriteItem(strItem, []byte("hello world")))

	reloaded, err := LoadPage(part, 0)
	require.NoError(t, err)
	assert.Equal(t, StateActive, reloaded.State())

	got, _, err := reloaded.ReadItem(2, TypeU16, "counter", sys.CHUNK_ANY)
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.Scalar)

	_, data, err := reloaded.ReadItem(2, TypeSTR, "name", sys.CHUNK_ANY)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestGetVarDataTailroomShrinksAsPageFills(t *testing.T) {
	_, pg := newTestPage(t)
	first := pg.GetVarDataTailroom()
	require.NoError(t, pg.WriteItem(&Item{NsIndex: 1, Datatype: TypeU8, Key: "a", ChunkIndex: sys.CHUNK_ANY}, nil))
	second := pg.GetVarDataTailroom()
	assert.Less(t, second, first)
}
