package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sekai02/nvsstore/internal/nvserr"
	"github.com/sekai02/nvsstore/internal/page"
	"github.com/sekai02/nvsstore/internal/partition"
	"github.com/sekai02/nvsstore/internal/sys"
)

func newTestStorage(t *testing.T, pages uint32) (*partition.MemPartition, *Storage) {
	t.Helper()
	part := partition.NewMemPartition(sys.PageSize, pages)
	st := New(part, Options{})
	require.NoError(t, st.Init(0, pages))
	return part, st
}

func TestScalarRoundTrip(t *testing.T) {
	_, st := newTestStorage(t, 3)

	ns, err := st.CreateOrOpenNamespace("app", true)
	require.NoError(t, err)

	require.NoError(t, st.WriteScalar(ns, page.TypeU32, "boot_count", 5))
	v, err := st.ReadScalar(ns, page.TypeU32, "boot_count")
	require.NoError(t, err)
	assert.EqualValues(t, 5, v)
}

func TestStringRoundTrip(t *testing.T) {
	_, st := newTestStorage(t, 3)
	ns, err := st.CreateOrOpenNamespace("app", true)
	require.NoError(t, err)

	require.NoError(t, st.WriteString(ns, "hostname", "gopher-1"))
	v, err := st.ReadString(ns, "hostname")
	require.NoError(t, err)
	assert.Equal(t, "gopher-1", v)
}

func TestOpenWithoutCreateFailsForUnknownNamespace(t *testing.T) {
	_, st := newTestStorage(t, 3)
	_, err := st.CreateOrOpenNamespace("nope", false)
	assert.ErrorIs(t, err, nvserr.ErrNotFound)
}

func TestBlobSpanningTwoPages(t *testing.T) {
	_, st := newTestStorage(t, 4)
	ns, err := st.CreateOrOpenNamespace("app", true)
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0xAB}, sys.ChunkMaxSize+512)
	require.NoError(t, st.WriteBlob(ns, "firmware", data))

	got, err := st.ReadBlob(ns, "firmware", len(data))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestBlobOverwriteTogglesVersion(t *testing.T) {
	_, st := newTestStorage(t, 6)
	ns, err := st.CreateOrOpenNamespace("app", true)
	require.NoError(t, err)

	first := bytes.Repeat([]byte{0x01}, 100)
	require.NoError(t, st.WriteBlob(ns, "cfg", first))

	_, idx1, ok := st.blobs.findIndex(ns, "cfg", sys.VER_ANY)
	require.True(t, ok)
	firstStart := idx1.BlobIdx.ChunkStart

	second := bytes.Repeat([]byte{0x02}, 200)
	require.NoError(t, st.WriteBlob(ns, "cfg", second))

	_, idx2, ok := st.blobs.findIndex(ns, "cfg", sys.VER_ANY)
	require.True(t, ok)
	assert.NotEqual(t, firstStart, idx2.BlobIdx.ChunkStart)

	got, err := st.ReadBlob(ns, "cfg", len(second))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(second, got))
}

func TestBlobOverwriteSameValueIsNoop(t *testing.T) {
	part, st := newTestStorage(t, 4)
	ns, err := st.CreateOrOpenNamespace("app", true)
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0x7A}, 64)
	require.NoError(t, st.WriteBlob(ns, "same", data))

	before := part.EraseCount()
	require.NoError(t, st.WriteBlob(ns, "same", data))
	assert.Equal(t, before, part.EraseCount())
	got, err := st.ReadBlob(ns, "same", len(data))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestEraseAvoidanceOnUnchangedScalar(t *testing.T) {
	part, st := newTestStorage(t, 3)
	ns, err := st.CreateOrOpenNamespace("app", true)
	require.NoError(t, err)

	require.NoError(t, st.WriteScalar(ns, page.TypeU8, "flag", 1))
	before := part.EraseCount()
	require.NoError(t, st.WriteScalar(ns, page.TypeU8, "flag", 1))
	after := part.EraseCount()
	assert.Equal(t, before, after)
}

func TestEraseItemRemovesEntry(t *testing.T) {
	_, st := newTestStorage(t, 3)
	ns, err := st.CreateOrOpenNamespace("app", true)
	require.NoError(t, err)

	require.NoError(t, st.WriteScalar(ns, page.TypeU8, "flag", 1))
	require.NoError(t, st.EraseItem(ns, page.TypeU8, "flag"))

	_, err = st.ReadScalar(ns, page.TypeU8, "flag")
	assert.ErrorIs(t, err, nvserr.ErrNotFound)
}

func TestEraseNamespaceRemovesEverything(t *testing.T) {
	_, st := newTestStorage(t, 3)
	ns, err := st.CreateOrOpenNamespace("app", true)
	require.NoError(t, err)

	require.NoError(t, st.WriteScalar(ns, page.TypeU8, "a", 1))
	require.NoError(t, st.WriteScalar(ns, page.TypeU8, "b", 2))
	require.NoError(t, st.EraseNamespace(ns))

	_, err = st.ReadScalar(ns, page.TypeU8, "a")
	assert.ErrorIs(t, err, nvserr.ErrNotFound)
	_, err = st.ReadScalar(ns, page.TypeU8, "b")
	assert.ErrorIs(t, err, nvserr.ErrNotFound)
}

func TestNamespaceIndexExhaustion(t *testing.T) {
	_, st := newTestStorage(t, 200)
	for i := sys.MinNamespaceIndex; i <= sys.MaxNamespaceIndex; i++ {
		_, err := st.CreateOrOpenNamespace(nameFor(int(i)), true)
		require.NoError(t, err)
	}
	_, err := st.CreateOrOpenNamespace("one_too_many", true)
	assert.ErrorIs(t, err, nvserr.ErrNoSpace)
}

func nameFor(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return string(letters[i%26]) + string(letters[(i/26)%26]) + string(rune('0'+i%10))
}

func TestOrphanChunksReclaimedOnInit(t *testing.T) {
	part := partition.NewMemPartition(sys.PageSize, 4)
	st := New(part, Options{})
	require.NoError(t, st.Init(0, 4))

	ns, err := st.CreateOrOpenNamespace("app", true)
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0x11}, sys.ChunkMaxSize+256)
	require.NoError(t, st.WriteBlob(ns, "img", data))

	// Directly erase the BLOB_IDX to simulate a crash between committing
	// a new version and cleaning up, leaving BLOB_DATA chunks orphaned.
	pg, _, _, ok := st.locator.Find(ns, page.TypeBLOBIdx, "img", sys.CHUNK_ANY)
	require.True(t, ok)
	require.NoError(t, pg.EraseItem(ns, page.TypeBLOBIdx, "img", sys.CHUNK_ANY))

	st2 := New(part, Options{})
	require.NoError(t, st2.Init(0, 4))

	require.NoError(t, st2.debugCheck())

	found := false
	for _, p := range st2.pm.Pages() {
		for slot := 0; slot < p.NextFree(); {
			it, ok := p.ItemAt(slot)
			if ok && it.Datatype == page.TypeBLOBData && it.Key == "img" {
				found = true
			}
			if ok {
				slot += int(it.Span)
			} else {
				slot++
			}
		}
	}
	assert.False(t, found, "orphaned BLOB_DATA chunks should be erased on init")
}

func TestFindEntryIteratesAndHidesInternalItems(t *testing.T) {
	_, st := newTestStorage(t, 4)
	ns, err := st.CreateOrOpenNamespace("app", true)
	require.NoError(t, err)

	require.NoError(t, st.WriteScalar(ns, page.TypeU8, "a", 1))
	require.NoError(t, st.WriteString(ns, "b", "hi"))
	require.NoError(t, st.WriteBlob(ns, "c", bytes.Repeat([]byte{1}, 32)))

	it, err := st.FindEntry("app", page.TypeANY)
	require.NoError(t, err)

	keys := map[string]bool{}
	for it.Next() {
		keys[it.Item().Key] = true
		assert.NotEqual(t, page.TypeBLOBData, it.Item().Datatype)
		assert.NotEqual(t, page.TypeBLOBIdx, it.Item().Datatype)
	}
	assert.True(t, keys["a"])
	assert.True(t, keys["b"])
	// Blob "c" is stored only as BLOB_DATA and BLOB_IDX entries, both hidden.
	assert.False(t, keys["c"])
}

func TestInitRejectsWhileHandlesOpen(t *testing.T) {
	part, st := newTestStorage(t, 3)

	h, err := st.OpenHandle("app", false)
	require.NoError(t, err)
	defer h.Close()

	err = st.Init(0, 3)
	assert.ErrorIs(t, err, nvserr.ErrInvalidState)
	_ = part
}

func TestHandleSetGetErase(t *testing.T) {
	_, st := newTestStorage(t, 3)

	h, err := st.OpenHandle("app", false)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.SetU32("count", 3))
	v, err := h.GetU32("count")
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)

	require.NoError(t, h.Erase(page.TypeU32, "count"))
	_, err = h.GetU32("count")
	assert.ErrorIs(t, err, nvserr.ErrNotFound)
}

func TestReadOnlyHandleRejectsWrites(t *testing.T) {
	_, st := newTestStorage(t, 3)
	_, err := st.CreateOrOpenNamespace("app", true)
	require.NoError(t, err)

	h, err := st.OpenHandle("app", true)
	require.NoError(t, err)
	defer h.Close()

	err = h.SetU8("x", 1)
	assert.ErrorIs(t, err, nvserr.ErrInvalidArg)
}

func TestCrashDuringBlobWriteLeavesPriorVersionReadable(t *testing.T) {
	part := partition.NewMemPartition(sys.PageSize, 6)
	st := New(part, Options{})
	require.NoError(t, st.Init(0, 6))

	ns, err := st.CreateOrOpenNamespace("app", true)
	require.NoError(t, err)

	first := bytes.Repeat([]byte{0x5A}, 100)
	require.NoError(t, st.WriteBlob(ns, "cfg", first))

	// Simulate a torn write: the partition has already seen more than one
	// write, so the next Write (the second version's first chunk) is only
	// half applied and fails. Then reload as if from a restart.
	part.FailAfterWrites(1)
	second := bytes.Repeat([]byte{0x5B}, 5000)
	_ = st.WriteBlob(ns, "cfg", second)

	st2 := New(part, Options{})
	require.NoError(t, st2.Init(0, 6))

	got, err := st2.ReadBlob(ns, "cfg", len(first))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, got))
}
