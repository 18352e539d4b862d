package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sekai02/nvsstore/internal/sys"
)

func TestNewTableReservesIndices(t *testing.T) {
	tbl := NewTable()
	assert.True(t, tbl.usage.Test(sys.NS_INDEX))
	assert.True(t, tbl.usage.Test(sys.ReservedNamespace))
	assert.Equal(t, 0, tbl.Count())
}

func TestAllocateBindLookup(t *testing.T) {
	tbl := NewTable()

	idx, ok := tbl.AllocateIndex()
	assert.True(t, ok)
	assert.EqualValues(t, sys.MinNamespaceIndex, idx)

	tbl.Bind("storage", idx)
	got, ok := tbl.Lookup("storage")
	assert.True(t, ok)
	assert.Equal(t, idx, got)

	name, ok := tbl.Name(idx)
	assert.True(t, ok)
	assert.Equal(t, "storage", name)
}

func TestReleaseFreesIndex(t *testing.T) {
	tbl := NewTable()
	idx, _ := tbl.AllocateIndex()
	tbl.Bind("temp", idx)
	tbl.Release(idx)

	_, ok := tbl.Lookup("temp")
	assert.False(t, ok)

	next, ok := tbl.AllocateIndex()
	assert.True(t, ok)
	assert.Equal(t, idx, next)
}

func TestAllocateIndexExhaustion(t *testing.T) {
	tbl := NewTable()
	for i := sys.MinNamespaceIndex; i <= sys.MaxNamespaceIndex; i++ {
		idx, ok := tbl.AllocateIndex()
		assert.True(t, ok)
		tbl.Bind("ns", idx) // duplicate names fine for this bitmap-only test
	}
	_, ok := tbl.AllocateIndex()
	assert.False(t, ok)
}

func TestLearnRejectsReservedIndex(t *testing.T) {
	tbl := NewTable()
	err := tbl.Learn("bad", sys.NS_INDEX)
	assert.Error(t, err)
}

func TestResetKeepsReservedIndices(t *testing.T) {
	tbl := NewTable()
	idx, _ := tbl.AllocateIndex()
	tbl.Bind("x", idx)
	tbl.Reset()

	_, ok := tbl.Lookup("x")
	assert.False(t, ok)
	assert.True(t, tbl.usage.Test(sys.NS_INDEX))
	assert.True(t, tbl.usage.Test(sys.ReservedNamespace))
}
