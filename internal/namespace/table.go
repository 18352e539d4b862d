// Package namespace maps namespace names to their 1-byte on-flash index
// and tracks which indices are in use, the in-memory counterpart of the
// namespace-directory items Storage persists in namespace 0. It is
// grounded on the name<->ID allocation shape of the teacher's
// tag/taglist.List (fixed-array lookup plus an explicit free/used
// tracking structure) generalized from a growable ID space to the fixed
// [0,255] index space a namespace directory actually has.
package namespace

import (
	"fmt"
	"sync"

	"github.com/sekai02/nvsstore/internal/sys"
)

// Table is the in-memory namespace directory: name -> index and its
// inverse, plus the Usage bitmap accelerating allocation.
type Table struct {
	mu      sync.RWMutex
	byName  map[string]uint8
	byIndex map[uint8]string
	usage   Usage
}

func NewTable() *Table {
	t := &Table{
		byName:  make(map[string]uint8),
		byIndex: make(map[uint8]string),
	}
	// Indices 0 and 255 are permanently reserved (I4): 0 names the
	// directory namespace itself, 255 is the wildcard sentinel.
	t.usage.Set(sys.NS_INDEX)
	t.usage.Set(sys.ReservedNamespace)
	return t
}

// Reset clears every learned entry but keeps the two reserved indices
// used, ready for Storage.init to rebuild the table from a page scan.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byName = make(map[string]uint8)
	t.byIndex = make(map[uint8]string)
	t.usage = Usage{}
	t.usage.Set(sys.NS_INDEX)
	t.usage.Set(sys.ReservedNamespace)
}

// Lookup finds a namespace's index by name.
func (t *Table) Lookup(name string) (uint8, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx, ok := t.byName[name]
	return idx, ok
}

// Name finds a namespace's name by index.
func (t *Table) Name(idx uint8) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	name, ok := t.byIndex[idx]
	return name, ok
}

// Learn records an already-allocated (name, index) pair, used while
// rebuilding the table from the on-flash directory during init.
func (t *Table) Learn(name string, idx uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx == sys.NS_INDEX || idx == sys.ReservedNamespace {
		return fmt.Errorf("nvs: namespace index %d is reserved", idx)
	}

	t.byName[name] = idx
	t.byIndex[idx] = name
	t.usage.Set(idx)
	return nil
}

// AllocateIndex returns the lowest free index in [1,254], or false if
// the bitmap is exhausted (spec scenario 5, error NoSpace).
func (t *Table) AllocateIndex() (uint8, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.usage.FirstFree(sys.MinNamespaceIndex, sys.MaxNamespaceIndex)
	if !ok {
		return 0, false
	}
	t.usage.Set(idx)
	return idx, true
}

// Bind finalizes an allocated index with its name once the directory
// item has been durably written.
func (t *Table) Bind(name string, idx uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byName[name] = idx
	t.byIndex[idx] = name
}

// Release frees idx back to the pool (used only if persisting the
// directory item fails after allocation, so the bitmap doesn't leak).
func (t *Table) Release(idx uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if name, ok := t.byIndex[idx]; ok {
		delete(t.byIndex, idx)
		delete(t.byName, name)
	}
	t.usage.Clear(idx)
}

// Count returns the number of user namespaces currently recorded.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byIndex)
}
