package storage

import (
	"github.com/sekai02/nvsstore/internal/namespace"
	"github.com/sekai02/nvsstore/internal/page"
	"github.com/sekai02/nvsstore/internal/pagemgr"
	"github.com/sekai02/nvsstore/internal/sys"
)

// ItemIterator lazily enumerates user items across pages, restartable via
// Reset. It is a distinct cursor type rather than an Item subclass, per
// the design note that inheriting from Item conflates cursor and payload.
type ItemIterator struct {
	pm      *pagemgr.PageManager
	nsTable *namespace.Table

	nsFilter   uint8
	typeFilter page.ItemType

	pageIdx  int
	entryIdx int
	current  *page.Item
	done     bool
}

func newItemIterator(pm *pagemgr.PageManager, nsTable *namespace.Table, ns uint8, t page.ItemType) *ItemIterator {
	return &ItemIterator{pm: pm, nsTable: nsTable, nsFilter: ns, typeFilter: t}
}

// isIterable hides the namespace directory (nsIndex 0) and internal blob
// structure (BLOB_DATA, BLOB_IDX), per I5.
func isIterable(it *page.Item) bool {
	return it.NsIndex != sys.NS_INDEX && it.Datatype != page.TypeBLOBData && it.Datatype != page.TypeBLOBIdx
}

func (it *ItemIterator) matches(item *page.Item) bool {
	if it.nsFilter != sys.NS_ANY && item.NsIndex != it.nsFilter {
		return false
	}
	if it.typeFilter != page.TypeANY && item.Datatype != it.typeFilter {
		return false
	}
	return true
}

// Reset returns the cursor to the first page.
func (it *ItemIterator) Reset() {
	it.pageIdx = 0
	it.entryIdx = 0
	it.current = nil
	it.done = false
}

// Next advances to the next iterable item, returning false once every
// page has been exhausted.
func (it *ItemIterator) Next() bool {
	if it.done {
		return false
	}

	pages := it.pm.Pages()
	for it.pageIdx < len(pages) {
		pg := pages[it.pageIdx]
		for it.entryIdx < pg.NextFree() {
			item, ok := pg.ItemAt(it.entryIdx)
			if !ok {
				it.entryIdx++
				continue
			}
			it.entryIdx += int(item.Span)
			if isIterable(item) && it.matches(item) {
				it.current = item
				return true
			}
		}
		it.pageIdx++
		it.entryIdx = 0
	}

	it.done = true
	it.current = nil
	return false
}

// Item returns the item the cursor currently sits on.
func (it *ItemIterator) Item() *page.Item { return it.current }

// NamespaceName looks up the current item's owning namespace name.
func (it *ItemIterator) NamespaceName() string {
	if it.current == nil {
		return ""
	}
	name, _ := it.nsTable.Name(it.current.NsIndex)
	return name
}
