// Package pagemgr allocates and iterates the pages backing a Storage
// instance, generalizing the teacher's BadgerStore/MemStore free-list
// allocation (a flat freeList of reclaimed PageIDs) to a fixed, ordered
// run of flash sectors with no reuse until the whole partition is erased,
// per the Non-goal that rules out a compaction/wear policy here.
package pagemgr

import (
	"fmt"

	"github.com/sekai02/nvsstore/internal/nvserr"
	"github.com/sekai02/nvsstore/internal/page"
	"github.com/sekai02/nvsstore/internal/partition"
	"github.com/sekai02/nvsstore/internal/sys"
)

// Stats mirrors the shape of nvs_stats_t from the original NVS: entry
// counts across the managed page range, filled in by Storage.fillStats
// alongside the namespace count it alone knows.
type Stats struct {
	UsedEntries   int
	ErasedEntries int
	TotalEntries  int
	FreeEntries   int
	PageCount     int
}

// PageManager owns a contiguous run of pages over one Partition and hands
// out the current write target.
type PageManager struct {
	part       partition.Partition
	baseSector uint32
	pages      []*page.Page
	activeIdx  int
}

// Load reconstructs a PageManager's view of [baseSector, baseSector+pageCount)
// purely from partition bytes, then resolves any duplicate committed
// BLOB_IDX left by a crash between writing a new index and erasing the
// old one — the "stronger guarantee" that Storage's own recovery pass
// (internal/storage) builds on.
func Load(part partition.Partition, baseSector, pageCount uint32) (*PageManager, error) {
	pm := &PageManager{part: part, baseSector: baseSector, activeIdx: -1}

	for i := uint32(0); i < pageCount; i++ {
		offset := (baseSector + i) * sys.PageSize
		pg, err := page.LoadPage(part, offset)
		if err != nil {
			return nil, fmt.Errorf("load page %d: %w", i, err)
		}
		pm.pages = append(pm.pages, pg)
	}

	for i, pg := range pm.pages {
		if pg.State() == page.StateActive {
			pm.activeIdx = i
		}
	}

	if pm.activeIdx == -1 {
		for i, pg := range pm.pages {
			if pg.State() == page.StateUninitialized {
				if err := pg.MarkActive(); err != nil {
					return nil, err
				}
				pm.activeIdx = i
				break
			}
		}
	}

	if pm.activeIdx == -1 {
		return nil, nvserr.ErrNoSpace
	}

	pm.resolveDuplicateBlobIndices()

	return pm, nil
}

// Pages returns the managed pages in physical order, oldest first, for
// iteration by ItemLocator, ItemIterator and the blob index scanner.
func (pm *PageManager) Pages() []*page.Page { return pm.pages }

// Back returns the current write target: the ACTIVE page.
func (pm *PageManager) Back() *page.Page { return pm.pages[pm.activeIdx] }

func (pm *PageManager) GetBaseSector() uint32 { return pm.baseSector }
func (pm *PageManager) GetPageCount() int     { return len(pm.pages) }

// RequestNewPage marks the current page FULL (if it wasn't already) and
// activates the next never-used page in physical order.
func (pm *PageManager) RequestNewPage() error {
	if pm.activeIdx >= 0 {
		if err := pm.pages[pm.activeIdx].MarkFull(); err != nil {
			return err
		}
	}

	for i := pm.activeIdx + 1; i < len(pm.pages); i++ {
		if pm.pages[i].State() == page.StateUninitialized {
			if err := pm.pages[i].MarkActive(); err != nil {
				return err
			}
			pm.activeIdx = i
			return nil
		}
	}

	return nvserr.ErrNoSpace
}

// FillStats sums entry counts across all managed pages.
func (pm *PageManager) FillStats() Stats {
	var st Stats
	st.PageCount = len(pm.pages)
	for _, pg := range pm.pages {
		used := pg.UsedEntries()
		erased := pg.ErasedEntries()
		st.UsedEntries += used
		st.ErasedEntries += erased
		st.TotalEntries += sys.UsableEntryCount
		if pg.State() == page.StateUninitialized {
			st.FreeEntries += sys.UsableEntryCount
		} else {
			st.FreeEntries += sys.UsableEntryCount - used - erased
		}
	}
	return st
}

type blobKey struct {
	ns  uint8
	key string
}

// resolveDuplicateBlobIndices keeps the most recently written BLOB_IDX for
// each (ns,key) and erases every earlier duplicate, whether the duplicate
// landed on an earlier page or earlier on the very same page (the crash
// window between committing a new single-page blob's index and erasing
// the old one on that same still-active page). Pages are scanned in
// physical order and slots within a page in write order, so "already
// recorded in latest" always means "written earlier than the item we're
// looking at now" — erasing it is always safe and always keeps the
// newest survivor.
func (pm *PageManager) resolveDuplicateBlobIndices() {
	latest := make(map[blobKey]int) // -> page index

	for i, pg := range pm.pages {
		for slot := 0; slot < pg.NextFree(); {
			it, ok := pg.ItemAt(slot)
			if !ok {
				slot++
				continue
			}
			if it.Datatype == page.TypeBLOBIdx {
				k := blobKey{ns: it.NsIndex, key: it.Key}
				if prev, exists := latest[k]; exists {
					pm.pages[prev].EraseItem(it.NsIndex, page.TypeBLOBIdx, it.Key, sys.CHUNK_ANY)
				}
				latest[k] = i
			}
			slot += int(it.Span)
		}
	}
}
