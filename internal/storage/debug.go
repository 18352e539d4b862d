package storage

import (
	"fmt"

	"github.com/sekai02/nvsstore/internal/page"
	"github.com/sekai02/nvsstore/internal/sys"
)

// debugCheck scans every page looking for a duplicate (ns,type,key,chunk)
// tuple, a span that runs past the page's usable entry count, or a page
// whose written-entry count differs from the sum of its items' spans. It
// exists for test assertions, not production callers.
func (s *Storage) debugCheck() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	type key struct {
		ns    uint8
		t     page.ItemType
		name  string
		chunk uint8
	}
	seen := make(map[key]bool)

	for pageNum, pg := range s.pm.Pages() {
		slot := 0
		spanSum := 0
		for slot < sys.UsableEntryCount {
			it, ok := pg.ItemAt(slot)
			if !ok {
				slot++
				continue
			}
			if int(it.Span) < 1 || slot+int(it.Span) > sys.UsableEntryCount {
				return fmt.Errorf("nvs: page %d slot %d has invalid span %d", pageNum, slot, it.Span)
			}
			if it.Datatype != page.TypeBLOBData && it.Datatype != page.TypeBLOBIdx {
				k := key{it.NsIndex, it.Datatype, it.Key, sys.CHUNK_ANY}
				if seen[k] {
					return fmt.Errorf("nvs: duplicate item ns=%d type=%s key=%q", it.NsIndex, it.Datatype, it.Key)
				}
				seen[k] = true
			} else {
				k := key{it.NsIndex, it.Datatype, it.Key, it.ChunkIndex}
				if seen[k] {
					return fmt.Errorf("nvs: duplicate chunk ns=%d type=%s key=%q chunk=%d", it.NsIndex, it.Datatype, it.Key, it.ChunkIndex)
				}
				seen[k] = true
			}
			spanSum += int(it.Span)
			slot += int(it.Span)
		}
		if used := pg.UsedEntries(); used != spanSum {
			return fmt.Errorf("nvs: page %d has %d used entries but item spans sum to %d", pageNum, used, spanSum)
		}
	}
	return nil
}
