package storage

import (
	"github.com/dgraph-io/ristretto"

	"github.com/sekai02/nvsstore/internal/page"
	"github.com/sekai02/nvsstore/internal/pagemgr"
)

// locatorKey builds the cache key ItemLocator hashes lookups on.
// ristretto only hashes a fixed set of key types (string among them), so
// the (ns,type,chunk,key) tuple is packed into a string.
func locatorKey(ns uint8, t page.ItemType, key string, chunk uint8) string {
	return string([]byte{ns, byte(t), chunk}) + key
}

// ItemLocator implements findItem across every page a PageManager holds,
// with a small ristretto hint cache recording which page a given
// (ns,type,key,chunk) tuple was last found on. The cache is a pure
// optimization: a miss or a stale hit always falls back to the full scan,
// it is never a correctness dependency.
type ItemLocator struct {
	pm    *pagemgr.PageManager
	cache *ristretto.Cache
}

func newItemLocator(pm *pagemgr.PageManager) *ItemLocator {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10000,
		MaxCost:     1000,
		BufferItems: 64,
	})
	if err != nil {
		// A cache-less locator still functions correctly, just without
		// the hint; never fail construction over this.
		cache = nil
	}
	return &ItemLocator{pm: pm, cache: cache}
}

// Find scans pages in order for an item matching the query, consulting
// the cache first as a hint.
func (l *ItemLocator) Find(ns uint8, t page.ItemType, key string, chunk uint8) (*page.Page, *page.Item, []byte, bool) {
	lk := locatorKey(ns, t, key, chunk)
	pages := l.pm.Pages()

	if l.cache != nil {
		if v, ok := l.cache.Get(lk); ok {
			if idx, ok := v.(int); ok && idx < len(pages) {
				if it, data, err := pages[idx].ReadItem(ns, t, key, chunk); err == nil {
					return pages[idx], it, data, true
				}
			}
		}
	}

	for i, pg := range pages {
		if _, it, data, ok := pg.FindItem(ns, t, key, chunk); ok {
			if l.cache != nil {
				l.cache.Set(lk, i, 1)
			}
			return pg, it, data, true
		}
	}

	if l.cache != nil {
		l.cache.Del(lk)
	}
	return nil, nil, nil, false
}

// Invalidate drops any cached page hint for the tuple, called after a
// write or erase changes where an item lives.
func (l *ItemLocator) Invalidate(ns uint8, t page.ItemType, key string, chunk uint8) {
	if l.cache != nil {
		l.cache.Del(locatorKey(ns, t, key, chunk))
	}
}
