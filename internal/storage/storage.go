// Package storage orchestrates init/recovery and routes writes, reads and
// erasures to the single-page or multi-page-blob path, the way the
// teacher's inode.Manager orchestrates page-boundary-crossing reads and
// writes over its own Store abstraction (internal/storage in the
// original tree — this package supersedes it for the flash domain).
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/sekai02/nvsstore/internal/namespace"
	"github.com/sekai02/nvsstore/internal/nvserr"
	"github.com/sekai02/nvsstore/internal/page"
	"github.com/sekai02/nvsstore/internal/pagemgr"
	"github.com/sekai02/nvsstore/internal/partition"
	"github.com/sekai02/nvsstore/internal/sys"
)

type lifecycleState int

const (
	lifecycleInvalid lifecycleState = iota
	lifecycleActive
)

// Options configures a Storage instance at construction, mirroring the
// small config-struct-at-construction shape the teacher uses for
// storage.NewBadgerStore.
type Options struct {
	// Compression enables optional snappy compression of BLOB_DATA
	// chunks. Off by default: the format this design distills from
	// never compresses, so this is an opt-in that does not change
	// default on-disk semantics.
	Compression bool
}

// Stats mirrors nvs_stats_t from the source this design distills:
// namespace count plus the page-level entry accounting.
type Stats struct {
	NamespaceCount int
	UsedEntries    int
	FreeEntries    int
	TotalEntries   int
	PageCount      int
}

// Storage is the orchestrator: it owns init/recovery, dispatches
// writeItem/readItem/eraseItem by ItemType, and tracks live handles so a
// re-init can refuse while any are open (§5's handle lifecycle rule).
type Storage struct {
	mu    sync.Mutex
	state lifecycleState

	part        partition.Partition
	baseSector  uint32
	sectorCount uint32
	compress    bool

	pm      *pagemgr.PageManager
	nsTable *namespace.Table
	locator *ItemLocator
	blobs   *blobEngine

	handles map[*Handle]struct{}
	lastErr error
}

// New constructs a Storage in the INVALID lifecycle state; call Init to
// bring it ACTIVE.
func New(part partition.Partition, opts Options) *Storage {
	return &Storage{
		part:     part,
		state:    lifecycleInvalid,
		compress: opts.Compression,
		handles:  make(map[*Handle]struct{}),
	}
}

func (s *Storage) fail(err error) error {
	s.lastErr = err
	return err
}

// LastError returns the sticky error from the most recent failing
// operation; success paths reset it to nil.
func (s *Storage) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Init loads the PageManager, rebuilds the namespace table and reconciles
// orphaned blob chunks. It fails with ErrInvalidState if any handle from
// a prior Init is still open.
func (s *Storage) Init(baseSector, sectorCount uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.handles) > 0 {
		return s.fail(nvserr.ErrInvalidState)
	}

	pm, err := pagemgr.Load(s.part, baseSector, sectorCount)
	if err != nil {
		s.state = lifecycleInvalid
		return s.fail(fmt.Errorf("load page manager: %w", err))
	}

	s.pm = pm
	s.baseSector = baseSector
	s.sectorCount = sectorCount
	s.locator = newItemLocator(pm)
	s.blobs = newBlobEngine(pm, s.locator, s.compress)
	s.nsTable = namespace.NewTable()

	s.rebuildNamespaceTable()

	if err := s.recoverOrphans(); err != nil {
		s.state = lifecycleInvalid
		return s.fail(fmt.Errorf("recover orphans: %w", err))
	}

	s.state = lifecycleActive
	s.lastErr = nil
	return nil
}

// rebuildNamespaceTable scans every page for namespace-directory items
// (nsIndex 0, type U8) and relearns them, forcing indices 0 and 255 used
// per I4.
func (s *Storage) rebuildNamespaceTable() {
	s.nsTable.Reset()
	for _, pg := range s.pm.Pages() {
		for slot := 0; slot < pg.NextFree(); {
			it, ok := pg.ItemAt(slot)
			if !ok {
				slot++
				continue
			}
			if it.NsIndex == sys.NS_INDEX && it.Datatype == page.TypeU8 {
				s.nsTable.Learn(it.Key, uint8(it.Scalar))
			}
			slot += int(it.Span)
		}
	}
}

type blobCoverage struct {
	ns         uint8
	key        string
	chunkStart uint8
	chunkCount uint8
}

func (c blobCoverage) covers(ns uint8, key string, chunkIndex uint8) bool {
	if c.ns != ns || c.key != key {
		return false
	}
	return chunkIndex >= c.chunkStart && chunkIndex < c.chunkStart+c.chunkCount
}

// recoverOrphans implements §4.5: after PageManager has already resolved
// duplicate BLOB_IDX entries, erase every BLOB_DATA chunk not covered by
// a live index, satisfying I2 and P1.
func (s *Storage) recoverOrphans() error {
	var idxList []blobCoverage

	for _, pg := range s.pm.Pages() {
		for slot := 0; slot < pg.NextFree(); {
			it, ok := pg.ItemAt(slot)
			if !ok {
				slot++
				continue
			}
			if it.Datatype == page.TypeBLOBIdx {
				idxList = append(idxList, blobCoverage{
					ns:         it.NsIndex,
					key:        it.Key,
					chunkStart: it.BlobIdx.ChunkStart,
					chunkCount: it.BlobIdx.ChunkCount &^ compressedFlag,
				})
			}
			slot += int(it.Span)
		}
	}

	for _, pg := range s.pm.Pages() {
		for slot := 0; slot < pg.NextFree(); {
			it, ok := pg.ItemAt(slot)
			if !ok {
				slot++
				continue
			}
			if it.Datatype == page.TypeBLOBData {
				covered := false
				for _, c := range idxList {
					if c.covers(it.NsIndex, it.Key, it.ChunkIndex) {
						covered = true
						break
					}
				}
				if !covered {
					if err := pg.EraseItem(it.NsIndex, page.TypeBLOBData, it.Key, it.ChunkIndex); err != nil && !errors.Is(err, nvserr.ErrNotFound) {
						return err
					}
				}
			}
			slot += int(it.Span)
		}
	}

	return nil
}

// CreateOrOpenNamespace resolves name to its index, allocating the lowest
// free index in [1,254] and persisting it into namespace 0 when
// canCreate is set and no such namespace exists yet.
func (s *Storage) CreateOrOpenNamespace(name string, canCreate bool) (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != lifecycleActive {
		return 0, s.fail(nvserr.ErrNotInitialized)
	}
	if len(name) == 0 || len(name) > sys.MaxKeyLength {
		return 0, s.fail(nvserr.ErrInvalidArg)
	}

	if idx, ok := s.nsTable.Lookup(name); ok {
		s.lastErr = nil
		return idx, nil
	}
	if !canCreate {
		return 0, s.fail(nvserr.ErrNotFound)
	}

	idx, ok := s.nsTable.AllocateIndex()
	if !ok {
		return 0, s.fail(nvserr.ErrNoSpace)
	}

	if err := s.writeScalarLocked(sys.NS_INDEX, page.TypeU8, name, uint64(idx)); err != nil {
		s.nsTable.Release(idx)
		return 0, s.fail(err)
	}

	s.nsTable.Bind(name, idx)
	s.lastErr = nil
	return idx, nil
}

// WriteScalar writes a fixed-width scalar item, e.g. U8/U32/I64.
func (s *Storage) WriteScalar(ns uint8, t page.ItemType, key string, v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != lifecycleActive {
		return s.fail(nvserr.ErrNotInitialized)
	}
	if len(key) == 0 || len(key) > sys.MaxKeyLength {
		return s.fail(nvserr.ErrInvalidArg)
	}
	if err := s.writeScalarLocked(ns, t, key, v); err != nil {
		return s.fail(err)
	}
	s.lastErr = nil
	return nil
}

func (s *Storage) writeScalarLocked(ns uint8, t page.ItemType, key string, v uint64) error {
	if _, existing, _, ok := s.locator.Find(ns, t, key, sys.CHUNK_ANY); ok && existing.Scalar == v {
		return nil
	}
	item := &page.Item{NsIndex: ns, Datatype: t, Key: key, ChunkIndex: sys.CHUNK_ANY, Scalar: v}
	return s.writeSinglePageLocked(ns, t, key, item, nil)
}

// WriteString writes a STR item.
func (s *Storage) WriteString(ns uint8, key string, v string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != lifecycleActive {
		return s.fail(nvserr.ErrNotInitialized)
	}
	if len(key) == 0 || len(key) > sys.MaxKeyLength {
		return s.fail(nvserr.ErrInvalidArg)
	}

	data := []byte(v)
	if _, _, existingData, ok := s.locator.Find(ns, page.TypeSTR, key, sys.CHUNK_ANY); ok && bytes.Equal(existingData, data) {
		s.lastErr = nil
		return nil
	}

	item := &page.Item{NsIndex: ns, Datatype: page.TypeSTR, Key: key, ChunkIndex: sys.CHUNK_ANY}
	if err := s.writeSinglePageLocked(ns, page.TypeSTR, key, item, data); err != nil {
		return s.fail(err)
	}
	s.lastErr = nil
	return nil
}

// writeSinglePageLocked implements §4.3: write, retry once on PageFull,
// then erase the prior entry (if one existed) now that the new one has
// committed.
func (s *Storage) writeSinglePageLocked(ns uint8, t page.ItemType, key string, item *page.Item, varData []byte) error {
	_, hadPrior, _, existed := s.locator.Find(ns, t, key, sys.CHUNK_ANY)
	_ = hadPrior

	err := s.pm.Back().WriteItem(item, varData)
	if errors.Is(err, nvserr.ErrPageFull) {
		if e := s.pm.RequestNewPage(); e != nil {
			return e
		}
		err = s.pm.Back().WriteItem(item, varData)
		if errors.Is(err, nvserr.ErrPageFull) {
			return nvserr.ErrNoSpace
		}
	}
	if err != nil {
		return err
	}
	s.locator.Invalidate(ns, t, key, sys.CHUNK_ANY)

	if existed {
		if pg, _, _, ok := s.locator.Find(ns, t, key, sys.CHUNK_ANY); ok {
			if err := pg.EraseItem(ns, t, key, sys.CHUNK_ANY); err != nil && !errors.Is(err, nvserr.ErrNotFound) {
				return err
			}
			s.locator.Invalidate(ns, t, key, sys.CHUNK_ANY)
		}
	}

	return nil
}

// WriteBlob writes a BLOB item via the multi-page engine with the
// version-toggle-on-overwrite protocol of §4.2.
func (s *Storage) WriteBlob(ns uint8, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != lifecycleActive {
		return s.fail(nvserr.ErrNotInitialized)
	}
	if len(key) == 0 || len(key) > sys.MaxKeyLength {
		return s.fail(nvserr.ErrInvalidArg)
	}

	_, existingIdx, existed := s.blobs.findIndex(ns, key, sys.VER_ANY)
	if existed {
		if eq, err := s.blobs.cmpMultiPageBlob(ns, key, data); err == nil && eq {
			s.lastErr = nil
			return nil
		}
	}

	prevStart := uint8(sys.VER_1_OFFSET)
	if existed {
		prevStart = existingIdx.BlobIdx.ChunkStart
	}
	nextStart := uint8(sys.VER_1_OFFSET)
	if prevStart == sys.VER_1_OFFSET {
		nextStart = sys.VER_0_OFFSET
	}

	if err := s.blobs.writeMultiPageBlob(ns, key, data, nextStart); err != nil {
		return s.fail(err)
	}

	if existed {
		// Best-effort: a crash here leaves the old version orphaned but
		// the new version already committed and readable; the next init
		// reconciles the orphan chunks (I2, I3).
		s.blobs.eraseMultiPageBlob(ns, key, prevStart)
	} else if pg, _, _, ok := s.locator.Find(ns, page.TypeBLOB, key, sys.CHUNK_ANY); ok {
		// Legacy no-index blob under the same key: superseded now that a
		// proper multi-page version exists.
		pg.EraseItem(ns, page.TypeBLOB, key, sys.CHUNK_ANY)
		s.locator.Invalidate(ns, page.TypeBLOB, key, sys.CHUNK_ANY)
	}

	s.lastErr = nil
	return nil
}

// ReadScalar reads a fixed-width scalar item.
func (s *Storage) ReadScalar(ns uint8, t page.ItemType, key string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != lifecycleActive {
		return 0, s.fail(nvserr.ErrNotInitialized)
	}
	if _, it, _, ok := s.locator.Find(ns, t, key, sys.CHUNK_ANY); ok {
		s.lastErr = nil
		return it.Scalar, nil
	}
	return 0, s.fail(nvserr.ErrNotFound)
}

// ReadString reads a STR item.
func (s *Storage) ReadString(ns uint8, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != lifecycleActive {
		return "", s.fail(nvserr.ErrNotInitialized)
	}
	if _, _, data, ok := s.locator.Find(ns, page.TypeSTR, key, sys.CHUNK_ANY); ok {
		s.lastErr = nil
		return string(data), nil
	}
	return "", s.fail(nvserr.ErrNotFound)
}

// ReadBlob reads a BLOB item, trying the multi-page path first and
// falling back to a legacy no-index scalar entry, per §4.1.
func (s *Storage) ReadBlob(ns uint8, key string, size int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != lifecycleActive {
		return nil, s.fail(nvserr.ErrNotInitialized)
	}

	data, err := s.blobs.readMultiPageBlob(ns, key, size)
	if err == nil {
		s.lastErr = nil
		return data, nil
	}
	if !errors.Is(err, nvserr.ErrNotFound) {
		return nil, s.fail(err)
	}

	if _, _, raw, ok := s.locator.Find(ns, page.TypeBLOB, key, sys.CHUNK_ANY); ok && len(raw) == size {
		s.lastErr = nil
		return raw, nil
	}

	return nil, s.fail(nvserr.ErrNotFound)
}

// EraseItem erases the item matching (ns,type,key), routing BLOB (or an
// item found to already be a stray BLOB_DATA/BLOB_IDX chunk) through the
// blob engine.
func (s *Storage) EraseItem(ns uint8, t page.ItemType, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != lifecycleActive {
		return s.fail(nvserr.ErrNotInitialized)
	}

	if t == page.TypeBLOB {
		if err := s.blobs.eraseMultiPageBlob(ns, key, sys.VER_ANY); err != nil {
			return s.fail(err)
		}
		s.lastErr = nil
		return nil
	}

	if pg, it, _, ok := s.locator.Find(ns, t, key, sys.CHUNK_ANY); ok {
		if it.Datatype == page.TypeBLOBData || it.Datatype == page.TypeBLOBIdx {
			if err := s.blobs.eraseMultiPageBlob(ns, key, sys.VER_ANY); err != nil {
				return s.fail(err)
			}
			s.lastErr = nil
			return nil
		}
		if err := pg.EraseItem(ns, t, key, sys.CHUNK_ANY); err != nil {
			return s.fail(err)
		}
		s.locator.Invalidate(ns, t, key, sys.CHUNK_ANY)
		s.lastErr = nil
		return nil
	}

	return s.fail(nvserr.ErrNotFound)
}

// EraseNamespace erases every item belonging to ns across all pages.
func (s *Storage) EraseNamespace(ns uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != lifecycleActive {
		return s.fail(nvserr.ErrNotInitialized)
	}

	for _, pg := range s.pm.Pages() {
		for {
			if err := pg.EraseItem(ns, page.TypeANY, "", sys.CHUNK_ANY); err != nil {
				if errors.Is(err, nvserr.ErrNotFound) {
					break
				}
				return s.fail(err)
			}
		}
	}

	s.lastErr = nil
	return nil
}

// GetItemDataSize returns the payload size of a var-length or BLOB item.
func (s *Storage) GetItemDataSize(ns uint8, t page.ItemType, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != lifecycleActive {
		return 0, s.fail(nvserr.ErrNotInitialized)
	}

	if t == page.TypeBLOB {
		if _, it, ok := s.blobs.findIndex(ns, key, sys.VER_ANY); ok {
			s.lastErr = nil
			return int(it.BlobIdx.DataSize), nil
		}
		return 0, s.fail(nvserr.ErrNotFound)
	}

	if _, it, _, ok := s.locator.Find(ns, t, key, sys.CHUNK_ANY); ok {
		s.lastErr = nil
		if t.IsVariableLength() {
			return int(it.VarLength.DataSize), nil
		}
		return it.Datatype.ScalarSize(), nil
	}

	return 0, s.fail(nvserr.ErrNotFound)
}

// FillStats reports namespace and entry accounting across the store.
func (s *Storage) FillStats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != lifecycleActive {
		return Stats{}, s.fail(nvserr.ErrNotInitialized)
	}

	pmStats := s.pm.FillStats()
	s.lastErr = nil
	return Stats{
		NamespaceCount: s.nsTable.Count(),
		UsedEntries:    pmStats.UsedEntries,
		FreeEntries:    pmStats.FreeEntries,
		TotalEntries:   pmStats.TotalEntries,
		PageCount:      pmStats.PageCount,
	}, nil
}

// CalcEntriesInNamespace sums item spans belonging to ns.
func (s *Storage) CalcEntriesInNamespace(ns uint8) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != lifecycleActive {
		return 0, s.fail(nvserr.ErrNotInitialized)
	}

	count := 0
	for _, pg := range s.pm.Pages() {
		for slot := 0; slot < pg.NextFree(); {
			it, ok := pg.ItemAt(slot)
			if !ok {
				slot++
				continue
			}
			if it.NsIndex == ns {
				count += int(it.Span)
			}
			slot += int(it.Span)
		}
	}
	s.lastErr = nil
	return count, nil
}

// FindEntry returns a restartable iterator over items in nsName (or every
// namespace if nsName is empty), filtered by t (page.TypeANY for
// unconstrained).
func (s *Storage) FindEntry(nsName string, t page.ItemType) (*ItemIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != lifecycleActive {
		return nil, s.fail(nvserr.ErrNotInitialized)
	}

	ns := uint8(sys.NS_ANY)
	if nsName != "" {
		idx, ok := s.nsTable.Lookup(nsName)
		if !ok {
			return nil, s.fail(nvserr.ErrNotFound)
		}
		ns = idx
	}

	s.lastErr = nil
	return newItemIterator(s.pm, s.nsTable, ns, t), nil
}

// OpenHandle resolves nsName (creating it only in ReadWrite mode) and
// returns an owned Handle bound to its namespace index.
func (s *Storage) OpenHandle(nsName string, readOnly bool) (*Handle, error) {
	idx, err := s.CreateOrOpenNamespace(nsName, !readOnly)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	h := newHandle(s, idx, readOnly)
	s.handles[h] = struct{}{}
	return h, nil
}

func (s *Storage) releaseHandle(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, h)
}

// invalidateHandles marks every live handle dead and forgets them, so
// their later calls fail with ErrInvalidState. Nothing in this package
// calls it: Init refuses to run at all while any handle is open.
func (s *Storage) invalidateHandles() {
	for h := range s.handles {
		h.invalidated = true
	}
	s.handles = make(map[*Handle]struct{})
}

// HandleCount reports the number of live handles, used by tests asserting
// the re-init-while-open rule.
func (s *Storage) HandleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}
