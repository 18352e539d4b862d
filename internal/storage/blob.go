package storage

import (
	"bytes"
	"fmt"

	"github.com/golang/snappy"

	"github.com/sekai02/nvsstore/internal/nvserr"
	"github.com/sekai02/nvsstore/internal/page"
	"github.com/sekai02/nvsstore/internal/pagemgr"
	"github.com/sekai02/nvsstore/internal/sys"
)

// compressedFlag is stashed in the unused top bit of a BLOB_IDX's
// ChunkCount byte: chunk counts never exceed 127 (half of the 0..254
// version range), so bit 0x80 is always free.
const compressedFlag = 0x80

// blobEngine writes, reads, compares and erases blobs that span pages,
// using the two-version chunkIndex offset scheme. It is the largest
// single component here, mirroring the share the design gives it.
type blobEngine struct {
	pm       *pagemgr.PageManager
	locator  *ItemLocator
	compress bool
}

func newBlobEngine(pm *pagemgr.PageManager, locator *ItemLocator, compress bool) *blobEngine {
	return &blobEngine{pm: pm, locator: locator, compress: compress}
}

func maxBlobPages(pageCount int) int {
	limit := (sys.CHUNK_ANY - 1) / 2 // 127
	if pageCount-1 < limit {
		if pageCount-1 < 0 {
			return 0
		}
		return pageCount - 1
	}
	return limit
}

func (e *blobEngine) maxBlobSize() int {
	return maxBlobPages(e.pm.GetPageCount()) * sys.ChunkMaxSize
}

// writeMultiPageBlob implements the write protocol of spec §4.2 exactly,
// including the first-chunk small-tailroom guard and the deliberately
// sequential (not chunkStart-relative) rollback indices on failure.
func (e *blobEngine) writeMultiPageBlob(ns uint8, key string, data []byte, chunkStart uint8) error {
	if len(data) > e.maxBlobSize() {
		return nvserr.ErrValueTooLong
	}

	payload := data
	flag := uint8(0)
	if e.compress {
		c := snappy.Encode(nil, data)
		if len(c) < len(data)-len(data)/4 {
			payload = c
			flag = compressedFlag
		}
	}

	var used []*page.Page
	chunkCount := 0
	remaining := len(payload)
	offset := 0

	rollback := func() {
		for i, pg := range used {
			pg.EraseItem(ns, page.TypeBLOBData, key, uint8(i))
		}
	}

	for remaining > 0 {
		current := e.pm.Back()
		tailroom := current.GetVarDataTailroom()

		if chunkCount == 0 && tailroom < len(payload) && tailroom < sys.ChunkMaxSize/10 {
			if err := e.pm.RequestNewPage(); err != nil {
				rollback()
				return err
			}
			newTailroom := e.pm.Back().GetVarDataTailroom()
			if newTailroom <= tailroom {
				rollback()
				return nvserr.ErrNoSpace
			}
			continue
		}

		if tailroom == 0 {
			rollback()
			return nvserr.ErrNoSpace
		}

		chunkSize := remaining
		if chunkSize > tailroom {
			chunkSize = tailroom
		}

		chunkIndex := chunkStart + uint8(chunkCount)
		item := &page.Item{NsIndex: ns, Datatype: page.TypeBLOBData, Key: key, ChunkIndex: chunkIndex}
		if err := current.WriteItem(item, payload[offset:offset+chunkSize]); err != nil {
			rollback()
			return fmt.Errorf("nvs: invariant violated writing blob chunk: %w", err)
		}
		e.locator.Invalidate(ns, page.TypeBLOBData, key, chunkIndex)

		used = append(used, current)

		if remaining-chunkSize > 0 || tailroom-chunkSize < sys.EntrySize {
			if err := e.pm.RequestNewPage(); err != nil {
				rollback()
				return err
			}
		}

		offset += chunkSize
		remaining -= chunkSize
		chunkCount++
	}

	idx := page.BlobIndex{
		DataSize:   uint32(len(data)),
		ChunkCount: uint8(chunkCount) | flag,
		ChunkStart: chunkStart,
	}
	idxItem := &page.Item{NsIndex: ns, Datatype: page.TypeBLOBIdx, Key: key, ChunkIndex: sys.CHUNK_ANY, BlobIdx: idx}
	if err := e.pm.Back().WriteItem(idxItem, nil); err != nil {
		rollback()
		return fmt.Errorf("nvs: invariant violated writing blob index: %w", err)
	}
	e.locator.Invalidate(ns, page.TypeBLOBIdx, key, sys.CHUNK_ANY)

	return nil
}

// findIndex locates the committed BLOB_IDX for (ns,key), optionally
// filtered to a specific chunkStart version (sys.VER_ANY for either).
func (e *blobEngine) findIndex(ns uint8, key string, chunkStart uint8) (*page.Page, *page.Item, bool) {
	pg, it, _, ok := e.locator.Find(ns, page.TypeBLOBIdx, key, sys.CHUNK_ANY)
	if !ok {
		return nil, nil, false
	}
	if chunkStart != sys.VER_ANY && it.BlobIdx.ChunkStart != chunkStart {
		return nil, nil, false
	}
	return pg, it, true
}

func (e *blobEngine) readChunks(ns uint8, key string, idx page.BlobIndex) ([]byte, error) {
	chunkCount := idx.ChunkCount &^ compressedFlag
	compressed := idx.ChunkCount&compressedFlag != 0

	buf := make([]byte, 0, idx.DataSize)
	for chunkNum := uint8(0); chunkNum < chunkCount; chunkNum++ {
		chunkIndex := idx.ChunkStart + chunkNum
		_, _, data, ok := e.locator.Find(ns, page.TypeBLOBData, key, chunkIndex)
		if !ok {
			e.eraseMultiPageBlob(ns, key, sys.VER_ANY)
			return nil, nvserr.ErrNotFound
		}
		buf = append(buf, data...)
	}

	if compressed {
		out, err := snappy.Decode(nil, buf)
		if err != nil {
			return nil, fmt.Errorf("nvs: decompress blob %q: %w", key, err)
		}
		return out, nil
	}
	return buf, nil
}

// readMultiPageBlob returns the full reassembled blob, requiring the
// caller's expected size to match the committed dataSize exactly.
func (e *blobEngine) readMultiPageBlob(ns uint8, key string, size int) ([]byte, error) {
	_, it, ok := e.findIndex(ns, key, sys.VER_ANY)
	if !ok {
		return nil, nvserr.ErrNotFound
	}
	if int(it.BlobIdx.DataSize) != size {
		return nil, nvserr.ErrInvalidArg
	}
	return e.readChunks(ns, key, it.BlobIdx)
}

// cmpMultiPageBlob walks the same chunks as read and reports whether the
// reassembled content is byte-identical to data.
func (e *blobEngine) cmpMultiPageBlob(ns uint8, key string, data []byte) (bool, error) {
	_, it, ok := e.findIndex(ns, key, sys.VER_ANY)
	if !ok {
		return false, nvserr.ErrNotFound
	}
	if int(it.BlobIdx.DataSize) != len(data) {
		return false, nil
	}
	got, err := e.readChunks(ns, key, it.BlobIdx)
	if err != nil {
		return false, err
	}
	return bytes.Equal(got, data), nil
}

// eraseMultiPageBlob erases the index first — the crash-safety point
// that turns remaining chunks into orphans recovery will collect — then
// best-effort erases each chunk, tolerating NotFound from a chunk a
// previous, interrupted erase already removed.
func (e *blobEngine) eraseMultiPageBlob(ns uint8, key string, chunkStart uint8) error {
	pg, it, ok := e.findIndex(ns, key, chunkStart)
	if !ok {
		return nvserr.ErrNotFound
	}

	idx := it.BlobIdx
	if err := pg.EraseItem(ns, page.TypeBLOBIdx, key, sys.CHUNK_ANY); err != nil {
		return err
	}
	e.locator.Invalidate(ns, page.TypeBLOBIdx, key, sys.CHUNK_ANY)

	chunkCount := idx.ChunkCount &^ compressedFlag
	for chunkNum := uint8(0); chunkNum < chunkCount; chunkNum++ {
		chunkIndex := idx.ChunkStart + chunkNum
		if dataPg, _, _, ok := e.locator.Find(ns, page.TypeBLOBData, key, chunkIndex); ok {
			dataPg.EraseItem(ns, page.TypeBLOBData, key, chunkIndex)
			e.locator.Invalidate(ns, page.TypeBLOBData, key, chunkIndex)
		}
	}

	return nil
}
