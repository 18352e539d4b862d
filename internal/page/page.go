package page

import (
	"fmt"

	"github.com/sekai02/nvsstore/internal/nvserr"
	"github.com/sekai02/nvsstore/internal/partition"
	"github.com/sekai02/nvsstore/internal/sys"
)

// State is a page's lifecycle state, encoded on flash as a descending
// bit-clear marker the way real NVS pages do: each transition clears one
// more low bit, so a torn write during a transition still decodes to
// either the old or the new state, never garbage.
type State uint8

const (
	StateUninitialized State = iota
	StateActive
	StateFull
	StateFreeing
	StateCorrupt
	StateInvalid
)

var stateMarkers = map[State]byte{
	StateUninitialized: 0xFF,
	StateActive:        0xFE,
	StateFull:          0xFC,
	StateFreeing:       0xF8,
	StateCorrupt:       0xF0,
	StateInvalid:       0x00,
}

func markerToState(b byte) State {
	switch b {
	case 0xFF:
		return StateUninitialized
	case 0xFE:
		return StateActive
	case 0xFC:
		return StateFull
	case 0xF8:
		return StateFreeing
	case 0xF0:
		return StateCorrupt
	case 0x00:
		return StateInvalid
	default:
		return StateCorrupt
	}
}

type entryState uint8

const (
	entryEmpty entryState = iota
	entryWritten
	entryErased
)

// Page is one flash sector formatted as a page-state header, an
// entry-state bitmap, and sys.UsableEntryCount fixed entries.
type Page struct {
	part   partition.Partition
	offset uint32

	state State

	entryStates [sys.UsableEntryCount]entryState
	items       [sys.UsableEntryCount]*Item // set only at each item's start slot
	varData     [sys.UsableEntryCount][]byte

	nextFree int // first never-written slot; grows monotonically
}

func slotOffset(pageOffset uint32, slot int) uint32 {
	return pageOffset + sys.HeaderEntries*sys.EntrySize + uint32(slot)*sys.EntrySize
}

// FormatPage initializes a blank (UNINITIALIZED) page at offset.
func FormatPage(part partition.Partition, offset uint32) (*Page, error) {
	p := &Page{part: part, offset: offset, state: StateUninitialized}
	if err := p.writeStateMarker(); err != nil {
		return nil, err
	}
	if err := p.writeBitmap(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadPage reconstructs a Page purely from partition bytes, the way
// PageManager.load must after a crash: nothing here trusts in-memory
// state from a prior process.
func LoadPage(part partition.Partition, offset uint32) (*Page, error) {
	header := make([]byte, sys.EntrySize)
	if err := part.Read(offset, header); err != nil {
		return nil, fmt.Errorf("read page header: %w", err)
	}

	bitmapBuf := make([]byte, sys.EntrySize)
	if err := part.Read(offset+sys.EntrySize, bitmapBuf); err != nil {
		return nil, fmt.Errorf("read page bitmap: %w", err)
	}

	p := &Page{part: part, offset: offset, state: markerToState(header[0])}
	p.decodeBitmap(bitmapBuf)

	if p.state == StateUninitialized {
		return p, nil
	}

	slot := 0
	for slot < sys.UsableEntryCount {
		if p.entryStates[slot] == entryEmpty {
			break
		}
		if p.entryStates[slot] == entryErased {
			// Erased slots were reset to 0xFF and carry no header to decode.
			slot++
			continue
		}

		entryBuf := make([]byte, sys.EntrySize)
		if err := part.Read(slotOffset(offset, slot), entryBuf); err != nil {
			return nil, fmt.Errorf("read entry %d: %w", slot, err)
		}
		it, err := decodeEntry(entryBuf)
		if err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", slot, err)
		}

		span := int(it.Span)
		if span < 1 {
			span = 1
		}

		var varData []byte
		if it.Datatype.IsVariableLength() && span > 1 {
			varData = make([]byte, (span-1)*sys.EntrySize)
			if err := part.Read(slotOffset(offset, slot+1), varData); err != nil {
				return nil, fmt.Errorf("read var data for entry %d: %w", slot, err)
			}
			varData = varData[:it.VarLength.DataSize]
		}

		if it.verifyCRC(entryBuf[offKey:], varData) {
			p.items[slot] = it
			p.varData[slot] = varData
		} else {
			// A written slot whose CRC doesn't match its own key/payload
			// bytes is a torn write: the header committed but the entry
			// never fully landed. Treat it as erased rather than failing
			// the whole page load.
			for i := 0; i < span; i++ {
				p.entryStates[slot+i] = entryErased
			}
		}
		slot += span
	}
	p.nextFree = slot

	return p, nil
}

func (p *Page) Offset() uint32 { return p.offset }
func (p *Page) State() State   { return p.state }

func (p *Page) writeStateMarker() error {
	buf := make([]byte, sys.EntrySize)
	buf[0] = stateMarkers[p.state]
	for i := 1; i < len(buf); i++ {
		buf[i] = 0xFF
	}
	return p.part.Write(p.offset, buf)
}

func (p *Page) writeBitmap() error {
	buf := make([]byte, sys.EntrySize)
	for i := range buf {
		buf[i] = 0xFF
	}
	for slot, st := range p.entryStates {
		byteIdx := slot / 4
		shift := uint((slot % 4) * 2)
		var bits byte
		switch st {
		case entryEmpty:
			bits = 0b11
		case entryWritten:
			bits = 0b10
		case entryErased:
			bits = 0b00
		}
		buf[byteIdx] &^= 0b11 << shift
		buf[byteIdx] |= bits << shift
	}
	return p.part.Write(p.offset+sys.EntrySize, buf)
}

func (p *Page) decodeBitmap(buf []byte) {
	for slot := 0; slot < sys.UsableEntryCount; slot++ {
		byteIdx := slot / 4
		shift := uint((slot % 4) * 2)
		bits := (buf[byteIdx] >> shift) & 0b11
		switch bits {
		case 0b11:
			p.entryStates[slot] = entryEmpty
		case 0b10:
			p.entryStates[slot] = entryWritten
		default:
			p.entryStates[slot] = entryErased
		}
	}
}

func (p *Page) setState(s State) error {
	p.state = s
	return p.writeStateMarker()
}

// MarkActive transitions a freshly formatted page to ACTIVE, the state a
// page must be in to accept writes.
func (p *Page) MarkActive() error {
	if p.state != StateUninitialized {
		return nil
	}
	return p.setState(StateActive)
}

// MarkFull transitions the page out of the write path. Idempotent.
func (p *Page) MarkFull() error {
	if p.state == StateFull {
		return nil
	}
	return p.setState(StateFull)
}

func spanFor(t ItemType, varDataLen int) uint8 {
	if !t.IsVariableLength() && t != TypeBLOBIdx {
		return 1
	}
	if t == TypeBLOBIdx {
		return 1
	}
	slots := 1 + (varDataLen+sys.EntrySize-1)/sys.EntrySize
	return uint8(slots)
}

// GetVarDataTailroom returns the maximum inline payload a new var-length
// item could carry in the page's remaining free slots (one slot is always
// reserved for the item's own header entry).
func (p *Page) GetVarDataTailroom() int {
	free := sys.UsableEntryCount - p.nextFree
	if free <= 1 {
		return 0
	}
	return (free - 1) * sys.EntrySize
}

func (p *Page) freeSlots() int {
	return sys.UsableEntryCount - p.nextFree
}

// WriteItem appends item (with optional inline varData) to the page.
// Returns ErrPageFull if there is not enough room; callers must mark the
// page full and retry on a fresh page, never treat this as a write
// failure to surface to users directly.
func (p *Page) WriteItem(item *Item, varData []byte) error {
	if p.state != StateActive {
		return fmt.Errorf("%w: page not active", nvserr.ErrInvalidState)
	}

	span := spanFor(item.Datatype, len(varData))
	if int(span) > p.freeSlots() {
		return nvserr.ErrPageFull
	}

	item.Span = span
	if item.Datatype.IsVariableLength() {
		item.VarLength.DataSize = uint16(len(varData))
		item.VarLength.CRC32 = crc32Of(varData)
	}

	entryBuf, err := item.encodeEntry(varData)
	if err != nil {
		return err
	}

	start := p.nextFree
	if err := p.part.Write(slotOffset(p.offset, start), entryBuf); err != nil {
		return err
	}
	if len(varData) > 0 {
		if err := p.part.Write(slotOffset(p.offset, start+1), varData); err != nil {
			return err
		}
	}

	for i := 0; i < int(span); i++ {
		p.entryStates[start+i] = entryWritten
	}
	p.items[start] = item
	p.varData[start] = varData
	p.nextFree = start + int(span)

	return p.writeBitmap()
}

func matches(it *Item, nsIndex uint8, t ItemType, key string, chunkIndex uint8) bool {
	if nsIndex != sys.NS_ANY && it.NsIndex != nsIndex {
		return false
	}
	if t != TypeANY && it.Datatype != t {
		return false
	}
	if key != "" && it.Key != key {
		return false
	}
	if chunkIndex != sys.CHUNK_ANY && it.ChunkIndex != chunkIndex {
		return false
	}
	return true
}

// FindItem returns the slot index and item matching the query, skipping
// erased slots. Wildcards: t == TypeANY, chunkIndex == sys.CHUNK_ANY,
// key == "" all mean "don't filter on this field".
func (p *Page) FindItem(nsIndex uint8, t ItemType, key string, chunkIndex uint8) (int, *Item, []byte, bool) {
	for slot := 0; slot < p.nextFree; {
		it := p.items[slot]
		if it == nil {
			slot++
			continue
		}
		if p.entryStates[slot] == entryWritten && matches(it, nsIndex, t, key, chunkIndex) {
			return slot, it, p.varData[slot], true
		}
		slot += int(it.Span)
	}
	return -1, nil, nil, false
}

// ReadItem is FindItem without the slot index, matching the external
// Page contract named in the spec.
func (p *Page) ReadItem(nsIndex uint8, t ItemType, key string, chunkIndex uint8) (*Item, []byte, error) {
	_, it, data, ok := p.FindItem(nsIndex, t, key, chunkIndex)
	if !ok {
		return nil, nil, nvserr.ErrNotFound
	}
	return it, data, nil
}

// CmpItem reports whether the stored item's payload exactly equals data.
func (p *Page) CmpItem(nsIndex uint8, t ItemType, key string, chunkIndex uint8, data []byte) (bool, error) {
	it, stored, err := p.ReadItem(nsIndex, t, key, chunkIndex)
	if err != nil {
		return false, err
	}

	if it.Datatype.IsVariableLength() {
		if len(stored) != len(data) {
			return false, nil
		}
		for i := range stored {
			if stored[i] != data[i] {
				return false, nil
			}
		}
		return true, nil
	}

	return scalarBytesEqual(it, data), nil
}

func scalarBytesEqual(it *Item, data []byte) bool {
	n := it.Datatype.scalarSize()
	if len(data) != n {
		return false
	}
	return getUint64Scalar(data, it.Datatype) == it.Scalar
}

// EraseItem marks the slots of the matching item ERASED. The slots
// themselves are never reused; only a whole-page reclaim (outside Page's
// contract) frees them.
func (p *Page) EraseItem(nsIndex uint8, t ItemType, key string, chunkIndex uint8) error {
	slot, it, _, ok := p.FindItem(nsIndex, t, key, chunkIndex)
	if !ok {
		return nvserr.ErrNotFound
	}

	span := int(it.Span)
	for i := 0; i < span; i++ {
		p.entryStates[slot+i] = entryErased
	}
	if err := p.part.EraseRange(slotOffset(p.offset, slot), uint32(span)*sys.EntrySize); err != nil {
		return err
	}
	p.items[slot] = nil
	p.varData[slot] = nil

	return p.writeBitmap()
}

// UsedEntries returns the count of written (non-erased, non-empty) slots,
// used by fillStats and debugCheck.
func (p *Page) UsedEntries() int {
	n := 0
	for _, st := range p.entryStates {
		if st == entryWritten {
			n++
		}
	}
	return n
}

// ErasedEntries mirrors UsedEntries for the erased-slot count.
func (p *Page) ErasedEntries() int {
	n := 0
	for _, st := range p.entryStates {
		if st == entryErased {
			n++
		}
	}
	return n
}

// Cursor supports ItemIterator's page-local scan: ItemAt returns the item
// starting at entryIndex, or ok=false past the last written slot.
func (p *Page) ItemAt(entryIndex int) (*Item, bool) {
	if entryIndex < 0 || entryIndex >= p.nextFree {
		return nil, false
	}
	it := p.items[entryIndex]
	if it == nil || p.entryStates[entryIndex] != entryWritten {
		return nil, false
	}
	return it, true
}

// NextFree exposes the page-local write cursor; ItemIterator uses it to
// know where a page's items end.
func (p *Page) NextFree() int { return p.nextFree }
