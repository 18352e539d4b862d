package page

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/sekai02/nvsstore/internal/sys"
)

// ItemType tags the discriminated payload a page entry carries.
type ItemType uint8

const (
	TypeU8 ItemType = iota
	TypeI8
	TypeU16
	TypeI16
	TypeU32
	TypeI32
	TypeU64
	TypeI64
	TypeSTR
	TypeBLOB
	TypeBLOBData
	TypeBLOBIdx
	TypeANY ItemType = 0xFF
)

func (t ItemType) String() string {
	switch t {
	case TypeU8:
		return "U8"
	case TypeI8:
		return "I8"
	case TypeU16:
		return "U16"
	case TypeI16:
		return "I16"
	case TypeU32:
		return "U32"
	case TypeI32:
		return "I32"
	case TypeU64:
		return "U64"
	case TypeI64:
		return "I64"
	case TypeSTR:
		return "STR"
	case TypeBLOB:
		return "BLOB"
	case TypeBLOBData:
		return "BLOB_DATA"
	case TypeBLOBIdx:
		return "BLOB_IDX"
	case TypeANY:
		return "ANY"
	default:
		return fmt.Sprintf("ItemType(%d)", uint8(t))
	}
}

// IsVariableLength reports whether the item's on-flash payload is a
// varLength{dataSize,crc} projection with inline bytes following the
// header entry (STR and BLOB_DATA), as opposed to a fixed scalar payload
// or the blobIndex projection.
func (t ItemType) IsVariableLength() bool {
	return t == TypeSTR || t == TypeBLOBData
}

// ScalarSize returns the width in bytes of a scalar ItemType, or 0 for
// non-scalar kinds.
func (t ItemType) ScalarSize() int { return t.scalarSize() }

func (t ItemType) scalarSize() int {
	switch t {
	case TypeU8, TypeI8:
		return 1
	case TypeU16, TypeI16:
		return 2
	case TypeU32, TypeI32:
		return 4
	case TypeU64, TypeI64:
		return 8
	default:
		return 0
	}
}

// entryLayout: fixed 32-byte entry.
//
//	[0]      nsIndex
//	[1]      datatype
//	[2]      span
//	[3]      chunkIndex
//	[4:8]    crc32 (of bytes [8:32] of the header entry, plus any inline
//	         var-data payload)
//	[8:24]   key, NUL-terminated, 16 bytes (MaxKeyLength usable)
//	[24:32]  payload union
const (
	offNsIndex    = 0
	offDatatype   = 1
	offSpan       = 2
	offChunkIndex = 3
	offCRC        = 4
	offKey        = 8
	keyFieldLen   = sys.MaxKeyLength + 1
	offPayload    = offKey + keyFieldLen
	payloadLen    = sys.EntrySize - offPayload
)

// VarLength is the varLength{dataSize,crc} projection used by STR and
// BLOB_DATA items.
type VarLength struct {
	DataSize uint16
	CRC32    uint32
}

// BlobIndex is the blobIndex{dataSize,chunkCount,chunkStart} projection
// used by BLOB_IDX items.
type BlobIndex struct {
	DataSize   uint32
	ChunkCount uint8
	ChunkStart uint8
}

// Item is one fixed-size page entry. Storage treats it as an opaque
// record exposing these named projections, matching spec's description
// of the on-flash union.
type Item struct {
	NsIndex    uint8
	Datatype   ItemType
	Key        string
	ChunkIndex uint8
	Span       uint8

	Scalar    uint64    // valid when Datatype is a scalar kind
	VarLength VarLength // valid when Datatype.IsVariableLength()
	BlobIdx   BlobIndex // valid when Datatype == TypeBLOBIdx

	crc32 uint32 // header CRC as read from flash; recomputed on encode
}

func encodeKey(key string) ([keyFieldLen]byte, error) {
	var out [keyFieldLen]byte
	if len(key) > sys.MaxKeyLength {
		return out, fmt.Errorf("nvs: key %q exceeds max length %d", key, sys.MaxKeyLength)
	}
	copy(out[:], key)
	return out, nil
}

func decodeKey(raw [keyFieldLen]byte) string {
	end := 0
	for i, b := range raw {
		if b == 0 {
			break
		}
		end = i + 1
	}
	return string(raw[:end])
}

func crc32Of(b []byte) uint32 {
	return uint32(xxhash.Sum64(b))
}

// encodeEntry renders the item's fixed 32-byte header entry. varData, if
// non-empty, is appended by the caller across the item's remaining span
// slots and is folded into the CRC here.
func (it *Item) encodeEntry(varData []byte) ([]byte, error) {
	buf := make([]byte, sys.EntrySize)
	buf[offNsIndex] = it.NsIndex
	buf[offDatatype] = uint8(it.Datatype)
	buf[offSpan] = it.Span
	buf[offChunkIndex] = it.ChunkIndex

	keyBytes, err := encodeKey(it.Key)
	if err != nil {
		return nil, err
	}
	copy(buf[offKey:offKey+keyFieldLen], keyBytes[:])

	switch {
	case it.Datatype == TypeBLOBIdx:
		putUint32(buf[offPayload:], it.BlobIdx.DataSize)
		buf[offPayload+4] = it.BlobIdx.ChunkCount
		buf[offPayload+5] = it.BlobIdx.ChunkStart
	case it.Datatype.IsVariableLength():
		putUint16(buf[offPayload:], it.VarLength.DataSize)
		putUint32(buf[offPayload+2:], it.VarLength.CRC32)
	default:
		putUint64Scalar(buf[offPayload:offPayload+it.Datatype.scalarSize()], it.Scalar, it.Datatype)
	}

	crcInput := append(append([]byte{}, buf[offKey:]...), varData...)
	crc := crc32Of(crcInput)
	putUint32(buf[offCRC:], crc)
	it.crc32 = crc

	return buf, nil
}

func decodeEntry(buf []byte) (*Item, error) {
	if len(buf) != sys.EntrySize {
		return nil, fmt.Errorf("nvs: entry buffer must be %d bytes, got %d", sys.EntrySize, len(buf))
	}

	it := &Item{
		NsIndex:    buf[offNsIndex],
		Datatype:   ItemType(buf[offDatatype]),
		Span:       buf[offSpan],
		ChunkIndex: buf[offChunkIndex],
		crc32:      getUint32(buf[offCRC:]),
	}

	var keyRaw [keyFieldLen]byte
	copy(keyRaw[:], buf[offKey:offKey+keyFieldLen])
	it.Key = decodeKey(keyRaw)

	switch {
	case it.Datatype == TypeBLOBIdx:
		it.BlobIdx.DataSize = getUint32(buf[offPayload:])
		it.BlobIdx.ChunkCount = buf[offPayload+4]
		it.BlobIdx.ChunkStart = buf[offPayload+5]
	case it.Datatype.IsVariableLength():
		it.VarLength.DataSize = getUint16(buf[offPayload:])
		it.VarLength.CRC32 = getUint32(buf[offPayload+2:])
	default:
		it.Scalar = getUint64Scalar(buf[offPayload:offPayload+it.Datatype.scalarSize()], it.Datatype)
	}

	return it, nil
}

// verifyCRC checks the header+var-data CRC recorded when the entry was
// last decoded from flash.
func (it *Item) verifyCRC(rawKeyAndPayload []byte, varData []byte) bool {
	crcInput := append(append([]byte{}, rawKeyAndPayload...), varData...)
	return crc32Of(crcInput) == it.crc32
}

func putUint16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func getUint16(b []byte) uint16    { return uint16(b[0]) | uint16(b[1])<<8 }

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putUint64Scalar(b []byte, v uint64, t ItemType) {
	n := t.scalarSize()
	for i := 0; i < n; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64Scalar(b []byte, t ItemType) uint64 {
	var v uint64
	for i, bb := range b {
		v |= uint64(bb) << (8 * i)
	}
	return v
}
