// Package sys holds the fixed layout constants shared by every layer of
// the store, mirroring the way the teacher package keeps its page-size and
// name-length constants in one place for storage, inode and tag code to
// share.
package sys

const (
	// PageSize is the size in bytes of one flash sector.
	PageSize = 4096

	// EntrySize is the fixed size in bytes of one page entry.
	EntrySize = 32

	// EntryCount is the number of EntrySize slots in a page.
	EntryCount = PageSize / EntrySize

	// HeaderEntries is the number of slots reserved for the page state
	// marker and the entry-state bitmap.
	HeaderEntries = 2

	// UsableEntryCount is the number of slots available for items,
	// matching the real NVS page layout (126 entries per 4096-byte page).
	UsableEntryCount = EntryCount - HeaderEntries

	// MaxKeyLength is the maximum usable key length; on-disk keys are
	// NUL-terminated in a MaxKeyLength+1 byte field.
	MaxKeyLength = 15

	// ChunkMaxSize is the maximum payload size of a single BLOB_DATA
	// chunk: a var-length item consumes one header slot, leaving the
	// rest of the page's usable slots for inline payload.
	ChunkMaxSize = (UsableEntryCount - 1) * EntrySize

	CHUNK_ANY    = 0xFF
	VER_0_OFFSET = 0x00
	VER_1_OFFSET = 0x80
	VER_ANY      = 0xFF
	NS_ANY       = 0xFF
	NS_INDEX     = 0

	MinNamespaceIndex = 1
	MaxNamespaceIndex = 254
	ReservedNamespace = 255
)
