// Package nvs is the public façade over the storage engine: it wires a
// Partition to a Storage instance and exposes namespace handles as the
// only way callers touch keys, mirroring the interface-composition and
// typed-ID boundary shape of the teacher's pkg/tagfs façade over its own
// internal engine.
package nvs

import (
	"fmt"

	"github.com/sekai02/nvsstore/internal/page"
	"github.com/sekai02/nvsstore/internal/partition"
	"github.com/sekai02/nvsstore/internal/storage"
	"github.com/sekai02/nvsstore/internal/sys"
)

// ItemType re-exports the internal item type enum so callers never import
// internal/page directly.
type ItemType = page.ItemType

const (
	TypeU8       = page.TypeU8
	TypeI8       = page.TypeI8
	TypeU16      = page.TypeU16
	TypeI16      = page.TypeI16
	TypeU32      = page.TypeU32
	TypeI32      = page.TypeI32
	TypeU64      = page.TypeU64
	TypeI64      = page.TypeI64
	TypeSTR      = page.TypeSTR
	TypeBLOB     = page.TypeBLOB
	TypeANY      = page.TypeANY
)

// Stats re-exports the storage engine's namespace/entry accounting.
type Stats = storage.Stats

// Options configures a Store at construction.
type Options = storage.Options

// Store is the top-level entry point: one Store owns one partition
// region and hands out namespace Handles.
type Store struct {
	st *storage.Storage
}

// Open constructs a Store over part and runs init/recovery immediately,
// the way a caller mounting a filesystem expects a ready object back or
// an error, never a two-step construct-then-init dance.
func Open(part partition.Partition, baseSector, sectorCount uint32, opts Options) (*Store, error) {
	st := storage.New(part, opts)
	if err := st.Init(baseSector, sectorCount); err != nil {
		return nil, fmt.Errorf("nvs: open: %w", err)
	}
	return &Store{st: st}, nil
}

// OpenNamespace resolves name, creating it only when readOnly is false,
// and returns a handle bound to it. readOnly handles reject every
// mutating call with ErrInvalidArg.
func (s *Store) OpenNamespace(name string, readOnly bool) (*Handle, error) {
	h, err := s.st.OpenHandle(name, readOnly)
	if err != nil {
		return nil, err
	}
	return &Handle{h: h}, nil
}

// Stats reports namespace and entry accounting across the store.
func (s *Store) Stats() (Stats, error) {
	return s.st.FillStats()
}

// LastError returns the sticky error from the most recently failing
// operation on the underlying engine.
func (s *Store) LastError() error {
	return s.st.LastError()
}

// EraseNamespace erases every item in the namespace named name.
func (s *Store) EraseNamespace(name string) error {
	idx, err := s.st.CreateOrOpenNamespace(name, false)
	if err != nil {
		return err
	}
	return s.st.EraseNamespace(idx)
}

// Handle is a namespace-scoped read/write capability.
type Handle struct {
	h *storage.Handle
}

func (h *Handle) SetU8(key string, v uint8) error   { return h.h.SetU8(key, v) }
func (h *Handle) SetI8(key string, v int8) error    { return h.h.SetI8(key, v) }
func (h *Handle) SetU16(key string, v uint16) error { return h.h.SetU16(key, v) }
func (h *Handle) SetI16(key string, v int16) error  { return h.h.SetI16(key, v) }
func (h *Handle) SetU32(key string, v uint32) error { return h.h.SetU32(key, v) }
func (h *Handle) SetI32(key string, v int32) error  { return h.h.SetI32(key, v) }
func (h *Handle) SetU64(key string, v uint64) error { return h.h.SetU64(key, v) }
func (h *Handle) SetI64(key string, v int64) error  { return h.h.SetI64(key, v) }

func (h *Handle) GetU8(key string) (uint8, error)   { return h.h.GetU8(key) }
func (h *Handle) GetI8(key string) (int8, error)    { return h.h.GetI8(key) }
func (h *Handle) GetU16(key string) (uint16, error) { return h.h.GetU16(key) }
func (h *Handle) GetI16(key string) (int16, error)  { return h.h.GetI16(key) }
func (h *Handle) GetU32(key string) (uint32, error) { return h.h.GetU32(key) }
func (h *Handle) GetI32(key string) (int32, error)  { return h.h.GetI32(key) }
func (h *Handle) GetU64(key string) (uint64, error) { return h.h.GetU64(key) }
func (h *Handle) GetI64(key string) (int64, error)  { return h.h.GetI64(key) }

func (h *Handle) SetString(key, v string) error        { return h.h.SetString(key, v) }
func (h *Handle) GetString(key string) (string, error) { return h.h.GetString(key) }

func (h *Handle) SetBlob(key string, v []byte) error            { return h.h.SetBlob(key, v) }
func (h *Handle) GetBlob(key string, size int) ([]byte, error) { return h.h.GetBlob(key, size) }

// GetItemDataSize returns the payload size of a string or blob item,
// letting a caller size its read buffer before calling GetString/GetBlob.
func (h *Handle) GetItemDataSize(t ItemType, key string) (int, error) {
	return h.h.GetItemDataSize(t, key)
}

// Erase removes key's item of type t, or every item in the handle's
// namespace when t is TypeANY and key is empty.
func (h *Handle) Erase(t ItemType, key string) error { return h.h.Erase(t, key) }

// Entries returns a restartable iterator over the handle's namespace,
// filtered by t (TypeANY for unconstrained).
func (h *Handle) Entries(t ItemType) (*Iterator, error) {
	it, err := h.h.FindEntry(t)
	if err != nil {
		return nil, err
	}
	return &Iterator{it: it}, nil
}

// Close releases the handle back to the store.
func (h *Handle) Close() error { return h.h.Close() }

// Iterator enumerates items in a namespace, restartable via Reset.
type Iterator struct {
	it *storage.ItemIterator
}

// Next advances the cursor, returning false once exhausted.
func (i *Iterator) Next() bool { return i.it.Next() }

// Reset returns the cursor to the first page.
func (i *Iterator) Reset() { i.it.Reset() }

// Key returns the current item's key.
func (i *Iterator) Key() string { return i.it.Item().Key }

// Type returns the current item's ItemType.
func (i *Iterator) Type() ItemType { return i.it.Item().Datatype }

// Namespace returns the owning namespace's name.
func (i *Iterator) Namespace() string { return i.it.NamespaceName() }

// MaxKeyLength is the longest key a namespace directory entry or item
// key can carry.
const MaxKeyLength = sys.MaxKeyLength
