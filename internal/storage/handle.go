package storage

import (
	"github.com/sekai02/nvsstore/internal/nvserr"
	"github.com/sekai02/nvsstore/internal/page"
)

// Handle is a namespace-scoped capability object. Every typed set/get/
// erase call forwards into Storage's writeItem/readItem/eraseItem with
// the handle's bound namespace index, and it destroys itself via Close,
// per the handle-lifecycle description in §6.
type Handle struct {
	st          *Storage
	ns          uint8
	readOnly    bool
	closed      bool
	invalidated bool
}

func newHandle(st *Storage, ns uint8, readOnly bool) *Handle {
	return &Handle{st: st, ns: ns, readOnly: readOnly}
}

func (h *Handle) checkWritable() error {
	if h.invalidated {
		return nvserr.ErrInvalidState
	}
	if h.closed {
		return nvserr.ErrInvalidState
	}
	if h.readOnly {
		return nvserr.ErrInvalidArg
	}
	return nil
}

func (h *Handle) checkReadable() error {
	if h.invalidated {
		return nvserr.ErrInvalidState
	}
	if h.closed {
		return nvserr.ErrInvalidState
	}
	return nil
}

func (h *Handle) setScalar(t page.ItemType, key string, v uint64) error {
	if err := h.checkWritable(); err != nil {
		return err
	}
	return h.st.WriteScalar(h.ns, t, key, v)
}

func (h *Handle) getScalar(t page.ItemType, key string) (uint64, error) {
	if err := h.checkReadable(); err != nil {
		return 0, err
	}
	return h.st.ReadScalar(h.ns, t, key)
}

func (h *Handle) SetU8(key string, v uint8) error   { return h.setScalar(page.TypeU8, key, uint64(v)) }
func (h *Handle) SetI8(key string, v int8) error    { return h.setScalar(page.TypeI8, key, uint64(uint8(v))) }
func (h *Handle) SetU16(key string, v uint16) error { return h.setScalar(page.TypeU16, key, uint64(v)) }
func (h *Handle) SetI16(key string, v int16) error  { return h.setScalar(page.TypeI16, key, uint64(uint16(v))) }
func (h *Handle) SetU32(key string, v uint32) error { return h.setScalar(page.TypeU32, key, uint64(v)) }
func (h *Handle) SetI32(key string, v int32) error  { return h.setScalar(page.TypeI32, key, uint64(uint32(v))) }
func (h *Handle) SetU64(key string, v uint64) error { return h.setScalar(page.TypeU64, key, v) }
func (h *Handle) SetI64(key string, v int64) error  { return h.setScalar(page.TypeI64, key, uint64(v)) }

func (h *Handle) GetU8(key string) (uint8, error) {
	v, err := h.getScalar(page.TypeU8, key)
	return uint8(v), err
}
func (h *Handle) GetI8(key string) (int8, error) {
	v, err := h.getScalar(page.TypeI8, key)
	return int8(uint8(v)), err
}
func (h *Handle) GetU16(key string) (uint16, error) {
	v, err := h.getScalar(page.TypeU16, key)
	return uint16(v), err
}
func (h *Handle) GetI16(key string) (int16, error) {
	v, err := h.getScalar(page.TypeI16, key)
	return int16(uint16(v)), err
}
func (h *Handle) GetU32(key string) (uint32, error) {
	v, err := h.getScalar(page.TypeU32, key)
	return uint32(v), err
}
func (h *Handle) GetI32(key string) (int32, error) {
	v, err := h.getScalar(page.TypeI32, key)
	return int32(uint32(v)), err
}
func (h *Handle) GetU64(key string) (uint64, error) {
	return h.getScalar(page.TypeU64, key)
}
func (h *Handle) GetI64(key string) (int64, error) {
	v, err := h.getScalar(page.TypeI64, key)
	return int64(v), err
}

func (h *Handle) SetString(key, v string) error {
	if err := h.checkWritable(); err != nil {
		return err
	}
	return h.st.WriteString(h.ns, key, v)
}

func (h *Handle) GetString(key string) (string, error) {
	if err := h.checkReadable(); err != nil {
		return "", err
	}
	return h.st.ReadString(h.ns, key)
}

func (h *Handle) SetBlob(key string, v []byte) error {
	if err := h.checkWritable(); err != nil {
		return err
	}
	return h.st.WriteBlob(h.ns, key, v)
}

func (h *Handle) GetBlob(key string, size int) ([]byte, error) {
	if err := h.checkReadable(); err != nil {
		return nil, err
	}
	return h.st.ReadBlob(h.ns, key, size)
}

// GetItemDataSize returns the payload size of a var-length or blob item.
func (h *Handle) GetItemDataSize(t page.ItemType, key string) (int, error) {
	if err := h.checkReadable(); err != nil {
		return 0, err
	}
	return h.st.GetItemDataSize(h.ns, t, key)
}

// Erase removes the item of the given type under key, or every item in
// the handle's namespace when t is page.TypeANY and key is empty.
func (h *Handle) Erase(t page.ItemType, key string) error {
	if err := h.checkWritable(); err != nil {
		return err
	}
	if t == page.TypeANY && key == "" {
		return h.st.EraseNamespace(h.ns)
	}
	return h.st.EraseItem(h.ns, t, key)
}

// FindEntry returns a restartable iterator scoped to this handle's
// namespace, filtered by t (page.TypeANY for unconstrained).
func (h *Handle) FindEntry(t page.ItemType) (*ItemIterator, error) {
	if err := h.checkReadable(); err != nil {
		return nil, err
	}
	name, _ := h.st.nsTable.Name(h.ns)
	return h.st.FindEntry(name, t)
}

// Close releases the handle, allowing a future Init to proceed once every
// handle from the previous session has been closed.
func (h *Handle) Close() error {
	if h.closed {
		return nvserr.ErrInvalidState
	}
	h.closed = true
	if !h.invalidated {
		h.st.releaseHandle(h)
	}
	return nil
}
