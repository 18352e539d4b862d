package partition

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// BadgerPartition emulates a flash partition on top of badger/v4, the way
// the teacher's BadgerStore emulated a page pool on top of badger: each
// sector is one key, and Write does a read-modify-write transaction so
// partial-sector writes behave like the byte-addressable flash they stand
// in for.
type BadgerPartition struct {
	db          *badger.DB
	mu          sync.RWMutex
	sectorSize  uint32
	sectorCount uint32
}

func NewBadgerPartition(path string, sectorSize, sectorCount uint32) (*BadgerPartition, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	p := &BadgerPartition{
		db:          db,
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
	}

	if err := p.formatMissingSectors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("format sectors: %w", err)
	}

	return p, nil
}

func (p *BadgerPartition) formatMissingSectors() error {
	blank := bytes.Repeat([]byte{0xFF}, int(p.sectorSize))
	return p.db.Update(func(txn *badger.Txn) error {
		for s := uint32(0); s < p.sectorCount; s++ {
			key := sectorKey(s)
			if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
				if err := txn.Set(key, blank); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *BadgerPartition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db.Close()
}

func (p *BadgerPartition) SectorSize() uint32  { return p.sectorSize }
func (p *BadgerPartition) SectorCount() uint32 { return p.sectorCount }

func sectorKey(sector uint32) []byte {
	key := make([]byte, 5)
	key[0] = 's'
	binary.BigEndian.PutUint32(key[1:], sector)
	return key
}

func (p *BadgerPartition) Read(offset uint32, buf []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := checkBounds(p, offset, uint32(len(buf))); err != nil {
		return err
	}

	return p.db.View(func(txn *badger.Txn) error {
		remaining := buf
		cur := offset
		for len(remaining) > 0 {
			sector := cur / p.sectorSize
			sectorOff := cur % p.sectorSize
			item, err := txn.Get(sectorKey(sector))
			if err != nil {
				return fmt.Errorf("read sector %d: %w", sector, err)
			}
			n := 0
			err = item.Value(func(val []byte) error {
				n = copy(remaining, val[sectorOff:])
				return nil
			})
			if err != nil {
				return err
			}
			remaining = remaining[n:]
			cur += uint32(n)
		}
		return nil
	})
}

func (p *BadgerPartition) Write(offset uint32, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := checkBounds(p, offset, uint32(len(data))); err != nil {
		return err
	}

	return p.db.Update(func(txn *badger.Txn) error {
		remaining := data
		cur := offset
		for len(remaining) > 0 {
			sector := cur / p.sectorSize
			sectorOff := cur % p.sectorSize
			key := sectorKey(sector)

			item, err := txn.Get(key)
			if err != nil {
				return fmt.Errorf("read sector %d for merge: %w", sector, err)
			}

			var sectorData []byte
			err = item.Value(func(val []byte) error {
				sectorData = append([]byte{}, val...)
				return nil
			})
			if err != nil {
				return err
			}

			n := copy(sectorData[sectorOff:], remaining)
			if err := txn.Set(key, sectorData); err != nil {
				return err
			}

			remaining = remaining[n:]
			cur += uint32(n)
		}
		return nil
	})
}

func (p *BadgerPartition) EraseRange(offset, length uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := checkBounds(p, offset, length); err != nil {
		return err
	}

	return p.db.Update(func(txn *badger.Txn) error {
		remaining := length
		cur := offset
		for remaining > 0 {
			sector := cur / p.sectorSize
			sectorOff := cur % p.sectorSize
			key := sectorKey(sector)

			item, err := txn.Get(key)
			if err != nil {
				return fmt.Errorf("read sector %d for erase: %w", sector, err)
			}

			var sectorData []byte
			err = item.Value(func(val []byte) error {
				sectorData = append([]byte{}, val...)
				return nil
			})
			if err != nil {
				return err
			}

			n := p.sectorSize - sectorOff
			if n > remaining {
				n = remaining
			}
			for i := uint32(0); i < n; i++ {
				sectorData[sectorOff+i] = 0xFF
			}
			if err := txn.Set(key, sectorData); err != nil {
				return err
			}

			remaining -= n
			cur += n
		}
		return nil
	})
}
