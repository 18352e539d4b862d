package partition

import (
	"fmt"
	"sync"
)

// MemPartition is a plain in-memory flash emulation, generalizing the
// teacher's MemStore. It additionally counts erase calls (for the
// erase-avoidance property, spec scenario 6) and supports fault injection
// so crash-recovery tests can truncate a write mid-operation.
type MemPartition struct {
	mu          sync.Mutex
	data        []byte
	sectorSize  uint32
	sectorCount uint32

	eraseCount int
	writeCount int

	failAfterWrites int // 0 disables injection
}

func NewMemPartition(sectorSize, sectorCount uint32) *MemPartition {
	data := make([]byte, sectorSize*sectorCount)
	for i := range data {
		data[i] = 0xFF // emulate erased flash, not zeroed RAM
	}
	return &MemPartition{
		data:        data,
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
	}
}

func (p *MemPartition) SectorSize() uint32  { return p.sectorSize }
func (p *MemPartition) SectorCount() uint32 { return p.sectorCount }

func (p *MemPartition) Read(offset uint32, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := checkBounds(p, offset, uint32(len(buf))); err != nil {
		return err
	}
	copy(buf, p.data[offset:offset+uint32(len(buf))])
	return nil
}

// FailAfterWrites arms fault injection: once n Write calls have been made
// since the partition was created (calls made before arming count too),
// every further Write applies only the first half of its bytes and
// returns an error, emulating a crash mid-write. Zero disarms it.
func (p *MemPartition) FailAfterWrites(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAfterWrites = n
}

func (p *MemPartition) Write(offset uint32, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := checkBounds(p, offset, uint32(len(data))); err != nil {
		return err
	}

	p.writeCount++

	if p.failAfterWrites > 0 && p.writeCount > p.failAfterWrites {
		half := len(data) / 2
		copy(p.data[offset:offset+uint32(half)], data[:half])
		return fmt.Errorf("partition: injected write failure at write %d", p.writeCount)
	}

	copy(p.data[offset:offset+uint32(len(data))], data)
	return nil
}

func (p *MemPartition) EraseRange(offset, length uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := checkBounds(p, offset, length); err != nil {
		return err
	}

	p.eraseCount++
	for i := offset; i < offset+length; i++ {
		p.data[i] = 0xFF
	}
	return nil
}

// EraseCount reports how many EraseRange calls have been made, used by
// tests asserting erase avoidance (property P5) and orphan cleanup counts.
func (p *MemPartition) EraseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eraseCount
}
