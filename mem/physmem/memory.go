// Package physmem provides physical memory backends: a sparse in-memory
// target, raw memory images and a rate-limiting decorator for slow targets.
package physmem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/vmi/mem"
)

// Memory is a sparse, in-memory physical address space. Units that were
// never written read as zeros and take no space.
//
// Memory counts the backend calls it receives, which makes it useful to
// check how many round trips a workload takes.
type Memory struct {
	lock     sync.RWMutex
	unitSize uint64
	capacity uint64
	readOnly bool
	data     map[uint64][]byte
	bad      []mem.MemoryRegion

	reads      atomic.Uint64
	batchReads atomic.Uint64
	writes     atomic.Uint64
}

// NewMemory creates a Memory of the given capacity in bytes.
func NewMemory(capacity uint64) *Memory {
	return &Memory{
		unitSize: mem.DefaultPageSize,
		capacity: capacity,
		data:     make(map[uint64][]byte),
	}
}

// SetReadOnly makes the memory reject writes.
func (m *Memory) SetReadOnly(readOnly bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.readOnly = readOnly
}

// MarkBad makes accesses that touch [base, base+size) fail, the way MMIO
// holes or pages lost by a crashed target do.
func (m *Memory) MarkBad(base mem.Address, size uint64) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.bad = append(m.bad, mem.MemoryRegion{Base: base, Size: size})
}

// Metadata describes the memory.
func (m *Memory) Metadata() mem.Metadata {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return mem.Metadata{
		Size:     m.capacity,
		ReadOnly: m.readOnly,
		PageSize: m.unitSize,
	}
}

// NumReads returns the number of ReadPhysical calls so far.
func (m *Memory) NumReads() uint64 {
	return m.reads.Load()
}

// NumBatchReads returns the number of ReadPhysicalMany calls so far.
func (m *Memory) NumBatchReads() uint64 {
	return m.batchReads.Load()
}

// NumWrites returns the number of WritePhysical calls so far.
func (m *Memory) NumWrites() uint64 {
	return m.writes.Load()
}

// ResetCounters sets the call counters to zero.
func (m *Memory) ResetCounters() {
	m.reads.Store(0)
	m.batchReads.Store(0)
	m.writes.Store(0)
}

func (m *Memory) check(addr mem.Address, n int) error {
	end := uint64(addr) + uint64(n)
	if end < uint64(addr) || end > m.capacity {
		return fmt.Errorf("physical range [%s, 0x%x) is beyond 0x%x",
			addr, end, m.capacity)
	}

	for _, r := range m.bad {
		if uint64(addr) < uint64(r.End()) && end > uint64(r.Base) {
			return fmt.Errorf("physical range [%s, 0x%x) is not accessible",
				addr, end)
		}
	}

	return nil
}

func (m *Memory) parseAddress(addr uint64) (baseAddr, inUnitAddr uint64) {
	inUnitAddr = addr % m.unitSize
	baseAddr = addr - inUnitAddr

	return
}

// ReadPhysical fills buf with the bytes at addr.
func (m *Memory) ReadPhysical(addr mem.Address, buf []byte) error {
	m.reads.Add(1)

	m.lock.RLock()
	defer m.lock.RUnlock()

	return m.read(addr, buf)
}

func (m *Memory) read(addr mem.Address, buf []byte) error {
	if err := m.check(addr, len(buf)); err != nil {
		return err
	}

	currAddr := uint64(addr)
	dataOffset := uint64(0)

	for dataOffset < uint64(len(buf)) {
		baseAddr, inUnitAddr := m.parseAddress(currAddr)
		lenToRead := min(m.unitSize-inUnitAddr, uint64(len(buf))-dataOffset)
		dst := buf[dataOffset : dataOffset+lenToRead]

		unit, ok := m.data[baseAddr]
		if ok {
			copy(dst, unit[inUnitAddr:inUnitAddr+lenToRead])
		} else {
			clear(dst)
		}

		dataOffset += lenToRead
		currAddr += lenToRead
	}

	return nil
}

// ReadPhysicalMany services several reads under one lock.
func (m *Memory) ReadPhysicalMany(reads []mem.PhysicalRead) []error {
	m.batchReads.Add(1)

	m.lock.RLock()
	defer m.lock.RUnlock()

	var errs []error

	for i, r := range reads {
		err := m.read(r.Addr, r.Buf)
		if err == nil {
			continue
		}

		if errs == nil {
			errs = make([]error, len(reads))
		}

		errs[i] = err
	}

	return errs
}

// WritePhysical writes data at addr.
func (m *Memory) WritePhysical(addr mem.Address, data []byte) error {
	m.writes.Add(1)

	m.lock.Lock()
	defer m.lock.Unlock()

	if m.readOnly {
		return fmt.Errorf("memory is read-only")
	}

	if err := m.check(addr, len(data)); err != nil {
		return err
	}

	currAddr := uint64(addr)
	dataOffset := uint64(0)

	for dataOffset < uint64(len(data)) {
		baseAddr, inUnitAddr := m.parseAddress(currAddr)
		lenToWrite := min(m.unitSize-inUnitAddr, uint64(len(data))-dataOffset)

		unit, ok := m.data[baseAddr]
		if !ok {
			unit = make([]byte, m.unitSize)
			m.data[baseAddr] = unit
		}

		copy(unit[inUnitAddr:inUnitAddr+lenToWrite],
			data[dataOffset:dataOffset+lenToWrite])
		dataOffset += lenToWrite
		currAddr += lenToWrite
	}

	return nil
}

var _ mem.BatchBackend = (*Memory)(nil)
