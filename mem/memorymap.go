package mem

import (
	"fmt"

	"github.com/google/btree"
)

// A MemoryRegion maps a contiguous range of physical memory to a location in
// the backing store of a backend, e.g. an offset in a dump file.
type MemoryRegion struct {
	Base   Address
	Size   uint64
	Remote uint64
}

// End returns the first address after the region.
func (r MemoryRegion) End() Address {
	return r.Base + Address(r.Size)
}

// Contains reports whether addr is inside the region.
func (r MemoryRegion) Contains(addr Address) bool {
	return addr >= r.Base && addr < r.End()
}

// A MemoryMap translates physical addresses into backend locations. Targets
// rarely have contiguous physical memory; dumps typically store only the
// populated ranges.
//
// A MemoryMap is not safe for concurrent modification. Build it first, then
// share it read-only.
type MemoryMap struct {
	regions *btree.BTreeG[MemoryRegion]
}

// NewMemoryMap creates an empty memory map.
func NewMemoryMap() *MemoryMap {
	return &MemoryMap{
		regions: btree.NewG[MemoryRegion](8, func(a, b MemoryRegion) bool {
			return a.Base < b.Base
		}),
	}
}

// Push adds a region. Regions must not overlap.
func (m *MemoryMap) Push(base Address, size uint64, remote uint64) error {
	if size == 0 {
		return fmt.Errorf("region at %s is empty", base)
	}

	r := MemoryRegion{Base: base, Size: size, Remote: remote}
	if r.End() < base {
		return fmt.Errorf("region at %s overflows", base)
	}

	var conflict *MemoryRegion

	m.regions.DescendLessOrEqual(MemoryRegion{Base: r.End() - 1},
		func(item MemoryRegion) bool {
			if item.End() > base {
				conflict = &item
			}

			return false
		})

	if conflict != nil {
		return fmt.Errorf("region [%s, %s) overlaps [%s, %s)",
			base, r.End(), conflict.Base, conflict.End())
	}

	m.regions.ReplaceOrInsert(r)

	return nil
}

// Len returns the number of regions.
func (m *MemoryMap) Len() int {
	return m.regions.Len()
}

// Max returns the end of the highest region.
func (m *MemoryMap) Max() Address {
	last, ok := m.regions.Max()
	if !ok {
		return 0
	}

	return last.End()
}

// Lookup returns the region containing addr.
func (m *MemoryMap) Lookup(addr Address) (MemoryRegion, bool) {
	var (
		found  MemoryRegion
		exists bool
	)

	m.regions.DescendLessOrEqual(MemoryRegion{Base: addr},
		func(item MemoryRegion) bool {
			if item.Contains(addr) {
				found = item
				exists = true
			}

			return false
		})

	return found, exists
}

// A MappedChunk is a piece of a physical range that maps to one region.
type MappedChunk struct {
	Addr   Address
	Remote uint64
	Offset uint64
	Size   uint64
}

// Map splits [addr, addr+size) into chunks that are each backed by a single
// region. It fails on the first byte that is not mapped.
func (m *MemoryMap) Map(addr Address, size uint64) ([]MappedChunk, error) {
	var chunks []MappedChunk

	offset := uint64(0)
	for offset < size {
		cur := addr + Address(offset)

		r, ok := m.Lookup(cur)
		if !ok {
			return nil, fmt.Errorf("physical address %s is not mapped", cur)
		}

		n := uint64(r.End() - cur)
		if n > size-offset {
			n = size - offset
		}

		chunks = append(chunks, MappedChunk{
			Addr:   cur,
			Remote: r.Remote + uint64(cur-r.Base),
			Offset: offset,
			Size:   n,
		})

		offset += n
	}

	return chunks, nil
}

// Regions returns the regions in ascending order.
func (m *MemoryMap) Regions() []MemoryRegion {
	out := make([]MemoryRegion, 0, m.regions.Len())

	m.regions.Ascend(func(item MemoryRegion) bool {
		out = append(out, item)
		return true
	})

	return out
}
