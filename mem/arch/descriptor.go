// Package arch describes page-table formats as data, so that a single walker
// can translate addresses for any architecture.
package arch

import (
	"encoding/binary"
	"fmt"

	"github.com/sarchlab/vmi/mem"
)

// A Level describes one level of a page-table tree.
type Level struct {
	// IndexBits is the number of virtual address bits used to index the
	// table at this level.
	IndexBits uint

	// LargePage is set if an entry at this level may map memory directly when
	// it has the large page bit set.
	LargePage bool

	// NoPermissions is set if entries at this level carry no permission bits.
	// Their writable and no-execute bits are ignored.
	NoPermissions bool
}

// A Descriptor specifies the page-table format of an architecture. Bit
// positions are -1 when the architecture does not have that bit.
type Descriptor struct {
	Name string

	// WordBits is the width of an address, 32 or 64.
	WordBits uint

	// PageShift is log2 of the smallest page size.
	PageShift uint

	// Levels lists the tables from the root down to the leaf table.
	Levels []Level

	// EntrySize is the byte size of a table entry, 4 or 8.
	EntrySize uint

	// PhysAddrBits is the number of bits of a physical address.
	PhysAddrBits uint

	PresentBit   int
	WritableBit  int
	ExecBit      int
	NXBit        int
	LargePageBit int

	// Canonical requires the unused upper bits of a virtual address to be
	// copies of the highest translated bit.
	Canonical bool

	ByteOrder binary.ByteOrder
}

// Validate checks that the descriptor is self-consistent.
func (d *Descriptor) Validate() error {
	if d == nil {
		return fmt.Errorf("descriptor is nil")
	}

	if d.WordBits != 32 && d.WordBits != 64 {
		return fmt.Errorf("%s: word width %d is not supported", d.Name, d.WordBits)
	}

	if d.PageShift < 9 || d.PageShift > 30 {
		return fmt.Errorf("%s: page shift %d is out of range", d.Name, d.PageShift)
	}

	if d.ByteOrder == nil {
		return fmt.Errorf("%s: byte order is not set", d.Name)
	}

	if d.VirtualBits() > d.WordBits {
		return fmt.Errorf("%s: %d translated bits exceed the word width %d",
			d.Name, d.VirtualBits(), d.WordBits)
	}

	if len(d.Levels) == 0 {
		return nil
	}

	return d.validateTables()
}

func (d *Descriptor) validateTables() error {
	if d.EntrySize != 4 && d.EntrySize != 8 {
		return fmt.Errorf("%s: entry size %d is not supported", d.Name, d.EntrySize)
	}

	if d.PhysAddrBits < d.PageShift || d.PhysAddrBits > 64 {
		return fmt.Errorf("%s: physical address width %d is out of range",
			d.Name, d.PhysAddrBits)
	}

	if d.PresentBit < 0 {
		return fmt.Errorf("%s: present bit is required", d.Name)
	}

	entryBits := int(d.EntrySize * 8)
	bits := map[string]int{
		"present":    d.PresentBit,
		"writable":   d.WritableBit,
		"exec":       d.ExecBit,
		"no-execute": d.NXBit,
		"large page": d.LargePageBit,
	}

	for name, pos := range bits {
		if pos >= entryBits {
			return fmt.Errorf("%s: %s bit %d does not fit a %d-byte entry",
				d.Name, name, pos, d.EntrySize)
		}
	}

	for i, l := range d.Levels {
		if l.IndexBits == 0 {
			return fmt.Errorf("%s: level %d has no index bits", d.Name, d.LevelOf(i))
		}

		if l.LargePage && d.LargePageBit < 0 {
			return fmt.Errorf("%s: level %d allows large pages but there is "+
				"no large page bit", d.Name, d.LevelOf(i))
		}
	}

	return nil
}

// NumLevels returns the number of tables walked for a translation.
func (d *Descriptor) NumLevels() int {
	return len(d.Levels)
}

// LevelOf converts a walk step (0 is the root table) into a level number (0
// is the leaf table).
func (d *Descriptor) LevelOf(step int) int {
	return len(d.Levels) - 1 - step
}

// PageSize returns the smallest page size.
func (d *Descriptor) PageSize() uint64 {
	return 1 << d.PageShift
}

// VirtualBits returns the number of virtual address bits that are translated.
func (d *Descriptor) VirtualBits() uint {
	bits := d.PageShift
	for _, l := range d.Levels {
		bits += l.IndexBits
	}

	return bits
}

// shiftAt returns the position of the lowest virtual address bit that indexes
// the table at the given step.
func (d *Descriptor) shiftAt(step int) uint {
	shift := d.PageShift
	for i := step + 1; i < len(d.Levels); i++ {
		shift += d.Levels[i].IndexBits
	}

	return shift
}

// PageSizeAt returns the size of the memory mapped by an entry that ends the
// walk at the given step.
func (d *Descriptor) PageSizeAt(step int) uint64 {
	return 1 << d.shiftAt(step)
}

// PageSizes returns every page size the descriptor can produce, smallest
// first.
func (d *Descriptor) PageSizes() []uint64 {
	sizes := []uint64{d.PageSize()}

	for step := len(d.Levels) - 2; step >= 0; step-- {
		if d.Levels[step].LargePage {
			sizes = append(sizes, d.PageSizeAt(step))
		}
	}

	return sizes
}

// IndexAt returns the table index used at the given step for va.
func (d *Descriptor) IndexAt(va mem.Address, step int) uint64 {
	mask := uint64(1)<<d.Levels[step].IndexBits - 1
	return (uint64(va) >> d.shiftAt(step)) & mask
}

// CheckVirtual verifies that va can be translated with this descriptor.
func (d *Descriptor) CheckVirtual(va mem.Address) error {
	if d.WordBits < 64 && uint64(va)>>d.WordBits != 0 {
		return mem.NewError(mem.KindArchMismatch, va,
			fmt.Errorf("%s addresses are %d bits wide", d.Name, d.WordBits))
	}

	if len(d.Levels) == 0 {
		return nil
	}

	vb := d.VirtualBits()
	if vb >= d.WordBits {
		return nil
	}

	upper := uint64(va) >> vb
	if !d.Canonical {
		if upper != 0 {
			return mem.NewError(mem.KindOutOfRange, va, nil)
		}

		return nil
	}

	upper = uint64(va) >> (vb - 1)
	allOnes := uint64(1)<<(d.WordBits-vb+1) - 1
	if upper != 0 && upper != allOnes {
		return mem.NewError(mem.KindOutOfRange, va,
			fmt.Errorf("not a canonical %s address", d.Name))
	}

	return nil
}

// CheckRoot verifies that root can be a table root for this descriptor.
func (d *Descriptor) CheckRoot(root mem.Address) error {
	if len(d.Levels) == 0 || d.PhysAddrBits >= 64 {
		return nil
	}

	if uint64(root)>>d.PhysAddrBits != 0 {
		return mem.NewError(mem.KindArchMismatch, root,
			fmt.Errorf("%s physical addresses are %d bits wide",
				d.Name, d.PhysAddrBits))
	}

	return nil
}

// DecodeEntry reads a table entry from its raw bytes.
func (d *Descriptor) DecodeEntry(raw []byte) uint64 {
	if d.EntrySize == 4 {
		return uint64(d.ByteOrder.Uint32(raw))
	}

	return d.ByteOrder.Uint64(raw)
}

func hasBit(entry uint64, pos int) bool {
	return pos >= 0 && (entry>>uint(pos))&1 == 1
}

// IsPresent reports whether the entry is marked present.
func (d *Descriptor) IsPresent(entry uint64) bool {
	return hasBit(entry, d.PresentBit)
}

// IsLargePage reports whether the entry at the given step maps memory
// directly.
func (d *Descriptor) IsLargePage(entry uint64, step int) bool {
	return d.Levels[step].LargePage && hasBit(entry, d.LargePageBit)
}

// IsWritable reports whether the entry allows writes. Levels without
// permission bits always allow them.
func (d *Descriptor) IsWritable(entry uint64, step int) bool {
	if d.Levels[step].NoPermissions || d.WritableBit < 0 {
		return true
	}

	return hasBit(entry, d.WritableBit)
}

// IsExecutable reports whether the entry allows instruction fetches.
func (d *Descriptor) IsExecutable(entry uint64, step int) bool {
	if d.Levels[step].NoPermissions {
		return true
	}

	if d.ExecBit >= 0 && !hasBit(entry, d.ExecBit) {
		return false
	}

	return !hasBit(entry, d.NXBit)
}

func (d *Descriptor) physMask() uint64 {
	if d.PhysAddrBits >= 64 {
		return ^uint64(0)
	}

	return uint64(1)<<d.PhysAddrBits - 1
}

// TableAddress extracts the physical address of the next table from an entry.
func (d *Descriptor) TableAddress(entry uint64) mem.Address {
	return mem.Address(entry & d.physMask() &^ (d.PageSize() - 1))
}

// FrameAddress extracts the physical address of the mapped page from an
// entry that ends the walk at the given step.
func (d *Descriptor) FrameAddress(entry uint64, step int) mem.Address {
	return mem.Address(entry & d.physMask() &^ (d.PageSizeAt(step) - 1))
}

func (d *Descriptor) String() string {
	return d.Name
}
