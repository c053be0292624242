package vm

import (
	"fmt"
	"sync"

	"github.com/sarchlab/vmi/mem"
	"github.com/sarchlab/vmi/mem/arch"
)

// Perm is a set of page permissions used when building page tables.
type Perm uint8

// The permissions a mapping can grant besides read access.
const (
	PermWrite Perm = 1 << iota
	PermExec

	PermRead Perm = 0
	PermAll       = PermWrite | PermExec
)

// A PageTable builds page tables in the physical memory of a backend, in the
// format of an architecture descriptor. Table frames are allocated upwards
// from a base address. It is meant for preparing targets in tests and tools;
// the walker never uses it.
type PageTable struct {
	sync.Mutex

	arch      *arch.Descriptor
	backend   mem.Backend
	root      mem.Address
	nextFrame mem.Address
}

// NewPageTable allocates an empty root table at frameBase. Further tables are
// allocated after it.
func NewPageTable(
	d *arch.Descriptor,
	backend mem.Backend,
	frameBase mem.Address,
) (*PageTable, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	if d.NumLevels() == 0 {
		return nil, fmt.Errorf("%s has no page tables", d.Name)
	}

	pt := &PageTable{
		arch:      d,
		backend:   backend,
		nextFrame: frameBase.PageBase(d.PageSize()),
	}

	root, err := pt.allocTable()
	if err != nil {
		return nil, err
	}

	pt.root = root

	return pt, nil
}

// Root returns the physical address of the root table.
func (pt *PageTable) Root() mem.Address {
	return pt.root
}

// Space returns the address space described by the tables.
func (pt *PageTable) Space() arch.AddressSpace {
	return arch.NewAddressSpace(pt.arch, pt.root)
}

// NextFrame returns the first physical address not used by tables yet.
func (pt *PageTable) NextFrame() mem.Address {
	pt.Lock()
	defer pt.Unlock()

	return pt.nextFrame
}

func (pt *PageTable) allocTable() (mem.Address, error) {
	addr := pt.nextFrame
	pt.nextFrame += mem.Address(pt.arch.PageSize())

	zero := make([]byte, pt.arch.PageSize())
	if err := pt.backend.WritePhysical(addr, zero); err != nil {
		return 0, err
	}

	return addr, nil
}

func (pt *PageTable) stepOfPageSize(pageSize uint64) (int, error) {
	d := pt.arch
	for step := d.NumLevels() - 1; step >= 0; step-- {
		if d.PageSizeAt(step) != pageSize {
			continue
		}

		if step != d.NumLevels()-1 && !d.Levels[step].LargePage {
			break
		}

		return step, nil
	}

	return 0, fmt.Errorf("%s cannot map 0x%x byte pages", d.Name, pageSize)
}

// Map maps the page of pageSize bytes at va to pa.
func (pt *PageTable) Map(va, pa mem.Address, pageSize uint64, perm Perm) error {
	pt.Lock()
	defer pt.Unlock()

	d := pt.arch

	leafStep, err := pt.stepOfPageSize(pageSize)
	if err != nil {
		return err
	}

	if va.PageOffset(pageSize) != 0 || pa.PageOffset(pageSize) != 0 {
		return fmt.Errorf("%s -> %s is not aligned to 0x%x", va, pa, pageSize)
	}

	if err := d.CheckVirtual(va); err != nil {
		return err
	}

	table := pt.root
	for step := 0; step < leafStep; step++ {
		entryAddr := pt.entryAddr(table, va, step)

		pte, err := pt.readEntry(entryAddr)
		if err != nil {
			return err
		}

		if d.IsPresent(pte) {
			if d.IsLargePage(pte, step) {
				return fmt.Errorf("%s is inside a large page", va)
			}

			table = d.TableAddress(pte)

			continue
		}

		next, err := pt.allocTable()
		if err != nil {
			return err
		}

		err = pt.writeEntry(entryAddr, pt.encode(next, step, PermAll, false))
		if err != nil {
			return err
		}

		table = next
	}

	large := leafStep != d.NumLevels()-1
	entryAddr := pt.entryAddr(table, va, leafStep)

	return pt.writeEntry(entryAddr, pt.encode(pa, leafStep, perm, large))
}

// Unmap clears the present bit of the entry that maps va.
func (pt *PageTable) Unmap(va mem.Address) error {
	return pt.update(va, func(pte uint64) uint64 {
		return pte &^ (1 << uint(pt.arch.PresentBit))
	})
}

// Remap points the existing mapping of va at a different physical page of
// the same size.
func (pt *PageTable) Remap(va, pa mem.Address) error {
	d := pt.arch

	return pt.update(va, func(pte uint64) uint64 {
		frameMask := uint64(d.TableAddress(^uint64(0)))
		return pte&^frameMask | uint64(pa)
	})
}

func (pt *PageTable) update(va mem.Address, fn func(uint64) uint64) error {
	pt.Lock()
	defer pt.Unlock()

	d := pt.arch
	table := pt.root

	for step := 0; step < d.NumLevels(); step++ {
		entryAddr := pt.entryAddr(table, va, step)

		pte, err := pt.readEntry(entryAddr)
		if err != nil {
			return err
		}

		if !d.IsPresent(pte) {
			return mem.NewPageFault(va, d.LevelOf(step))
		}

		if step == d.NumLevels()-1 || d.IsLargePage(pte, step) {
			return pt.writeEntry(entryAddr, fn(pte))
		}

		table = d.TableAddress(pte)
	}

	panic("unreachable")
}

func (pt *PageTable) entryAddr(table, va mem.Address, step int) mem.Address {
	return table + mem.Address(pt.arch.IndexAt(va, step)*uint64(pt.arch.EntrySize))
}

func (pt *PageTable) encode(
	addr mem.Address,
	step int,
	perm Perm,
	large bool,
) uint64 {
	d := pt.arch
	pte := uint64(addr) | 1<<uint(d.PresentBit)

	if d.Levels[step].NoPermissions {
		return pte
	}

	if perm&PermWrite != 0 && d.WritableBit >= 0 {
		pte |= 1 << uint(d.WritableBit)
	}

	if perm&PermExec != 0 && d.ExecBit >= 0 {
		pte |= 1 << uint(d.ExecBit)
	}

	if perm&PermExec == 0 && d.NXBit >= 0 {
		pte |= 1 << uint(d.NXBit)
	}

	if large {
		pte |= 1 << uint(d.LargePageBit)
	}

	return pte
}

func (pt *PageTable) readEntry(addr mem.Address) (uint64, error) {
	buf := make([]byte, pt.arch.EntrySize)
	if err := pt.backend.ReadPhysical(addr, buf); err != nil {
		return 0, err
	}

	return pt.arch.DecodeEntry(buf), nil
}

func (pt *PageTable) writeEntry(addr mem.Address, pte uint64) error {
	buf := make([]byte, pt.arch.EntrySize)

	if pt.arch.EntrySize == 4 {
		pt.arch.ByteOrder.PutUint32(buf, uint32(pte))
	} else {
		pt.arch.ByteOrder.PutUint64(buf, pte)
	}

	return pt.backend.WritePhysical(addr, buf)
}
