package vm

import (
	"fmt"

	"github.com/sarchlab/vmi/mem"
	"github.com/sarchlab/vmi/mem/arch"
)

// A TableReader reads page-table entries. The page cache is the usual
// implementation. Table entries are requested with PageTypePageTable.
type TableReader interface {
	Read(addr mem.PhysicalAddress, buf []byte) error
}

// BackendReader reads tables straight from a backend, bypassing any cache.
type BackendReader struct {
	Backend mem.Backend
}

// Read reads buf from the backend.
func (r BackendReader) Read(addr mem.PhysicalAddress, buf []byte) error {
	return r.Backend.ReadPhysical(addr.Addr, buf)
}

// A Walker walks page tables of any format described by an arch.Descriptor.
// It holds no state besides the reader and is safe for concurrent use.
type Walker struct {
	reader TableReader
}

// NewWalker creates a walker that reads tables through r.
func NewWalker(r TableReader) *Walker {
	return &Walker{reader: r}
}

// Walk translates va in the given address space.
//
// A walk fails with a page fault when an entry is not present, with an IO
// error when a table cannot be read, and with an architecture mismatch or
// out of range error when va or the root cannot belong to the address space.
// Permissions are the intersection of all the levels walked.
func (w *Walker) Walk(space arch.AddressSpace, va mem.Address) (Entry, error) {
	if err := space.Check(); err != nil {
		return Entry{}, err
	}

	d := space.Arch()
	if err := d.CheckVirtual(va); err != nil {
		return Entry{}, err
	}

	if d.NumLevels() == 0 {
		return identityEntry(d, va), nil
	}

	var raw [8]byte

	buf := raw[:d.EntrySize]
	table := space.Root()
	writable, executable := true, true

	for step := 0; step < d.NumLevels(); step++ {
		entryAddr := table + mem.Address(d.IndexAt(va, step)*uint64(d.EntrySize))

		err := w.reader.Read(mem.PhysicalAddress{
			Addr:     entryAddr,
			PageType: mem.PageTypePageTable,
			PageSize: d.PageSize(),
		}, buf)
		if err != nil {
			return Entry{}, mem.NewError(mem.KindIO, va,
				fmt.Errorf("reading level %d entry at %s: %w",
					d.LevelOf(step), entryAddr, err))
		}

		pte := d.DecodeEntry(buf)
		if !d.IsPresent(pte) {
			return Entry{}, mem.NewPageFault(va, d.LevelOf(step))
		}

		writable = writable && d.IsWritable(pte, step)
		executable = executable && d.IsExecutable(pte, step)

		if step == d.NumLevels()-1 || d.IsLargePage(pte, step) {
			size := d.PageSizeAt(step)

			return Entry{
				VirtualBase:  va.PageBase(size),
				PhysicalPage: d.FrameAddress(pte, step),
				PageSize:     size,
				Level:        d.LevelOf(step),
				Readable:     true,
				Writable:     writable,
				Executable:   executable,
				Valid:        true,
			}, nil
		}

		table = d.TableAddress(pte)
	}

	panic("unreachable")
}

func identityEntry(d *arch.Descriptor, va mem.Address) Entry {
	size := d.PageSize()

	return Entry{
		VirtualBase:  va.PageBase(size),
		PhysicalPage: va.PageBase(size),
		PageSize:     size,
		Readable:     true,
		Writable:     true,
		Executable:   true,
		Valid:        true,
	}
}
