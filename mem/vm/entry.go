// Package vm translates virtual addresses into physical addresses by walking
// the page tables of an address space.
package vm

import (
	"fmt"

	"github.com/sarchlab/vmi/mem"
)

// An Entry is the result of a successful page-table walk. It describes one
// virtual page and the physical page that backs it. Several entries may map
// the same physical page.
type Entry struct {
	VirtualBase  mem.Address
	PhysicalPage mem.Address
	PageSize     uint64

	// Level is the table level the walk ended at. It is 0 for a regular page
	// and larger for large pages.
	Level int

	Readable   bool
	Writable   bool
	Executable bool
	Valid      bool
}

// Contains reports whether va falls into the virtual page of the entry.
func (e Entry) Contains(va mem.Address) bool {
	return e.Valid &&
		va >= e.VirtualBase &&
		uint64(va-e.VirtualBase) < e.PageSize
}

// PageType derives the page type hint from the permissions of the entry.
func (e Entry) PageType() mem.PageType {
	t := mem.PageTypeReadOnly
	if e.Writable {
		t = mem.PageTypeWriteable
	}

	if !e.Executable {
		t |= mem.PageTypeNoExec
	}

	return t
}

// Translate returns the physical address of va, which must be contained in
// the entry.
func (e Entry) Translate(va mem.Address) mem.PhysicalAddress {
	if !e.Contains(va) {
		panic(fmt.Sprintf("%s is not in page %s", va, e.VirtualBase))
	}

	return mem.PhysicalAddress{
		Addr:     e.PhysicalPage + (va - e.VirtualBase),
		PageType: e.PageType(),
		PageSize: e.PageSize,
	}
}

// Remaining returns the number of bytes from va to the end of the page.
func (e Entry) Remaining(va mem.Address) uint64 {
	return e.PageSize - uint64(va-e.VirtualBase)
}

func (e Entry) String() string {
	perm := []byte("---")
	if e.Readable {
		perm[0] = 'r'
	}

	if e.Writable {
		perm[1] = 'w'
	}

	if e.Executable {
		perm[2] = 'x'
	}

	return fmt.Sprintf("%s -> %s [%s, 0x%x]",
		e.VirtualBase, e.PhysicalPage, perm, e.PageSize)
}
