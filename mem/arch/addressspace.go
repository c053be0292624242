package arch

import (
	"fmt"

	"github.com/sarchlab/vmi/mem"
)

// An AddressSpace is the scope in which virtual addresses are meaningful: the
// root of a page-table tree plus the format of that tree.
//
// AddressSpace values are immutable. Two values may name the same root, for
// example after the target recycled the tables of an exited process; callers
// must expect stale translations rather than treat them as fatal.
type AddressSpace struct {
	arch *Descriptor
	root mem.Address
}

// NewAddressSpace creates an address space rooted at root.
func NewAddressSpace(d *Descriptor, root mem.Address) AddressSpace {
	return AddressSpace{arch: d, root: root}
}

// Arch returns the page-table format.
func (s AddressSpace) Arch() *Descriptor {
	return s.arch
}

// Root returns the physical address of the root table.
func (s AddressSpace) Root() mem.Address {
	return s.root
}

// Check verifies that the address space can be walked.
func (s AddressSpace) Check() error {
	if s.arch == nil {
		return mem.NewError(mem.KindArchMismatch, s.root,
			fmt.Errorf("address space has no architecture"))
	}

	return s.arch.CheckRoot(s.root)
}

func (s AddressSpace) String() string {
	name := "?"
	if s.arch != nil {
		name = s.arch.Name
	}

	return fmt.Sprintf("%s@%s", name, s.root)
}
