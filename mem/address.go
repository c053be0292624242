// Package mem defines the vocabulary shared by the introspection engine:
// addresses, page types, error kinds and the contract of a physical memory
// backend.
package mem

import "fmt"

// Address is an untyped address on the target. Whether it is virtual or
// physical depends on where it is used.
type Address uint64

// InvalidAddress marks an address that could not be resolved.
const InvalidAddress Address = ^Address(0)

// String formats the address as a 0x-prefixed hex number.
func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// PageBase returns the address aligned down to the given page size.
func (a Address) PageBase(pageSize uint64) Address {
	return a &^ Address(pageSize-1)
}

// PageOffset returns the offset of the address inside its page.
func (a Address) PageOffset(pageSize uint64) uint64 {
	return uint64(a) & (pageSize - 1)
}

// Add returns the address moved by n bytes.
func (a Address) Add(n uint64) Address {
	return a + Address(n)
}

// PhysicalAddress is a physical address plus what is known about the page it
// lives in. The page type and size are only hints used by caches.
type PhysicalAddress struct {
	Addr     Address
	PageType PageType
	PageSize uint64
}

// NewPhysicalAddress wraps a raw address with no page information.
func NewPhysicalAddress(addr Address) PhysicalAddress {
	return PhysicalAddress{Addr: addr}
}

// PageFrame returns the page frame number of the address.
func (p PhysicalAddress) PageFrame(pageSize uint64) uint64 {
	return uint64(p.Addr) / pageSize
}

// PageBase returns the physical address of the start of the page.
func (p PhysicalAddress) PageBase(pageSize uint64) Address {
	return p.Addr.PageBase(pageSize)
}

// PageOffset returns the offset of the address inside its page.
func (p PhysicalAddress) PageOffset(pageSize uint64) uint64 {
	return p.Addr.PageOffset(pageSize)
}

func (p PhysicalAddress) String() string {
	if p.PageSize == 0 {
		return p.Addr.String()
	}

	return fmt.Sprintf("%s (%s, page 0x%x)", p.Addr, p.PageType, p.PageSize)
}

// AlignUp rounds n up to a multiple of align, which must be a power of two.
func AlignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// IsPowerOfTwo reports whether n is a non-zero power of two.
func IsPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}
