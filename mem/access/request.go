// Package access executes batches of memory accesses. It translates virtual
// requests, merges the physical ranges they resolve to and sends as few
// backend calls as possible.
package access

import (
	"fmt"

	"github.com/sarchlab/vmi/mem"
	"github.com/sarchlab/vmi/mem/arch"
)

// Direction tells whether a request reads or writes.
type Direction int

// The directions.
const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	switch d {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// A Request reads len(Buf) bytes into Buf, or writes Buf.
type Request struct {
	// Space is the address space Addr is translated in. A nil Space means Addr
	// is physical.
	Space *arch.AddressSpace

	Addr      mem.Address
	Buf       []byte
	Direction Direction
}

// NewPhysicalRead creates a request that reads buf at a physical address.
func NewPhysicalRead(addr mem.Address, buf []byte) Request {
	return Request{Addr: addr, Buf: buf, Direction: Read}
}

// NewPhysicalWrite creates a request that writes data at a physical address.
func NewPhysicalWrite(addr mem.Address, data []byte) Request {
	return Request{Addr: addr, Buf: data, Direction: Write}
}

// NewVirtualRead creates a request that reads buf at a virtual address.
func NewVirtualRead(
	space arch.AddressSpace,
	addr mem.Address,
	buf []byte,
) Request {
	return Request{Space: &space, Addr: addr, Buf: buf, Direction: Read}
}

// NewVirtualWrite creates a request that writes data at a virtual address.
func NewVirtualWrite(
	space arch.AddressSpace,
	addr mem.Address,
	data []byte,
) Request {
	return Request{Space: &space, Addr: addr, Buf: data, Direction: Write}
}

// IsVirtual reports whether the request needs translation.
func (r Request) IsVirtual() bool {
	return r.Space != nil
}

func (r Request) String() string {
	space := "phys"
	if r.Space != nil {
		space = r.Space.String()
	}

	return fmt.Sprintf("%s %d bytes at %s:%s", r.Direction, len(r.Buf), space,
		r.Addr)
}

// A Result reports the outcome of one request. N is the number of bytes
// transferred, which is len(Buf) on success and 0 on failure.
type Result struct {
	N   int
	Err error
}

// OK reports whether the request succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}
