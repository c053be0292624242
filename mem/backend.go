package mem

// DefaultPageSize is the page size assumed when a backend does not report
// one.
const DefaultPageSize = 4096

// Metadata describes a physical memory backend.
type Metadata struct {
	// Size is the highest physical address plus one. Zero means unknown.
	Size uint64

	// ReadOnly backends reject every write.
	ReadOnly bool

	// PageSize is the unit the backend is organized in. Zero means
	// DefaultPageSize.
	PageSize uint64
}

// EffectivePageSize returns PageSize, or DefaultPageSize when unset.
func (m Metadata) EffectivePageSize() uint64 {
	if m.PageSize == 0 {
		return DefaultPageSize
	}

	return m.PageSize
}

// A Backend provides raw access to the physical memory of a target. It may be
// slow, remote and racy. Implementations must be safe for concurrent use.
//
// Backends are responsible for their own timeouts. A call that hangs blocks
// the caller.
type Backend interface {
	// ReadPhysical fills buf with the bytes starting at addr.
	ReadPhysical(addr Address, buf []byte) error

	// WritePhysical writes data starting at addr.
	WritePhysical(addr Address, data []byte) error

	// Metadata describes the backend.
	Metadata() Metadata
}

// PhysicalRead is one item of a batched backend read.
type PhysicalRead struct {
	Addr Address
	Buf  []byte
}

// A BatchBackend can service many reads in one call. The access pipeline
// prefers it when available.
type BatchBackend interface {
	Backend

	// ReadPhysicalMany services every read and returns one error per read,
	// in the same order. A nil slice means every read succeeded.
	ReadPhysicalMany(reads []PhysicalRead) []error
}
