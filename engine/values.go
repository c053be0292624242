package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/sarchlab/vmi/mem"
	"github.com/sarchlab/vmi/mem/arch"
)

// ErrUnterminated is returned by ReadCString when no terminator is found
// within the limit.
var ErrUnterminated = errors.New("string is not terminated")

func (e *Engine) readWord(
	ctx context.Context,
	space arch.AddressSpace,
	va mem.Address,
	size int,
) ([]byte, *arch.Descriptor, error) {
	if err := space.Check(); err != nil {
		return nil, nil, err
	}

	buf := make([]byte, size)
	if err := e.ReadVirtual(ctx, space, va, buf); err != nil {
		return nil, nil, err
	}

	return buf, space.Arch(), nil
}

// ReadUint32 reads a 32-bit value in the byte order of the architecture.
func (e *Engine) ReadUint32(
	ctx context.Context,
	space arch.AddressSpace,
	va mem.Address,
) (uint32, error) {
	buf, d, err := e.readWord(ctx, space, va, 4)
	if err != nil {
		return 0, err
	}

	return d.ByteOrder.Uint32(buf), nil
}

// ReadUint64 reads a 64-bit value in the byte order of the architecture.
func (e *Engine) ReadUint64(
	ctx context.Context,
	space arch.AddressSpace,
	va mem.Address,
) (uint64, error) {
	buf, d, err := e.readWord(ctx, space, va, 8)
	if err != nil {
		return 0, err
	}

	return d.ByteOrder.Uint64(buf), nil
}

// ReadPointer reads an address as wide as the words of the architecture.
func (e *Engine) ReadPointer(
	ctx context.Context,
	space arch.AddressSpace,
	va mem.Address,
) (mem.Address, error) {
	if err := space.Check(); err != nil {
		return 0, err
	}

	if space.Arch().WordBits == 32 {
		v, err := e.ReadUint32(ctx, space, va)
		return mem.Address(v), err
	}

	v, err := e.ReadUint64(ctx, space, va)

	return mem.Address(v), err
}

// ReadCString reads a NUL-terminated string of at most limit bytes,
// terminator excluded. A limit of 0 or less uses the engine default. The
// string is read one page at a time, so it may end right before an unmapped
// page.
func (e *Engine) ReadCString(
	ctx context.Context,
	space arch.AddressSpace,
	va mem.Address,
	limit int,
) (string, error) {
	if err := space.Check(); err != nil {
		return "", err
	}

	if limit <= 0 {
		limit = e.maxStringBytes
	}

	pageSize := space.Arch().PageSize()
	total := uint64(limit) + 1

	var s []byte

	for done := uint64(0); done < total; {
		cur := va.Add(done)
		n := min(pageSize-cur.PageOffset(pageSize), total-done)

		chunk := make([]byte, n)
		if err := e.ReadVirtual(ctx, space, cur, chunk); err != nil {
			return "", err
		}

		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return string(append(s, chunk[:i]...)), nil
		}

		s = append(s, chunk...)
		done += n
	}

	return "", fmt.Errorf("%w within %d bytes at %s", ErrUnterminated, limit, va)
}
