package arch

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// The descriptors returned by the constructors below are shared and must not
// be modified. Copy one to build a variant.
var (
	x64 = &Descriptor{
		Name:      "x64",
		WordBits:  64,
		PageShift: 12,
		Levels: []Level{
			{IndexBits: 9},
			{IndexBits: 9, LargePage: true},
			{IndexBits: 9, LargePage: true},
			{IndexBits: 9},
		},
		EntrySize:    8,
		PhysAddrBits: 52,
		PresentBit:   0,
		WritableBit:  1,
		ExecBit:      -1,
		NXBit:        63,
		LargePageBit: 7,
		Canonical:    true,
		ByteOrder:    binary.LittleEndian,
	}

	x86 = &Descriptor{
		Name:      "x86",
		WordBits:  32,
		PageShift: 12,
		Levels: []Level{
			{IndexBits: 10, LargePage: true},
			{IndexBits: 10},
		},
		EntrySize:    4,
		PhysAddrBits: 32,
		PresentBit:   0,
		WritableBit:  1,
		ExecBit:      -1,
		NXBit:        -1,
		LargePageBit: 7,
		ByteOrder:    binary.LittleEndian,
	}

	x86PAE = &Descriptor{
		Name:      "x86pae",
		WordBits:  32,
		PageShift: 12,
		Levels: []Level{
			{IndexBits: 2, NoPermissions: true},
			{IndexBits: 9, LargePage: true},
			{IndexBits: 9},
		},
		EntrySize:    8,
		PhysAddrBits: 52,
		PresentBit:   0,
		WritableBit:  1,
		ExecBit:      -1,
		NXBit:        63,
		LargePageBit: 7,
		ByteOrder:    binary.LittleEndian,
	}

	null = &Descriptor{
		Name:         "null",
		WordBits:     64,
		PageShift:    12,
		PresentBit:   -1,
		WritableBit:  -1,
		ExecBit:      -1,
		NXBit:        -1,
		LargePageBit: -1,
		ByteOrder:    binary.LittleEndian,
	}
)

// X64 returns the 4-level x86-64 format with 2M and 1G pages.
func X64() *Descriptor { return x64 }

// X86 returns the 2-level 32-bit x86 format with 4M pages.
func X86() *Descriptor { return x86 }

// X86PAE returns the 3-level 32-bit x86 format with physical address
// extension and 2M pages.
func X86PAE() *Descriptor { return x86PAE }

// Null returns a descriptor without page tables. Virtual addresses translate
// to the identical physical address.
func Null() *Descriptor { return null }

// ByName finds a built-in descriptor.
func ByName(name string) (*Descriptor, error) {
	switch strings.ToLower(name) {
	case "x64", "x86_64", "amd64":
		return x64, nil
	case "x86", "i386":
		return x86, nil
	case "x86pae", "x86_pae", "pae":
		return x86PAE, nil
	case "null", "none", "identity":
		return null, nil
	default:
		return nil, fmt.Errorf("unknown architecture %q", name)
	}
}
