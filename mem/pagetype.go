package mem

import "strings"

// PageType describes what a physical page is used for, as far as the
// translation that produced the address knows.
type PageType uint8

// The page types a translation can report. PageTypeUnknown is the zero value
// and is used for addresses that were never translated.
const (
	PageTypeUnknown   PageType = 0
	PageTypePageTable PageType = 1 << iota
	PageTypeWriteable
	PageTypeReadOnly
	PageTypeNoExec
)

// PageTypeMaskAll selects every page type, including unknown pages.
const PageTypeMaskAll = PageTypePageTable | PageTypeWriteable |
	PageTypeReadOnly | PageTypeNoExec | pageTypeUnknownBit

// pageTypeUnknownBit lets a mask opt in to caching pages of unknown type.
const pageTypeUnknownBit PageType = 1 << 7

// PageTypeMask builds a mask from the given page types. Passing
// PageTypeUnknown selects pages of unknown type.
func PageTypeMask(types ...PageType) PageType {
	var m PageType
	for _, t := range types {
		if t == PageTypeUnknown {
			m |= pageTypeUnknownBit
			continue
		}

		m |= t
	}

	return m
}

// Matches reports whether a page of type t is selected by the mask m.
func (m PageType) Matches(t PageType) bool {
	if t == PageTypeUnknown {
		return m&pageTypeUnknownBit != 0
	}

	return m&t != 0
}

func (t PageType) String() string {
	if t == PageTypeUnknown {
		return "unknown"
	}

	names := []string{}
	if t&PageTypePageTable != 0 {
		names = append(names, "pagetable")
	}

	if t&PageTypeWriteable != 0 {
		names = append(names, "writeable")
	}

	if t&PageTypeReadOnly != 0 {
		names = append(names, "readonly")
	}

	if t&PageTypeNoExec != 0 {
		names = append(names, "noexec")
	}

	if t&pageTypeUnknownBit != 0 {
		names = append(names, "unknown")
	}

	return strings.Join(names, "|")
}
