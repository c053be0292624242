package mem

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the failures the engine reports.
type ErrorKind int

// The failure kinds. KindPageFault is expected during live introspection,
// KindArchMismatch is a programming error, KindIO comes from the backend and
// KindOutOfRange means the address cannot exist in the address space.
const (
	KindNone ErrorKind = iota
	KindPageFault
	KindArchMismatch
	KindIO
	KindOutOfRange
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindPageFault:
		return "page fault"
	case KindArchMismatch:
		return "architecture mismatch"
	case KindIO:
		return "io error"
	case KindOutOfRange:
		return "out of range"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Sentinels to test error kinds with errors.Is.
var (
	ErrPageFault    = errors.New("page fault")
	ErrArchMismatch = errors.New("architecture mismatch")
	ErrIO           = errors.New("io error")
	ErrOutOfRange   = errors.New("address out of range")
)

// Error is the error type returned by the translation engine, the caches and
// the access pipeline.
type Error struct {
	Kind ErrorKind

	// Addr is the address being accessed when the error happened.
	Addr Address

	// Level is the page table level that faulted, counting the leaf table as
	// level 0. It is -1 when it does not apply.
	Level int

	// Err is the underlying cause, if any.
	Err error
}

// NewError creates an Error without a level.
func NewError(kind ErrorKind, addr Address, cause error) *Error {
	return &Error{Kind: kind, Addr: addr, Level: -1, Err: cause}
}

// NewPageFault creates a page fault error raised at the given table level.
func NewPageFault(addr Address, level int) *Error {
	return &Error{Kind: KindPageFault, Addr: addr, Level: level}
}

// WrapIO wraps a backend error. Errors that already carry a kind are returned
// unchanged.
func WrapIO(addr Address, err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return err
	}

	return NewError(KindIO, addr, err)
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s at %s", e.Kind, e.Addr)

	if e.Kind == KindPageFault && e.Level >= 0 {
		msg += fmt.Sprintf(" (level %d)", e.Level)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

// Unwrap returns the cause of the error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that corresponds to the error kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindPageFault:
		return ErrPageFault
	case KindArchMismatch:
		return ErrArchMismatch
	case KindIO:
		return ErrIO
	case KindOutOfRange:
		return ErrOutOfRange
	default:
		return nil
	}
}

// KindOf classifies an error. Errors that did not originate from the engine
// are treated as backend failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindIO
}
