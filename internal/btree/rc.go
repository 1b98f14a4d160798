package btree

import "fmt"

// Code is the public result-code taxonomy. Internal packages (pcache,
// this package's own helpers) return idiomatic Go errors; Code values are
// assigned only at the boundary an external caller sees, in *Error.
type Code int

const (
	OK Code = iota
	ERR
	INTERNAL
	PERM
	ABORT
	BUSY
	NOMEM
	READONLY
	INTERRUPT
	IOERR
	CORRUPT
	NOTFOUND
	FULL
	CANTOPEN
	PROTOCOL
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case ERR:
		return "ERROR"
	case INTERNAL:
		return "INTERNAL"
	case PERM:
		return "PERM"
	case ABORT:
		return "ABORT"
	case BUSY:
		return "BUSY"
	case NOMEM:
		return "NOMEM"
	case READONLY:
		return "READONLY"
	case INTERRUPT:
		return "INTERRUPT"
	case IOERR:
		return "IOERR"
	case CORRUPT:
		return "CORRUPT"
	case NOTFOUND:
		return "NOTFOUND"
	case FULL:
		return "FULL"
	case CANTOPEN:
		return "CANTOPEN"
	case PROTOCOL:
		return "PROTOCOL"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error is the error type returned at the public API surface. Err carries
// the underlying cause (often wrapped from pcache or os) for %w unwrapping.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("btree: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("btree: %s", e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an *Error carrying code and msg.
func NewError(code Code, msg string) *Error {
	return &Error{Code: code, Err: fmt.Errorf("%s", msg)}
}
