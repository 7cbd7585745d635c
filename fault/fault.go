// Package fault classifies the failures of the patching engine.
//
// Every layer reports errors as *Error values carrying a Kind, so callers can
// branch with errors.Is against the sentinel values below regardless of which
// operating system produced the underlying failure.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the class of an engine failure.
type Kind int

const (
	// Unknown carries a raw OS error code that has not been classified yet.
	Unknown Kind = iota
	EnumerationFailed
	InvalidAddress
	ProtectionChangeFailed
	AlreadySuspended
	BarrierUnavailable
	ReadFailed
	WriteFailed
	RestoreFailed
	OverlapConflict
	ProcessUnavailable
	InvalidState
	LengthMismatch
	ChecksumMismatch
	Unsupported
	SymbolNotFound
)

var kindNames = [...]string{
	Unknown:                "Unknown",
	EnumerationFailed:      "EnumerationFailed",
	InvalidAddress:         "InvalidAddress",
	ProtectionChangeFailed: "ProtectionChangeFailed",
	AlreadySuspended:       "AlreadySuspended",
	BarrierUnavailable:     "BarrierUnavailable",
	ReadFailed:             "ReadFailed",
	WriteFailed:            "WriteFailed",
	RestoreFailed:          "RestoreFailed",
	OverlapConflict:        "OverlapConflict",
	ProcessUnavailable:     "ProcessUnavailable",
	InvalidState:           "InvalidState",
	LengthMismatch:         "LengthMismatch",
	ChecksumMismatch:       "ChecksumMismatch",
	Unsupported:            "Unsupported",
	SymbolNotFound:         "SymbolNotFound",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrUnknown                = &Error{Kind: Unknown}
	ErrEnumerationFailed      = &Error{Kind: EnumerationFailed}
	ErrInvalidAddress         = &Error{Kind: InvalidAddress}
	ErrProtectionChangeFailed = &Error{Kind: ProtectionChangeFailed}
	ErrAlreadySuspended       = &Error{Kind: AlreadySuspended}
	ErrBarrierUnavailable     = &Error{Kind: BarrierUnavailable}
	ErrReadFailed             = &Error{Kind: ReadFailed}
	ErrWriteFailed            = &Error{Kind: WriteFailed}
	ErrRestoreFailed          = &Error{Kind: RestoreFailed}
	ErrOverlapConflict        = &Error{Kind: OverlapConflict}
	ErrProcessUnavailable     = &Error{Kind: ProcessUnavailable}
	ErrInvalidState           = &Error{Kind: InvalidState}
	ErrLengthMismatch         = &Error{Kind: LengthMismatch}
	ErrChecksumMismatch       = &Error{Kind: ChecksumMismatch}
	ErrUnsupported            = &Error{Kind: Unsupported}
	ErrSymbolNotFound         = &Error{Kind: SymbolNotFound}
)

// Error is a classified engine failure.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "apply" or "query_region".
	Op string
	// Addr is the target address, zero when not applicable.
	Addr uint64
	// Code is the raw OS error code, zero when not applicable.
	Code uint64
	Err  error
}

// New returns an *Error of the given kind.
func New(kind Kind, op string, addr uint64, err error) *Error {
	return &Error{Kind: kind, Op: op, Addr: addr, Err: err}
}

// Code returns an Unknown *Error carrying the raw OS error code.
func Code(op string, addr uint64, code uint64, err error) *Error {
	return &Error{Kind: Unknown, Op: op, Addr: addr, Code: code, Err: err}
}

// Errorf returns an *Error whose cause is a formatted message.
func Errorf(kind Kind, op string, addr uint64, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Addr: addr, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Kind == Unknown && e.Code != 0 {
		msg = fmt.Sprintf("Unknown(%#x)", e.Code)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Addr != 0 {
		msg += fmt.Sprintf(" at %#x", e.Addr)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind. An Unknown target
// with a non-zero Code only matches the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Kind != Unknown || t.Code == 0 || t.Code == e.Code
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Recoverable reports whether the failure leaves the host in a known state.
// Restore failures and unclassified codes are not recoverable: the affected
// range must be treated as undefined.
func Recoverable(err error) bool {
	if err == nil {
		return true
	}
	switch KindOf(err) {
	case RestoreFailed, Unknown:
		return false
	}
	return true
}
