// Package livepatch applies and reverts byte-level patches to the live code of
// the process it runs in.
//
// An Engine owns the patches it creates. Every write happens inside an
// execution barrier: either a hardware breakpoint that traps threads about to
// run the patched range, or a full suspension of every other thread. No
// thread ever fetches a half written instruction.
//
//	e, err := livepatch.New(livepatch.DefaultOptions())
//	...
//	p, err := e.Create(addr, 5, []byte{0xe9, 0, 0, 0, 0})
//	...
//	defer p.Close()
//	err = p.Apply()
//
// On Linux, programs using livepatch must call warden.Init first thing in
// main.
package livepatch

import (
	"errors"

	"github.com/fengyoulin/livepatch/internal/platform"
)

// Address is a location in the process. It is 64 bits wide on every
// platform.
type Address = platform.Address

// Protection is a set of access rights on a memory region.
type Protection = platform.Protection

// Access rights.
const (
	ProtNone = platform.ProtNone
	ProtR    = platform.ProtR
	ProtW    = platform.ProtW
	ProtX    = platform.ProtX
	ProtRW   = platform.ProtRW
	ProtRX   = platform.ProtRX
	ProtRWX  = platform.ProtRWX
)

// MappingKind describes what backs a region.
type MappingKind = platform.MappingKind

var (
	// ErrDifferentType means from and to are of different types
	ErrDifferentType = errors.New("inputs are of different type")
	// ErrInputType means inputs are not func type
	ErrInputType = errors.New("inputs are not func type")
	// ErrEngineClosed means the engine was closed
	ErrEngineClosed = errors.New("engine closed")
	// ErrBadOptions means the options failed validation
	ErrBadOptions = errors.New("invalid options")
)
