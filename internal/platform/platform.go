// Package platform holds the per-OS primitives the patch engine is built on.
//
// Everything that dereferences a raw address lives here. One implementation
// is compiled per target OS; shared code never branches on the platform.
package platform

import (
	"fmt"
	"strings"
)

// Address is a location in the target process. It is always 64 bits wide so
// a 32-bit target can be described without assuming the library's own width.
type Address uint64

// Pointer converts a to a native pointer value, reporting false if it does
// not fit.
func (a Address) Pointer() (uintptr, bool) {
	p := uintptr(a)
	return p, Address(p) == a
}

func (a Address) String() string { return fmt.Sprintf("%#x", uint64(a)) }

// Protection is a set of access rights on a memory region.
type Protection uint8

const (
	ProtNone Protection = 0
	ProtR    Protection = 1
	ProtW    Protection = 2
	ProtX    Protection = 4
	ProtRW   Protection = ProtR | ProtW
	ProtRX   Protection = ProtR | ProtX
	ProtRWX  Protection = ProtR | ProtW | ProtX
)

func (p Protection) Readable() bool   { return p&ProtR != 0 }
func (p Protection) Writable() bool   { return p&ProtW != 0 }
func (p Protection) Executable() bool { return p&ProtX != 0 }

func (p Protection) String() string {
	b := []byte("---")
	if p.Readable() {
		b[0] = 'r'
	}
	if p.Writable() {
		b[1] = 'w'
	}
	if p.Executable() {
		b[2] = 'x'
	}
	return string(b)
}

// ParseProtection parses the "rwx" notation used by String.
func ParseProtection(s string) (Protection, error) {
	if len(s) != 3 {
		return 0, fmt.Errorf("invalid protection %q", s)
	}
	var p Protection
	for i, c := range strings.ToLower(s) {
		switch {
		case c == '-':
		case i == 0 && c == 'r':
			p |= ProtR
		case i == 1 && c == 'w':
			p |= ProtW
		case i == 2 && c == 'x':
			p |= ProtX
		default:
			return 0, fmt.Errorf("invalid protection %q", s)
		}
	}
	return p, nil
}

// MappingKind describes what backs a region.
type MappingKind uint8

const (
	MappingUnknown MappingKind = iota
	MappingPrivate
	MappingShared
	MappingImage
	MappingFile
)

func (k MappingKind) String() string {
	switch k {
	case MappingPrivate:
		return "private"
	case MappingShared:
		return "shared"
	case MappingImage:
		return "image"
	case MappingFile:
		return "file"
	}
	return "unknown"
}

// ProcessInfo identifies the running host process.
type ProcessInfo struct {
	PID          int
	PointerWidth int
	Executable   string
}

// ModuleInfo is a loaded image as reported by the OS.
type ModuleInfo struct {
	Name string
	Path string
	Base Address
	Size uint64
}

// RegionInfo is a contiguous range sharing one protection.
type RegionInfo struct {
	Base       Address
	Size       uint64
	Protection Protection
	Kind       MappingKind
	Path       string
}

// End returns the first address past the region.
func (r RegionInfo) End() Address { return r.Base + Address(r.Size) }

// Contains reports whether addr lies inside the region.
func (r RegionInfo) Contains(addr Address) bool {
	return addr >= r.Base && addr < r.End()
}

// ThreadID is an OS thread identifier.
type ThreadID uint64

// Suspension is the token for threads stopped by SuspendAllThreadsExcept.
type Suspension interface {
	// Threads reports how many threads are held.
	Threads() int
}

// Breakpoint is the token for an installed execution breakpoint.
type Breakpoint interface {
	Address() Address
}

// Shim is the per-OS primitive set.
type Shim interface {
	Self() (ProcessInfo, error)
	PageSize() uint64
	CurrentThread() ThreadID

	EnumerateModules() ([]ModuleInfo, error)
	QueryRegion(addr Address) (RegionInfo, error)
	// SetProtection changes the protection of region, which must be page
	// aligned, and returns the protection it had before.
	SetProtection(region RegionInfo, prot Protection) (Protection, error)

	// Read and Write never fault; they return the number of bytes moved.
	Read(addr Address, buf []byte) (int, error)
	Write(addr Address, data []byte) (int, error)

	SuspendAllThreadsExcept(current ThreadID) (Suspension, error)
	ResumeAllThreads(s Suspension) error

	InstallExecBreakpoint(addr Address, length int) (Breakpoint, error)
	RemoveExecBreakpoint(bp Breakpoint) error
}

// Config tunes the shim returned by New.
type Config struct {
	// WardenPath is the executable started to stop threads on platforms that
	// need a helper process. Empty means the running executable.
	WardenPath string
	WardenArgs []string
}

// PageSpan returns the page-aligned span covering [addr, addr+length).
func PageSpan(addr Address, length uint64, pageSize uint64) (Address, uint64) {
	mask := Address(pageSize - 1)
	start := addr &^ mask
	end := (addr + Address(length) + mask) &^ mask
	return start, uint64(end - start)
}
