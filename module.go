package livepatch

import (
	"fmt"

	"github.com/fengyoulin/livepatch/fault"
	"github.com/fengyoulin/livepatch/internal/symbols"
)

// Module is a loaded image. It never changes within a snapshot.
type Module struct {
	name string
	path string
	base Address
	size uint64
}

func (m Module) Name() string  { return m.name }
func (m Module) Path() string  { return m.path }
func (m Module) Base() Address { return m.base }
func (m Module) Size() uint64  { return m.size }

// End returns the first address past the module.
func (m Module) End() Address { return m.base + Address(m.size) }

func (m Module) Contains(addr Address) bool {
	return addr >= m.base && addr < m.End()
}

func (m Module) String() string {
	return fmt.Sprintf("%s [%v, %v)", m.name, m.base, m.End())
}

// Offset returns base+off, failing when it falls outside the module.
func (m Module) Offset(off uint64) (Address, error) {
	if off >= m.size {
		return 0, fault.Errorf(fault.InvalidAddress, "offset", uint64(m.base), "offset %#x outside %s of size %#x", off, m.name, m.size)
	}
	return m.base + Address(off), nil
}

// Symbol looks name up in the module's on-disk symbol table and returns its
// address in the running process.
func (m Module) Symbol(name string) (Address, error) {
	tab, err := symbols.Read(m.path)
	if err != nil {
		return 0, fault.New(fault.SymbolNotFound, "symbol", uint64(m.base), err)
	}
	v, ok := tab.Lookup(name)
	if !ok {
		return 0, fault.Errorf(fault.SymbolNotFound, "symbol", uint64(m.base), "%s not in %s", name, m.path)
	}
	addr := m.base + Address(v-tab.Base)
	if !m.Contains(addr) {
		return 0, fault.Errorf(fault.SymbolNotFound, "symbol", uint64(addr), "%s relocates outside %s", name, m.name)
	}
	return addr, nil
}
