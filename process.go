package livepatch

import (
	"path/filepath"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/process"
	"k8s.io/klog/v2"

	"github.com/fengyoulin/livepatch/fault"
	"github.com/fengyoulin/livepatch/internal/platform"
)

// Process is the running host process and a snapshot of its modules.
type Process struct {
	shim         platform.Shim
	pid          int
	pointerWidth int
	name         string
	executable   string

	modules atomic.Pointer[[]Module]
}

// Discover introspects the running process with the platform default shim.
func Discover() (*Process, error) {
	shim, err := platform.New(DefaultOptions().platformConfig())
	if err != nil {
		return nil, err
	}
	return discover(shim)
}

func discover(shim platform.Shim) (*Process, error) {
	info, err := shim.Self()
	if err != nil {
		return nil, fault.New(fault.ProcessUnavailable, "discover", 0, err)
	}
	p := &Process{
		shim:         shim,
		pid:          info.PID,
		pointerWidth: info.PointerWidth,
		executable:   info.Executable,
		name:         filepath.Base(info.Executable),
	}
	if gp, err := process.NewProcess(int32(info.PID)); err == nil {
		if name, err := gp.Name(); err == nil && name != "" {
			p.name = name
		}
		if p.executable == "" {
			if exe, err := gp.Exe(); err == nil {
				p.executable = exe
			}
		}
	} else {
		klog.V(2).InfoS("Process details unavailable", "pid", info.PID, "err", err)
	}
	if err := p.Refresh(); err != nil {
		if fault.KindOf(err) == fault.EnumerationFailed {
			return nil, fault.New(fault.ProcessUnavailable, "discover", 0, err)
		}
		return nil, err
	}
	return p, nil
}

// PID returns the process identifier.
func (p *Process) PID() int { return p.pid }

// PointerWidth returns the width of a pointer in bytes, 4 or 8.
func (p *Process) PointerWidth() int { return p.pointerWidth }

// Name returns the process name.
func (p *Process) Name() string { return p.name }

// Executable returns the path of the main image.
func (p *Process) Executable() string { return p.executable }

// Refresh re-enumerates the modules and replaces the snapshot as a whole.
// Refreshes must not run concurrently with each other; lookups may.
func (p *Process) Refresh() error {
	infos, err := p.shim.EnumerateModules()
	if err != nil {
		return err
	}
	mods := make([]Module, len(infos))
	for i, mi := range infos {
		mods[i] = Module{name: mi.Name, path: mi.Path, base: mi.Base, size: mi.Size}
	}
	p.modules.Store(&mods)
	klog.V(2).InfoS("Refreshed modules", "pid", p.pid, "count", len(mods))
	return nil
}

// Modules returns the current snapshot. The slice must not be modified.
func (p *Process) Modules() []Module {
	if m := p.modules.Load(); m != nil {
		return *m
	}
	return nil
}

// FindModule returns the module with exactly this name.
func (p *Process) FindModule(name string) (Module, bool) {
	for _, m := range p.Modules() {
		if m.name == name {
			return m, true
		}
	}
	return Module{}, false
}

// ModuleContaining returns the module whose range holds addr. When loader
// aliasing makes more than one module match, none is returned.
func (p *Process) ModuleContaining(addr Address) (Module, bool) {
	var (
		found Module
		n     int
	)
	for _, m := range p.Modules() {
		if m.Contains(addr) {
			found = m
			n++
		}
	}
	switch n {
	case 1:
		return found, true
	case 0:
		return Module{}, false
	}
	klog.V(2).InfoS("Address is inside overlapping modules", "address", addr, "matches", n)
	return Module{}, false
}
