//go:build !linux && !windows

package platform

import (
	"os"
	"runtime"

	"github.com/fengyoulin/livepatch/fault"
)

// otherShim reports every operation as unavailable.
type otherShim struct{}

// New returns a shim whose operations all fail with ProcessUnavailable.
func New(Config) (Shim, error) { return otherShim{}, nil }

func unavailable(op string, addr Address) error {
	return fault.Errorf(fault.ProcessUnavailable, op, uint64(addr), "not supported on %s", runtime.GOOS)
}

func (otherShim) Self() (ProcessInfo, error) {
	return ProcessInfo{PID: os.Getpid()}, unavailable("self", 0)
}

func (otherShim) PageSize() uint64 { return uint64(os.Getpagesize()) }

func (otherShim) CurrentThread() ThreadID { return 0 }

func (otherShim) EnumerateModules() ([]ModuleInfo, error) {
	return nil, unavailable("enumerate_modules", 0)
}

func (otherShim) QueryRegion(addr Address) (RegionInfo, error) {
	return RegionInfo{}, unavailable("query_region", addr)
}

func (otherShim) SetProtection(r RegionInfo, _ Protection) (Protection, error) {
	return 0, unavailable("set_protection", r.Base)
}

func (otherShim) Read(addr Address, _ []byte) (int, error) {
	return 0, unavailable("read", addr)
}

func (otherShim) Write(addr Address, _ []byte) (int, error) {
	return 0, unavailable("write", addr)
}

func (otherShim) SuspendAllThreadsExcept(ThreadID) (Suspension, error) {
	return nil, unavailable("suspend_threads", 0)
}

func (otherShim) ResumeAllThreads(Suspension) error {
	return unavailable("resume_threads", 0)
}

func (otherShim) InstallExecBreakpoint(addr Address, _ int) (Breakpoint, error) {
	return nil, unavailable("install_breakpoint", addr)
}

func (otherShim) RemoveExecBreakpoint(Breakpoint) error {
	return unavailable("remove_breakpoint", 0)
}
