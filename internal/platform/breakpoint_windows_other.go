//go:build windows && !amd64

package platform

import "github.com/fengyoulin/livepatch/fault"

type vehStub struct{}

func (s *windowsShim) InstallExecBreakpoint(addr Address, _ int) (Breakpoint, error) {
	return nil, fault.Errorf(fault.Unsupported, "install_breakpoint", uint64(addr), "no breakpoint handler for this architecture")
}

func (s *windowsShim) RemoveExecBreakpoint(Breakpoint) error {
	return fault.Errorf(fault.Unsupported, "remove_breakpoint", 0, "no breakpoint handler for this architecture")
}
