//go:build !amd64 && !386

package livepatch

import "github.com/fengyoulin/livepatch/fault"

// CreateJump is only implemented for x86.
func (e *Engine) CreateJump(from, to Address) (*Patch, error) {
	return nil, fault.Errorf(fault.Unsupported, "create_jump", uint64(from), "no jump encoding for this architecture")
}

// CreateNop is only implemented for x86.
func (e *Engine) CreateNop(addr Address, length int) (*Patch, error) {
	return nil, fault.Errorf(fault.Unsupported, "create_nop", uint64(addr), "no instruction decoder for this architecture")
}

// CreateCall is only implemented for x86.
func (e *Engine) CreateCall(addr, to Address) (*Patch, error) {
	return nil, fault.Errorf(fault.Unsupported, "create_call", uint64(addr), "no call encoding for this architecture")
}

// CreateAsm is only implemented for x86.
func (e *Engine) CreateAsm(addr Address, length int, asm []byte, a Alignment) (*Patch, error) {
	return nil, fault.Errorf(fault.Unsupported, "create_asm", uint64(addr), "no NOP encoding for this architecture")
}
