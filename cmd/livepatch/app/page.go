package app

import (
	"unsafe"

	"github.com/fengyoulin/livepatch"
)

// codePage is a scratch page mapped read and execute.
type codePage struct {
	mem []byte
}

func (p *codePage) address() livepatch.Address {
	return livepatch.Address(uintptr(unsafe.Pointer(&p.mem[0])))
}
