package platform

import (
	"unsafe"

	"github.com/fengyoulin/livepatch/fault"
)

// makeSlice views size bytes at addr. Only valid for mapped memory.
func makeSlice(addr uintptr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func pointer(op string, addr Address, length int) (uintptr, error) {
	p, ok := addr.Pointer()
	if !ok {
		return 0, fault.Errorf(fault.InvalidAddress, op, uint64(addr), "address exceeds native pointer width")
	}
	if length > 0 {
		if _, ok := (addr + Address(length) - 1).Pointer(); !ok || addr+Address(length) < addr {
			return 0, fault.Errorf(fault.InvalidAddress, op, uint64(addr), "range of %d bytes wraps", length)
		}
	}
	return p, nil
}
