package app

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

func mapCodePage() (*codePage, error) {
	size := uintptr(os.Getpagesize())
	base, err := windows.VirtualAlloc(0, size, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}
	mem := unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
	for i := range mem {
		mem[i] = 0x90
	}
	var old uint32
	if err := windows.VirtualProtect(base, size, windows.PAGE_EXECUTE_READ, &old); err != nil {
		windows.VirtualFree(base, 0, windows.MEM_RELEASE)
		return nil, err
	}
	return &codePage{mem: mem}, nil
}

func (p *codePage) free() {
	windows.VirtualFree(uintptr(unsafe.Pointer(&p.mem[0])), 0, windows.MEM_RELEASE)
}
