package app

import (
	"os"

	"golang.org/x/sys/unix"
)

func mapCodePage() (*codePage, error) {
	mem, err := unix.Mmap(-1, 0, os.Getpagesize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	for i := range mem {
		mem[i] = 0x90
	}
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	return &codePage{mem: mem}, nil
}

func (p *codePage) free() {
	unix.Munmap(p.mem)
}
