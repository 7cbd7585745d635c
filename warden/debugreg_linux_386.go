package warden

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

const haveDebugRegisters = true

// offsetof(struct user, u_debugreg) on i386.
const (
	debugRegOffset = 252
	debugRegSize   = 4
)

func pokeDebugRegister(tid, n int, v uint64) error {
	var b [debugRegSize]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	_, err := unix.PtracePokeUser(tid, uintptr(debugRegOffset+n*debugRegSize), b[:])
	return err
}
