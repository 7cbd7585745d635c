package warden

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

const haveDebugRegisters = true

// offsetof(struct user, u_debugreg) on x86-64.
const (
	debugRegOffset = 848
	debugRegSize   = 8
)

func pokeDebugRegister(tid, n int, v uint64) error {
	var b [debugRegSize]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := unix.PtracePokeUser(tid, uintptr(debugRegOffset+n*debugRegSize), b[:])
	return err
}
