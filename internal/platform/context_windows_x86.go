//go:build windows && (amd64 || 386)

package platform

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	procGetThreadContext = modkernel32.NewProc("GetThreadContext")
	procSetThreadContext = modkernel32.NewProc("SetThreadContext")
)

func findContextProcs() error {
	if err := procGetThreadContext.Find(); err != nil {
		return err
	}
	return procSetThreadContext.Find()
}

// threadContext holds a CONTEXT record. The API wants it 16-byte aligned,
// which a Go byte array does not guarantee, so the record floats inside a
// larger buffer.
type threadContext struct {
	buf [ctxSize + 16]byte
}

func (c *threadContext) ptr() unsafe.Pointer {
	p := unsafe.Pointer(&c.buf[0])
	return unsafe.Add(p, (16-uintptr(p)%16)%16)
}

func (c *threadContext) word(off uintptr) *ctxWord {
	return (*ctxWord)(unsafe.Add(c.ptr(), off))
}

func (c *threadContext) get(h windows.Handle, flags uint32) error {
	*(*uint32)(unsafe.Add(c.ptr(), ctxFlagsOffset)) = flags
	r, _, err := procGetThreadContext.Call(uintptr(h), uintptr(c.ptr()))
	if r == 0 {
		return err
	}
	return nil
}

func (c *threadContext) set(h windows.Handle, flags uint32) error {
	*(*uint32)(unsafe.Add(c.ptr(), ctxFlagsOffset)) = flags
	r, _, err := procSetThreadContext.Call(uintptr(h), uintptr(c.ptr()))
	if r == 0 {
		return err
	}
	return nil
}

func (c *threadContext) pc() uint64 { return uint64(*c.word(ctxPCOffset)) }

// syncThread waits for a suspended thread to actually stop.
func syncThread(c *threadContext, h windows.Handle) {
	_ = c.get(h, contextControl)
}
