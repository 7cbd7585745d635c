package platform

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/windows"
	"k8s.io/klog/v2"

	"github.com/fengyoulin/livepatch/fault"
)

var procAddVectoredExceptionHandler = modkernel32.NewProc("AddVectoredExceptionHandler")

// Debug register bits: L0 enables DR0; R/W0 and LEN0 (bits 16-19) stay zero
// for an execution breakpoint. dr7Slot0 is every bit owned by slot 0.
const (
	dr7Local0 = 0x1
	dr7Slot0  = 0xf0003
)

// vehTemplate is the vectored exception handler that holds trapped threads.
// Go code cannot run on a thread that raised a hardware exception, so the
// handler is native:
//
//	mov  rax, [rcx]              ; EXCEPTION_RECORD
//	cmp  dword [rax], 0x80000004 ; EXCEPTION_SINGLE_STEP
//	jne  pass
//	mov  rdx, [rcx+8]            ; CONTEXT
//	mov  r9, data
//	mov  r8, [rdx+0xf8]          ; Rip
//	cmp  r8, [r9]                ; target
//	jne  pass
//	spin: pause
//	cmp  dword [r9+8], 0         ; engaged
//	jne  spin
//	and  qword [rdx+0x70], ~0xf0003 ; disarm slot 0
//	or   dword [rdx+0x44], 0x10000  ; EFlags.RF
//	mov  eax, -1                 ; EXCEPTION_CONTINUE_EXECUTION
//	ret
//	pass: xor eax, eax           ; EXCEPTION_CONTINUE_SEARCH
//	ret
var vehTemplate = []byte{
	0x48, 0x8b, 0x01,
	0x81, 0x38, 0x04, 0x00, 0x00, 0x80,
	0x75, 0x38,
	0x48, 0x8b, 0x51, 0x08,
	0x49, 0xb9, 0, 0, 0, 0, 0, 0, 0, 0,
	0x4c, 0x8b, 0x82, 0xf8, 0x00, 0x00, 0x00,
	0x4d, 0x3b, 0x01,
	0x75, 0x1e,
	0xf3, 0x90,
	0x41, 0x83, 0x79, 0x08, 0x00,
	0x75, 0xf7,
	0x48, 0x81, 0x62, 0x70, 0xfc, 0xff, 0xf0, 0xff,
	0x81, 0x4a, 0x44, 0x00, 0x00, 0x01, 0x00,
	0xb8, 0xff, 0xff, 0xff, 0xff,
	0xc3,
	0x31, 0xc0,
	0xc3,
}

// vehDataOffset is where the imm64 for the data block sits in vehTemplate.
const vehDataOffset = 17

// vehStub is the installed handler: one RX page of code and one RW page
// holding [target uint64][engaged uint32].
type vehStub struct {
	code uintptr
	data uintptr
}

func (v *vehStub) target() *uint64  { return (*uint64)(unsafe.Pointer(v.data)) }
func (v *vehStub) engaged() *uint32 { return (*uint32)(unsafe.Pointer(v.data + 8)) }

func newVehStub(pageSize uintptr) (*vehStub, error) {
	mem, err := windows.VirtualAlloc(0, 2*pageSize, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}
	v := &vehStub{code: mem, data: mem + pageSize}
	code := makeSlice(v.code, uintptr(len(vehTemplate)))
	copy(code, vehTemplate)
	binary.LittleEndian.PutUint64(code[vehDataOffset:], uint64(v.data))
	var old uint32
	if err := windows.VirtualProtect(v.code, pageSize, windows.PAGE_EXECUTE_READ, &old); err != nil {
		windows.VirtualFree(mem, 0, windows.MEM_RELEASE)
		return nil, err
	}
	if r, _, err := procAddVectoredExceptionHandler.Call(1, v.code); r == 0 {
		windows.VirtualFree(mem, 0, windows.MEM_RELEASE)
		return nil, err
	}
	return v, nil
}

func (s *windowsShim) InstallExecBreakpoint(addr Address, length int) (Breakpoint, error) {
	const op = "install_breakpoint"
	if length <= 0 {
		return nil, fault.Errorf(fault.InvalidAddress, op, uint64(addr), "empty range")
	}
	if s.veh == nil {
		v, err := newVehStub(uintptr(s.pageSize))
		if err != nil {
			return nil, fault.New(fault.Unsupported, op, uint64(addr), err)
		}
		s.veh = v
	}
	if !s.engaged.CompareAndSwap(false, true) {
		return nil, fault.New(fault.AlreadySuspended, op, uint64(addr), nil)
	}
	atomic.StoreUint64(s.veh.target(), uint64(addr))
	atomic.StoreUint32(s.veh.engaged(), 1)

	t := newSuspension(addr)
	end := uint64(addr) + uint64(length)
	arm := func(h windows.Handle) error {
		ok, err := stopThread(h)
		if err != nil {
			return err
		}
		if !ok {
			windows.CloseHandle(h)
			return nil
		}
		if err := s.ctx.get(h, contextControl|contextDebugRegisters); err != nil {
			windows.ResumeThread(h)
			return err
		}
		if pc := s.ctx.pc(); pc >= uint64(addr) && pc < end {
			t.held = append(t.held, h)
			return nil
		}
		*s.ctx.word(ctxDr0Offset) = ctxWord(addr)
		*s.ctx.word(ctxDr7Offset) = *s.ctx.word(ctxDr7Offset)&^dr7Slot0 | dr7Local0
		err = s.ctx.set(h, contextDebugRegisters)
		windows.ResumeThread(h)
		if err != nil {
			return err
		}
		t.threads = append(t.threads, h)
		return nil
	}
	// Threads started during a pass are armed by the next one.
	for {
		n, err := s.eachThread(op, t, s.CurrentThread(), arm)
		if err != nil {
			s.disarm(t)
			return nil, fault.New(fault.BarrierUnavailable, op, uint64(addr), err)
		}
		if n == 0 {
			break
		}
	}
	klog.V(4).InfoS("Armed breakpoint", "address", addr, "threads", len(t.threads), "held", len(t.held))
	return t, nil
}

// disarm clears slot 0 on every armed thread, then lets trapped and held
// threads go.
func (s *windowsShim) disarm(t *windowsSuspension) error {
	var first error
	for _, h := range t.threads {
		if err := suspendThread(h); err == nil {
			if err := s.ctx.get(h, contextDebugRegisters); err == nil {
				*s.ctx.word(ctxDr7Offset) &^= dr7Slot0
				*s.ctx.word(ctxDr0Offset) = 0
				if err := s.ctx.set(h, contextDebugRegisters); err != nil && first == nil {
					first = err
				}
			} else if first == nil {
				first = err
			}
			windows.ResumeThread(h)
		}
		windows.CloseHandle(h)
	}
	atomic.StoreUint32(s.veh.engaged(), 0)
	for _, h := range t.held {
		windows.ResumeThread(h)
		windows.CloseHandle(h)
	}
	t.threads, t.held = t.threads[:0], t.held[:0]
	s.engaged.Store(false)
	return first
}

func (s *windowsShim) RemoveExecBreakpoint(bp Breakpoint) error {
	t, ok := bp.(*windowsSuspension)
	if !ok || t.trap == 0 {
		return fault.Errorf(fault.InvalidState, "remove_breakpoint", 0, "foreign breakpoint %T", bp)
	}
	if err := s.disarm(t); err != nil {
		return fault.New(fault.BarrierUnavailable, "remove_breakpoint", uint64(t.trap), err)
	}
	return nil
}
