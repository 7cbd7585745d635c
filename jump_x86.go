//go:build amd64 || 386

package livepatch

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"
	"k8s.io/klog/v2"

	"github.com/fengyoulin/livepatch/fault"
)

const (
	nop = 0x90
	// maxInstLen is the longest legal x86 instruction.
	maxInstLen = 15
	jmpRel32   = 5
	jmpAbs64   = 14
	callRel32  = 5
	callAbs64  = 16
)

// nops are the recommended multi-byte NOP encodings, indexed by length.
var nops = [...][]byte{
	1: {0x90},
	2: {0x66, 0x90},
	3: {0x0f, 0x1f, 0x00},
	4: {0x0f, 0x1f, 0x40, 0x00},
	5: {0x0f, 0x1f, 0x44, 0x00, 0x00},
	6: {0x66, 0x0f, 0x1f, 0x44, 0x00, 0x00},
	7: {0x0f, 0x1f, 0x80, 0x00, 0x00, 0x00, 0x00},
	8: {0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
	9: {0x66, 0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
}

// nopFill fills b with as few NOP instructions as possible.
func nopFill(b []byte) {
	for len(b) > 0 {
		n := len(b)
		if n >= len(nops) {
			n = len(nops) - 1
		}
		b = b[copy(b, nops[n]):]
	}
}

type info struct {
	length      int
	relocatable bool
}

// decodeMode is the x86asm mode for the process.
func (e *Engine) decodeMode() int {
	if e.process.PointerWidth() == 4 {
		return 32
	}
	return 64
}

// ensureLength decodes whole instructions until at least size bytes are
// covered.
func ensureLength(src []byte, size int, mode int) (info, error) {
	var inf info
	inf.relocatable = true
	for inf.length < size {
		i, err := analysis(src, mode)
		if err != nil {
			return inf, err
		}
		inf.relocatable = inf.relocatable && i.relocatable
		inf.length += i.length
		src = src[i.length:]
	}
	return inf, nil
}

// analysis decodes one instruction. Instructions addressing relative to the
// instruction pointer are not relocatable.
func analysis(src []byte, mode int) (inf info, err error) {
	inst, err := x86asm.Decode(src, mode)
	if err != nil {
		return
	}
	inf.length = inst.Len
	inf.relocatable = true
	for _, a := range inst.Args {
		if mem, ok := a.(x86asm.Mem); ok {
			if mem.Base == x86asm.RIP {
				inf.relocatable = false
				return
			}
		} else if _, ok := a.(x86asm.Rel); ok {
			inf.relocatable = false
			return
		}
	}
	return
}

func overflowsS32(from, to Address) bool {
	diff := int64(to - from)
	return diff > 1<<31-1 || diff < -1<<31
}

// jumpSequence encodes a jump placed at from that lands on to: JMP rel32
// when in reach, otherwise JMP [RIP+0] followed by the absolute target.
func jumpSequence(from, to Address, mode int) []byte {
	if mode == 32 || !overflowsS32(from+jmpRel32, to) {
		seq := make([]byte, jmpRel32)
		seq[0] = 0xe9
		binary.LittleEndian.PutUint32(seq[1:], uint32(to-from-jmpRel32))
		return seq
	}
	seq := make([]byte, jmpAbs64)
	copy(seq, []byte{0xff, 0x25, 0, 0, 0, 0})
	binary.LittleEndian.PutUint64(seq[6:], uint64(to))
	return seq
}

// callSequence encodes a call placed at from to the subroutine at to: CALL
// rel32 when in reach, otherwise CALL [RIP+2] jumping over the absolute
// target that follows.
func callSequence(from, to Address, mode int) []byte {
	if mode == 32 || !overflowsS32(from+callRel32, to) {
		seq := make([]byte, callRel32)
		seq[0] = 0xe8
		binary.LittleEndian.PutUint32(seq[1:], uint32(to-from-callRel32))
		return seq
	}
	seq := make([]byte, callAbs64)
	copy(seq, []byte{0xff, 0x15, 0x02, 0, 0, 0, 0xeb, 0x08})
	binary.LittleEndian.PutUint64(seq[8:], uint64(to))
	return seq
}

// window reads the bytes at addr that could hold the first instructions of
// a size byte patch.
func (e *Engine) window(op string, addr Address, size int) ([]byte, error) {
	buf := make([]byte, size+maxInstLen)
	n, err := e.shim.Read(addr, buf)
	if err != nil {
		return nil, fault.New(fault.ReadFailed, op, uint64(addr), err)
	}
	if n < size {
		return nil, fault.Errorf(fault.ReadFailed, op, uint64(addr), "read %d of %d bytes", n, size)
	}
	return buf[:n], nil
}

func (e *Engine) roundToInstructions(op string, addr Address, size int) (info, error) {
	src, err := e.window(op, addr, size)
	if err != nil {
		return info{}, err
	}
	inf, err := ensureLength(src, size, e.decodeMode())
	if err != nil {
		return info{}, fault.Errorf(fault.Unsupported, op, uint64(addr), "cannot decode instructions: %v", err)
	}
	return inf, nil
}

// CreateJump returns a patch that makes execution reaching from continue at
// to. The jump is padded with NOPs to the next instruction boundary.
func (e *Engine) CreateJump(from, to Address) (*Patch, error) {
	const op = "create_jump"
	seq := jumpSequence(from, to, e.decodeMode())
	inf, err := e.roundToInstructions(op, from, len(seq))
	if err != nil {
		return nil, err
	}
	repl := make([]byte, inf.length)
	copy(repl, seq)
	for i := len(seq); i < len(repl); i++ {
		repl[i] = nop
	}
	return e.createOverInstructions(from, repl, inf)
}

// CreateCall returns a patch that calls the subroutine at to from addr and
// then carries on with NOPs to the next instruction boundary. The
// subroutine must preserve every register the overwritten code relied on.
func (e *Engine) CreateCall(addr, to Address) (*Patch, error) {
	const op = "create_call"
	seq := callSequence(addr, to, e.decodeMode())
	inf, err := e.roundToInstructions(op, addr, len(seq))
	if err != nil {
		return nil, err
	}
	repl := make([]byte, inf.length)
	copy(repl, seq)
	nopFill(repl[len(seq):])
	return e.createOverInstructions(addr, repl, inf)
}

// CreateAsm returns a patch that writes the machine code asm into length
// bytes at addr, placed by a, with NOP instructions around it.
func (e *Engine) CreateAsm(addr Address, length int, asm []byte, a Alignment) (*Patch, error) {
	const op = "create_asm"
	left, _, err := a.Padding(length, len(asm), 1)
	if err != nil {
		return nil, fault.New(fault.LengthMismatch, op, uint64(addr), err)
	}
	repl := make([]byte, length)
	nopFill(repl[:left])
	copy(repl[left:], asm)
	nopFill(repl[left+len(asm):])
	return e.Create(addr, length, repl)
}

func (e *Engine) createOverInstructions(addr Address, repl []byte, inf info) (*Patch, error) {
	p, err := e.Create(addr, len(repl), repl)
	if err != nil {
		return nil, err
	}
	p.positionDependent = !inf.relocatable
	if p.positionDependent {
		klog.V(4).InfoS("Patch overwrites position dependent instructions", "address", addr, "length", inf.length)
	}
	return p, nil
}

// CreateNop returns a patch that fills at least length bytes at addr with
// NOPs, rounded up to whole instructions.
func (e *Engine) CreateNop(addr Address, length int) (*Patch, error) {
	const op = "create_nop"
	if length <= 0 {
		return nil, fault.Errorf(fault.InvalidAddress, op, uint64(addr), "empty range")
	}
	inf, err := e.roundToInstructions(op, addr, length)
	if err != nil {
		return nil, err
	}
	repl := make([]byte, inf.length)
	for i := range repl {
		repl[i] = nop
	}
	return e.Create(addr, len(repl), repl)
}
