package livepatch

import (
	"errors"
	"runtime"
	"time"

	"k8s.io/klog/v2"

	"github.com/fengyoulin/livepatch/fault"
	"github.com/fengyoulin/livepatch/internal/platform"
)

// Barrier keeps every other thread from executing a range until Release.
// The goroutine that acquired it stays locked to its OS thread meanwhile.
//
// A suspension barrier stops every other thread, so it also keeps threads
// from reading the range as data. A breakpoint barrier arms a single one
// byte execution breakpoint at the first address of the range and holds
// threads already executing inside it. It covers threads entering the range
// at its start, not branches landing in its middle, and it does not stop
// data readers. Use BarrierSuspend for ranges that are branch targets past
// their first byte or that other threads read.
//
// Acquisition has no timeout: a thread that cannot be stopped blocks it.
type Barrier struct {
	shim     platform.Shim
	mode     BarrierMode
	addr     Address
	bp       platform.Breakpoint
	susp     platform.Suspension
	start    time.Time
	unlock   func()
	released bool
}

// AcquireBarrier engages the configured barrier for [addr, addr+length).
// Barriers of one engine are serialized: a second caller waits for Release.
func (e *Engine) AcquireBarrier(addr Address, length int) (*Barrier, error) {
	e.barrierMu.Lock()
	b, err := acquireBarrier(e.shim, e.opts.Barrier, addr, length)
	if err != nil {
		e.barrierMu.Unlock()
		return nil, err
	}
	b.unlock = e.barrierMu.Unlock
	return b, nil
}

func acquireBarrier(shim platform.Shim, mode BarrierMode, addr Address, length int) (*Barrier, error) {
	const op = "acquire_barrier"
	runtime.LockOSThread()
	b := &Barrier{shim: shim, addr: addr, start: time.Now()}

	var bpErr error
	if mode == BarrierAuto || mode == BarrierBreakpoint {
		bp, err := shim.InstallExecBreakpoint(addr, length)
		if err == nil {
			b.bp, b.mode = bp, BarrierBreakpoint
			return b, nil
		}
		if errors.Is(err, fault.ErrAlreadySuspended) || mode == BarrierBreakpoint {
			runtime.UnlockOSThread()
			return nil, barrierError(op, addr, err)
		}
		bpErr = err
	}
	susp, err := shim.SuspendAllThreadsExcept(shim.CurrentThread())
	if err != nil {
		runtime.UnlockOSThread()
		if bpErr != nil {
			err = errors.Join(bpErr, err)
		}
		return nil, barrierError(op, addr, err)
	}
	b.susp, b.mode = susp, BarrierSuspend
	return b, nil
}

func barrierError(op string, addr Address, err error) error {
	if errors.Is(err, fault.ErrAlreadySuspended) {
		return err
	}
	return fault.New(fault.BarrierUnavailable, op, uint64(addr), err)
}

// Mode reports which mechanism is engaged.
func (b *Barrier) Mode() BarrierMode { return b.mode }

// Release lets the other threads run again. Calling it more than once is a
// no-op.
func (b *Barrier) Release() error {
	if b.released {
		return nil
	}
	b.released = true
	var err error
	if b.bp != nil {
		err = b.shim.RemoveExecBreakpoint(b.bp)
	} else {
		err = b.shim.ResumeAllThreads(b.susp)
	}
	runtime.UnlockOSThread()
	if b.unlock != nil {
		b.unlock()
	}
	countBarrier(b.mode, b.start)
	klog.V(4).InfoS("Released barrier", "mode", b.mode, "address", b.addr, "duration", time.Since(b.start))
	return err
}
