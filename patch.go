package livepatch

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/fengyoulin/livepatch/fault"
)

// State is the lifecycle position of a patch.
type State int

const (
	Unapplied State = iota
	Applied
	Restored
	Failed
)

func (s State) String() string {
	switch s {
	case Unapplied:
		return "Unapplied"
	case Applied:
		return "Applied"
	case Restored:
		return "Restored"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Patch replaces a fixed range of live code and can put it back. The
// original bytes are captured once, at creation.
//
// A Patch is owned by its creator; Close restores it if applied.
type Patch struct {
	engine      *Engine
	addr        Address
	original    []byte
	replacement []byte
	// verify is the re-read buffer, allocated up front.
	verify []byte
	// positionDependent is set when the overwritten instructions address
	// relative to the instruction pointer.
	positionDependent bool

	mu    sync.Mutex
	state State
	err   error
}

func (p *Patch) Address() Address { return p.addr }
func (p *Patch) Len() int         { return len(p.original) }

// End returns the first address past the patched range.
func (p *Patch) End() Address { return p.addr + Address(len(p.original)) }

// Original returns a copy of the bytes captured at creation.
func (p *Patch) Original() []byte { return append([]byte(nil), p.original...) }

// Replacement returns a copy of the bytes the patch writes.
func (p *Patch) Replacement() []byte { return append([]byte(nil), p.replacement...) }

// PositionDependent reports whether the instructions a jump or call patch
// overwrites address relative to the instruction pointer, so they cannot be
// copied elsewhere and run unchanged. Patches built from raw bytes report
// false.
func (p *Patch) PositionDependent() bool { return p.positionDependent }

func (p *Patch) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the error that moved the patch to Failed.
func (p *Patch) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Patch) String() string {
	return fmt.Sprintf("patch %v+%d %v", p.addr, len(p.original), p.State())
}

// Apply writes the replacement. Failures that happen before anything is
// written leave the patch Unapplied; a write that does not verify moves it
// to Failed after the original bytes are written back.
func (p *Patch) Apply() error {
	const op = "apply"
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.engine
	if p.state != Unapplied {
		return fault.Errorf(fault.InvalidState, op, uint64(p.addr), "patch is %v", p.state)
	}
	if err := e.reserve(p); err != nil {
		countFailure(err)
		return err
	}
	res, err := e.commit(op, p.addr, p.replacement, p.original, p.verify)
	if err != nil {
		e.unreserve(p)
		countFailure(err)
		klog.V(2).InfoS("Patch not applied", "address", p.addr, "err", err)
		return err
	}
	if res.written {
		p.state = Applied
		patchesApplied.Inc()
		klog.V(4).InfoS("Applied patch", "address", p.addr, "length", len(p.original), "barrier", res.mode)
		return nil
	}

	cause := res.err
	if cause == nil {
		cause = fmt.Errorf("wrote %d of %d bytes or contents did not verify", res.n, len(p.replacement))
	}
	err = fault.New(fault.WriteFailed, op, uint64(p.addr), cause)
	if res.restored {
		e.unreserve(p)
	} else {
		// Contents unknown: keep the range reserved so nothing else lands
		// on it.
		err = fmt.Errorf("%w; original not written back: %v", err, res.restoreErr)
	}
	p.fail(op, err)
	return err
}

// Restore writes the original bytes back. A failure to write them moves the
// patch to Failed with RestoreFailed and leaves the range reserved.
// Failures that happen before anything is written, such as a protection
// change or barrier that could not be made, leave the patch Applied with
// its replacement in place, and Restore can be called again.
func (p *Patch) Restore() error {
	return p.restore("restore")
}

func (p *Patch) restore(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.engine
	if p.state != Applied {
		return fault.Errorf(fault.InvalidState, op, uint64(p.addr), "patch is %v", p.state)
	}
	res, err := e.commit(op, p.addr, p.original, p.replacement, p.verify)
	if err != nil {
		countFailure(err)
		klog.V(2).InfoS("Patch not restored", "address", p.addr, "err", err)
		return err
	}
	if res.written {
		p.state = Restored
		e.unreserve(p)
		patchesRestored.Inc()
		klog.V(4).InfoS("Restored patch", "address", p.addr, "length", len(p.original), "barrier", res.mode)
		return nil
	}

	cause := res.err
	if cause == nil {
		cause = fmt.Errorf("wrote %d of %d bytes or contents did not verify", res.n, len(p.original))
	}
	err = fault.New(fault.RestoreFailed, op, uint64(p.addr), cause)
	p.fail(op, err)
	if e.opts.TerminateOnRestoreFailure {
		klog.ErrorS(err, "Terminating: code left in an undefined state", "address", p.addr)
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}
	return err
}

func (p *Patch) fail(op string, err error) {
	p.state, p.err = Failed, err
	countFailure(err)
	p.engine.emit(op, p.addr, len(p.original), err)
}

// Close restores the patch if it is applied. It is safe to call in a defer
// and more than once.
func (p *Patch) Close() error {
	if p.State() != Applied {
		return nil
	}
	err := p.restore("close")
	if err != nil && fault.KindOf(err) != fault.RestoreFailed {
		// Not a Failed transition, so nothing was emitted yet.
		p.engine.emit("close", p.addr, len(p.original), err)
	}
	return err
}
