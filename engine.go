package livepatch

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/fengyoulin/livepatch/fault"
	"github.com/fengyoulin/livepatch/internal/platform"
)

// Engine creates patches against the running process and tracks the ranges
// they occupy.
type Engine struct {
	opts    Options
	shim    platform.Shim
	process *Process
	sink    EventSink

	// lock protects patches and closed.
	lock sync.Mutex
	// patches holds applied and poisoned patches keyed by address.
	patches map[Address]*Patch
	closed  bool

	// barrierMu serializes protection changes and barrier windows.
	barrierMu sync.Mutex
}

// New discovers the running process and returns an engine for it.
func New(opts Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	shim := opts.shim
	if shim == nil {
		var err error
		if shim, err = platform.New(opts.platformConfig()); err != nil {
			return nil, err
		}
	}
	p, err := discover(shim)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		opts:    opts,
		shim:    shim,
		process: p,
		sink:    opts.Sink,
		patches: make(map[Address]*Patch),
	}
	if e.sink == nil {
		e.sink = klogSink{}
	}
	return e, nil
}

// Process returns the process the engine patches.
func (e *Engine) Process() *Process { return e.process }

// Create captures length bytes at addr and returns an unapplied patch that
// would replace them with replacement.
func (e *Engine) Create(addr Address, length int, replacement []byte) (*Patch, error) {
	const op = "create"
	if len(replacement) != length {
		return nil, fault.Errorf(fault.LengthMismatch, op, uint64(addr), "replacement is %d bytes, range is %d", len(replacement), length)
	}
	if length <= 0 {
		return nil, fault.Errorf(fault.InvalidAddress, op, uint64(addr), "empty range")
	}
	if e.isClosed() {
		return nil, fault.New(fault.InvalidState, op, uint64(addr), ErrEngineClosed)
	}
	orig, err := e.readExact(op, addr, length)
	if err != nil {
		return nil, err
	}
	p := &Patch{
		engine:      e,
		addr:        addr,
		original:    orig,
		replacement: append([]byte(nil), replacement...),
		verify:      make([]byte, length),
	}
	patchesCreated.Inc()
	klog.V(4).InfoS("Created patch", "address", addr, "length", length)
	return p, nil
}

func (e *Engine) readExact(op string, addr Address, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := e.shim.Read(addr, buf)
	if err != nil {
		return nil, fault.New(fault.ReadFailed, op, uint64(addr), err)
	}
	if n != length {
		return nil, fault.Errorf(fault.ReadFailed, op, uint64(addr), "read %d of %d bytes", n, length)
	}
	return buf, nil
}

func (e *Engine) isClosed() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.closed
}

// reserve claims p's range, rejecting any overlap with a tracked patch.
func (e *Engine) reserve(p *Patch) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.closed {
		return fault.New(fault.InvalidState, "apply", uint64(p.addr), ErrEngineClosed)
	}
	for _, q := range e.patches {
		if q != p && p.addr < q.End() && q.addr < p.End() {
			return fault.Errorf(fault.OverlapConflict, "apply", uint64(p.addr), "overlaps patch at %v", q.addr)
		}
	}
	e.patches[p.addr] = p
	return nil
}

func (e *Engine) unreserve(p *Patch) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.patches[p.addr] == p {
		delete(e.patches, p.addr)
	}
}

// Applied returns the patches currently applied.
func (e *Engine) Applied() []*Patch {
	e.lock.Lock()
	tracked := make([]*Patch, 0, len(e.patches))
	for _, p := range e.patches {
		tracked = append(tracked, p)
	}
	e.lock.Unlock()

	// Patch locks are taken before the engine lock, never inside it.
	var ps []*Patch
	for _, p := range tracked {
		if p.State() == Applied {
			ps = append(ps, p)
		}
	}
	return ps
}

// With applies a patch, runs fn and restores the patch, whatever fn returns.
func (e *Engine) With(addr Address, replacement []byte, fn func() error) (err error) {
	p, err := e.Create(addr, len(replacement), replacement)
	if err != nil {
		return err
	}
	if err := p.Apply(); err != nil {
		return err
	}
	defer func() {
		if cerr := p.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn()
}

// Close restores every applied patch. Patches that fail to restore are
// reported and stay poisoned. The engine creates nothing afterwards.
func (e *Engine) Close() error {
	e.lock.Lock()
	e.closed = true
	e.lock.Unlock()

	var errs []error
	for _, p := range e.Applied() {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// span is one page aligned slice of the target range whose protection was
// raised for a write.
type span struct {
	region platform.RegionInfo
	prev   Protection
}

// commitResult is what happened inside one barrier window.
type commitResult struct {
	mode       BarrierMode
	written    bool
	n          int
	err        error
	restored   bool
	restoreErr error
	lowerErr   error
	releaseErr error
}

// commit writes data at addr inside a barrier and verifies it. When the
// write does not verify it writes fallback back. Resolving and raising the
// protection, the barrier window and lowering it again all hold barrierMu,
// so another commit on the same page never sees a protection it did not set.
// Nothing allocates between acquiring and releasing the barrier.
func (e *Engine) commit(op string, addr Address, data, fallback, verify []byte) (commitResult, error) {
	e.barrierMu.Lock()
	spans, err := e.raise(op, addr, len(data))
	if err != nil {
		e.barrierMu.Unlock()
		return commitResult{}, err
	}
	b, err := acquireBarrier(e.shim, e.opts.Barrier, addr, len(data))
	if err != nil {
		e.lower(spans)
		e.barrierMu.Unlock()
		return commitResult{}, err
	}
	b.unlock = e.barrierMu.Unlock

	res := commitResult{mode: b.mode}
	res.n, res.err = e.shim.Write(addr, data)
	res.written = res.err == nil && res.n == len(data) && e.check(addr, data, verify)
	if !res.written {
		var n int
		n, res.restoreErr = e.shim.Write(addr, fallback)
		res.restored = res.restoreErr == nil && n == len(fallback) && e.check(addr, fallback, verify)
	}
	res.lowerErr = e.lower(spans)
	res.releaseErr = b.Release()

	if res.releaseErr != nil {
		klog.ErrorS(res.releaseErr, "Failed to release barrier", "op", op, "address", addr)
		e.emit(op, addr, len(data), res.releaseErr)
	}
	if res.lowerErr != nil {
		klog.ErrorS(res.lowerErr, "Failed to restore protection", "op", op, "address", addr)
	}
	return res, nil
}

func (e *Engine) check(addr Address, want, buf []byte) bool {
	n, err := e.shim.Read(addr, buf)
	return err == nil && n == len(want) && bytes.Equal(buf, want)
}

// raise adds write access to every page of [addr, addr+length).
func (e *Engine) raise(op string, addr Address, length int) ([]span, error) {
	regions, err := e.process.ResolveSpan(addr, length)
	if err != nil {
		return nil, err
	}
	end := addr + Address(length)
	spans := make([]span, 0, len(regions))
	for _, r := range regions {
		if r.Protection.Writable() {
			continue
		}
		lo, hi := r.Base, r.End()
		if addr > lo {
			lo = addr
		}
		if end < hi {
			hi = end
		}
		base, size := platform.PageSpan(lo, uint64(hi-lo), e.shim.PageSize())
		ri := platform.RegionInfo{Base: base, Size: size, Protection: r.Protection, Kind: r.Kind, Path: r.Path}
		prev, err := e.shim.SetProtection(ri, r.Protection|ProtW)
		if err != nil {
			e.lower(spans)
			return nil, fault.New(fault.ProtectionChangeFailed, op, uint64(base), err)
		}
		ri.Protection = r.Protection | ProtW
		spans = append(spans, span{region: ri, prev: prev})
	}
	return spans, nil
}

// lower puts back the protection raise replaced, last span first.
func (e *Engine) lower(spans []span) error {
	var first error
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		if _, err := e.shim.SetProtection(s.region, s.prev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (e *Engine) String() string {
	return fmt.Sprintf("livepatch engine for pid %d", e.process.pid)
}
