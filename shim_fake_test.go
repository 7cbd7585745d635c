package livepatch

import (
	"sync"
	"testing"

	"github.com/fengyoulin/livepatch/fault"
	"github.com/fengyoulin/livepatch/internal/platform"
)

const (
	fakeBase     Address = 0x10000
	fakePageSize         = 0x1000
	fakePages            = 4
)

// fakeShim is an in-memory process: fakePages pages of code at fakeBase,
// each its own region.
type fakeShim struct {
	mu      sync.Mutex
	mem     []byte
	prot    []Protection
	modules []platform.ModuleInfo

	breakpoints bool
	engaged     bool
	// log records the shim calls in order.
	log []string
	// outside counts writes made with no barrier engaged.
	outside int

	failEnumerate bool
	failProtect   bool
	failSuspend   bool
	// shortWrites makes the next writes stop after this many bytes.
	shortWrite  int
	shortWrites int
	// failWrites makes the next writes fail outright.
	failWrites int
	// onWrite runs before each write, outside the lock.
	onWrite func(addr Address)
}

func newFakeShim() *fakeShim {
	f := &fakeShim{
		mem:  make([]byte, fakePages*fakePageSize),
		prot: make([]Protection, fakePages),
		modules: []platform.ModuleInfo{
			{Name: "host", Path: "/opt/host/bin/host", Base: fakeBase, Size: fakePages * fakePageSize},
			{Name: "libc.so.6", Path: "/usr/lib/libc.so.6", Base: 0x7f0000000000, Size: 0x1c0000},
		},
	}
	for i := range f.mem {
		f.mem[i] = 0x90
	}
	for i := range f.prot {
		f.prot[i] = ProtRX
	}
	return f
}

// newTestEngine returns an engine over a fresh fake shim.
func newTestEngine(t *testing.T, mutate ...func(*Options)) (*Engine, *fakeShim) {
	t.Helper()
	f := newFakeShim()
	opts := DefaultOptions()
	opts.shim = f
	for _, m := range mutate {
		m(&opts)
	}
	e, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return e, f
}

func (f *fakeShim) record(s string) { f.log = append(f.log, s) }

func (f *fakeShim) bytes(addr Address, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	off := int(addr - fakeBase)
	return append([]byte(nil), f.mem[off:off+n]...)
}

func (f *fakeShim) protection(addr Address) Protection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prot[int(addr-fakeBase)/fakePageSize]
}

func (f *fakeShim) poke(addr Address, b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.mem[int(addr-fakeBase):], b)
}

func (f *fakeShim) inside(addr Address) bool {
	return addr >= fakeBase && addr < fakeBase+Address(len(f.mem))
}

func (f *fakeShim) Self() (platform.ProcessInfo, error) {
	return platform.ProcessInfo{PID: 4242, PointerWidth: 8, Executable: "/opt/host/bin/host"}, nil
}

func (f *fakeShim) PageSize() uint64 { return fakePageSize }

func (f *fakeShim) CurrentThread() platform.ThreadID { return 1 }

func (f *fakeShim) EnumerateModules() ([]platform.ModuleInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEnumerate {
		return nil, fault.New(fault.EnumerationFailed, "enumerate_modules", 0, nil)
	}
	return append([]platform.ModuleInfo(nil), f.modules...), nil
}

func (f *fakeShim) QueryRegion(addr Address) (platform.RegionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.inside(addr) {
		return platform.RegionInfo{}, fault.Errorf(fault.InvalidAddress, "query_region", uint64(addr), "not mapped")
	}
	page := int(addr-fakeBase) / fakePageSize
	return platform.RegionInfo{
		Base:       fakeBase + Address(page*fakePageSize),
		Size:       fakePageSize,
		Protection: f.prot[page],
		Kind:       platform.MappingImage,
		Path:       "/opt/host/bin/host",
	}, nil
}

func (f *fakeShim) SetProtection(r platform.RegionInfo, prot Protection) (Protection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("protect " + prot.String())
	if f.failProtect {
		return 0, fault.New(fault.ProtectionChangeFailed, "set_protection", uint64(r.Base), nil)
	}
	if uint64(r.Base)%fakePageSize != 0 || r.Size%fakePageSize != 0 || !f.inside(r.Base) || !f.inside(r.End()-1) {
		return 0, fault.New(fault.InvalidAddress, "set_protection", uint64(r.Base), nil)
	}
	first := int(r.Base-fakeBase) / fakePageSize
	prev := f.prot[first]
	for i := 0; i < int(r.Size)/fakePageSize; i++ {
		f.prot[first+i] = prot
	}
	return prev, nil
}

func (f *fakeShim) Read(addr Address, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.inside(addr) {
		return 0, fault.New(fault.InvalidAddress, "read", uint64(addr), nil)
	}
	return copy(buf, f.mem[int(addr-fakeBase):]), nil
}

func (f *fakeShim) Write(addr Address, data []byte) (int, error) {
	if f.onWrite != nil {
		f.onWrite(addr)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("write")
	if !f.engaged {
		f.outside++
	}
	if !f.inside(addr) {
		return 0, fault.New(fault.InvalidAddress, "write", uint64(addr), nil)
	}
	if f.failWrites > 0 {
		f.failWrites--
		return 0, fault.New(fault.WriteFailed, "write", uint64(addr), nil)
	}
	n := len(data)
	if f.shortWrites > 0 {
		f.shortWrites--
		n = f.shortWrite
	}
	off := int(addr - fakeBase)
	for i := 0; i < n; i++ {
		if !f.prot[(off+i)/fakePageSize].Writable() {
			return i, fault.New(fault.InvalidAddress, "write", uint64(addr), nil)
		}
		f.mem[off+i] = data[i]
	}
	return n, nil
}

type fakeToken struct {
	addr Address
	n    int
}

func (t *fakeToken) Threads() int     { return t.n }
func (t *fakeToken) Address() Address { return t.addr }

func (f *fakeShim) SuspendAllThreadsExcept(platform.ThreadID) (platform.Suspension, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("suspend")
	if f.engaged {
		return nil, fault.New(fault.AlreadySuspended, "suspend_threads", 0, nil)
	}
	if f.failSuspend {
		return nil, fault.New(fault.Unknown, "suspend_threads", 0, nil)
	}
	f.engaged = true
	return &fakeToken{n: 3}, nil
}

func (f *fakeShim) ResumeAllThreads(platform.Suspension) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("resume")
	f.engaged = false
	return nil
}

func (f *fakeShim) InstallExecBreakpoint(addr Address, _ int) (platform.Breakpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.breakpoints {
		return nil, fault.New(fault.Unsupported, "install_breakpoint", uint64(addr), nil)
	}
	f.record("breakpoint")
	if f.engaged {
		return nil, fault.New(fault.AlreadySuspended, "install_breakpoint", uint64(addr), nil)
	}
	f.engaged = true
	return &fakeToken{addr: addr, n: 3}, nil
}

func (f *fakeShim) RemoveExecBreakpoint(platform.Breakpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unbreakpoint")
	f.engaged = false
	return nil
}
