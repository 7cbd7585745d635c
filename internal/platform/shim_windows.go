package platform

import (
	"errors"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/windows"
	"k8s.io/klog/v2"

	"github.com/fengyoulin/livepatch/fault"
)

var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procSuspendThread         = modkernel32.NewProc("SuspendThread")
	procFlushInstructionCache = modkernel32.NewProc("FlushInstructionCache")
)

// Memory types reported by VirtualQuery.
const (
	memPrivate = 0x20000
	memMapped  = 0x40000
	memImage   = 0x1000000
)

const threadAccess = windows.THREAD_SUSPEND_RESUME | windows.THREAD_GET_CONTEXT |
	windows.THREAD_SET_CONTEXT | windows.THREAD_QUERY_INFORMATION | windows.SYNCHRONIZE

// maxThreads bounds the preallocated thread tables; threads beyond it are
// still suspended but the tables grow.
const maxThreads = 512

type windowsShim struct {
	cfg      Config
	pid      uint32
	process  windows.Handle
	pageSize uint64

	engaged atomic.Bool
	ctx     threadContext
	veh     *vehStub
}

// New returns the shim for the running process.
func New(cfg Config) (Shim, error) {
	for _, p := range []*windows.LazyProc{procSuspendThread, procFlushInstructionCache} {
		if err := p.Find(); err != nil {
			return nil, fault.New(fault.ProcessUnavailable, "new", 0, err)
		}
	}
	if err := findContextProcs(); err != nil {
		return nil, fault.New(fault.ProcessUnavailable, "new", 0, err)
	}
	return &windowsShim{
		cfg:      cfg,
		pid:      windows.GetCurrentProcessId(),
		process:  windows.CurrentProcess(),
		pageSize: uint64(os.Getpagesize()),
	}, nil
}

func (s *windowsShim) Self() (ProcessInfo, error) {
	exe, err := os.Executable()
	if err != nil {
		return ProcessInfo{}, fault.New(fault.ProcessUnavailable, "self", 0, err)
	}
	width := int(unsafe.Sizeof(uintptr(0)))
	var wow64 bool
	if err := windows.IsWow64Process(s.process, &wow64); err == nil && wow64 {
		width = 4
	}
	return ProcessInfo{PID: int(s.pid), PointerWidth: width, Executable: exe}, nil
}

func (s *windowsShim) PageSize() uint64 { return s.pageSize }

func (s *windowsShim) CurrentThread() ThreadID { return ThreadID(windows.GetCurrentThreadId()) }

func (s *windowsShim) snapshot(op string, flags uint32) (windows.Handle, error) {
	for {
		h, err := windows.CreateToolhelp32Snapshot(flags, s.pid)
		if errors.Is(err, windows.ERROR_BAD_LENGTH) {
			// The module list changed while the snapshot was taken.
			continue
		}
		if err != nil {
			return 0, classify(op, 0, fault.EnumerationFailed, err)
		}
		return h, nil
	}
}

func (s *windowsShim) EnumerateModules() ([]ModuleInfo, error) {
	const op = "enumerate_modules"
	snap, err := s.snapshot(op, windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snap)

	var mods []ModuleInfo
	entry := windows.ModuleEntry32{Size: uint32(unsafe.Sizeof(windows.ModuleEntry32{}))}
	for err = windows.Module32First(snap, &entry); err == nil; err = windows.Module32Next(snap, &entry) {
		mods = append(mods, ModuleInfo{
			Name: windows.UTF16ToString(entry.Module[:]),
			Path: windows.UTF16ToString(entry.ExePath[:]),
			Base: Address(entry.ModBaseAddr),
			Size: uint64(entry.ModBaseSize),
		})
	}
	if !errors.Is(err, windows.ERROR_NO_MORE_FILES) {
		return nil, classify(op, 0, fault.EnumerationFailed, err)
	}
	return mods, nil
}

func (s *windowsShim) QueryRegion(addr Address) (RegionInfo, error) {
	const op = "query_region"
	p, err := pointer(op, addr, 0)
	if err != nil {
		return RegionInfo{}, err
	}
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQuery(p, &mbi, unsafe.Sizeof(mbi)); err != nil {
		if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			return RegionInfo{}, fault.New(fault.InvalidAddress, op, uint64(addr), err)
		}
		return RegionInfo{}, classify(op, addr, fault.InvalidAddress, err)
	}
	if mbi.State != windows.MEM_COMMIT {
		return RegionInfo{}, fault.Errorf(fault.InvalidAddress, op, uint64(addr), "not committed")
	}
	r := RegionInfo{
		Base:       Address(mbi.BaseAddress),
		Size:       uint64(mbi.RegionSize),
		Protection: fromPageProtect(mbi.Protect),
	}
	switch mbi.Type {
	case memImage:
		r.Kind = MappingImage
	case memMapped:
		r.Kind = MappingFile
	case memPrivate:
		r.Kind = MappingPrivate
	}
	return r, nil
}

func fromPageProtect(v uint32) Protection {
	switch v & 0xff {
	case windows.PAGE_READONLY:
		return ProtR
	case windows.PAGE_READWRITE, windows.PAGE_WRITECOPY:
		return ProtRW
	case windows.PAGE_EXECUTE:
		return ProtX
	case windows.PAGE_EXECUTE_READ:
		return ProtRX
	case windows.PAGE_EXECUTE_READWRITE, windows.PAGE_EXECUTE_WRITECOPY:
		return ProtRWX
	}
	return ProtNone
}

func toPageProtect(p Protection) uint32 {
	switch {
	case p.Executable() && p.Writable():
		return windows.PAGE_EXECUTE_READWRITE
	case p.Executable() && p.Readable():
		return windows.PAGE_EXECUTE_READ
	case p.Executable():
		return windows.PAGE_EXECUTE
	case p.Writable():
		return windows.PAGE_READWRITE
	case p.Readable():
		return windows.PAGE_READONLY
	}
	return windows.PAGE_NOACCESS
}

func (s *windowsShim) SetProtection(region RegionInfo, prot Protection) (Protection, error) {
	const op = "set_protection"
	p, err := pointer(op, region.Base, int(region.Size))
	if err != nil {
		return 0, err
	}
	var old uint32
	if err := windows.VirtualProtect(p, uintptr(region.Size), toPageProtect(prot), &old); err != nil {
		return 0, classify(op, region.Base, fault.ProtectionChangeFailed, err)
	}
	return fromPageProtect(old), nil
}

func (s *windowsShim) Read(addr Address, buf []byte) (int, error) {
	const op = "read"
	if len(buf) == 0 {
		return 0, nil
	}
	p, err := pointer(op, addr, len(buf))
	if err != nil {
		return 0, err
	}
	var n uintptr
	err = windows.ReadProcessMemory(s.process, p, &buf[0], uintptr(len(buf)), &n)
	if err != nil && n == 0 {
		return 0, classify(op, addr, fault.ReadFailed, err)
	}
	return int(n), nil
}

func (s *windowsShim) Write(addr Address, data []byte) (int, error) {
	const op = "write"
	if len(data) == 0 {
		return 0, nil
	}
	p, err := pointer(op, addr, len(data))
	if err != nil {
		return 0, err
	}
	var n uintptr
	err = windows.WriteProcessMemory(s.process, p, &data[0], uintptr(len(data)), &n)
	if n > 0 {
		procFlushInstructionCache.Call(uintptr(s.process), p, n)
	}
	if err != nil && n == 0 {
		return 0, classify(op, addr, fault.WriteFailed, err)
	}
	return int(n), nil
}

type windowsSuspension struct {
	threads []windows.Handle
	ids     []uint32
	held    []windows.Handle
	trap    Address
}

func (t *windowsSuspension) Threads() int     { return len(t.threads) + len(t.held) }
func (t *windowsSuspension) Address() Address { return t.trap }

func (t *windowsSuspension) seen(id uint32) bool {
	for _, v := range t.ids {
		if v == id {
			return true
		}
	}
	return false
}

func newSuspension(trap Address) *windowsSuspension {
	return &windowsSuspension{
		threads: make([]windows.Handle, 0, maxThreads),
		ids:     make([]uint32, 0, maxThreads),
		held:    make([]windows.Handle, 0, 8),
		trap:    trap,
	}
}

var suspendThread = func(h windows.Handle) error {
	r, _, err := procSuspendThread.Call(uintptr(h))
	if r == 0xffffffff {
		return err
	}
	return nil
}

// exited reports whether the thread behind h has terminated.
func exited(h windows.Handle) bool {
	ev, err := windows.WaitForSingleObject(h, 0)
	return err == nil && ev == windows.WAIT_OBJECT_0
}

// stopThread suspends h. A thread that exited first is not an error and
// reports false; any other failure would leave a thread running.
func stopThread(h windows.Handle) (bool, error) {
	if err := suspendThread(h); err != nil {
		if exited(h) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// eachThread calls fn with an open handle for every thread of the process
// except current that t has not seen yet. It reports how many it visited.
// fn owns the handle when it returns nil; on error eachThread closes it.
func (s *windowsShim) eachThread(op string, t *windowsSuspension, current ThreadID, fn func(h windows.Handle) error) (int, error) {
	snap, err := s.snapshot(op, windows.TH32CS_SNAPTHREAD)
	if err != nil {
		return 0, err
	}
	defer windows.CloseHandle(snap)
	visited := 0
	entry := windows.ThreadEntry32{Size: uint32(unsafe.Sizeof(windows.ThreadEntry32{}))}
	for err = windows.Thread32First(snap, &entry); err == nil; err = windows.Thread32Next(snap, &entry) {
		if entry.OwnerProcessID != s.pid || ThreadID(entry.ThreadID) == current || t.seen(entry.ThreadID) {
			continue
		}
		t.ids = append(t.ids, entry.ThreadID)
		h, oerr := windows.OpenThread(threadAccess, false, entry.ThreadID)
		if errors.Is(oerr, windows.ERROR_INVALID_PARAMETER) {
			// Exited between the snapshot and now.
			continue
		}
		if oerr != nil {
			return visited, oerr
		}
		if ferr := fn(h); ferr != nil {
			windows.CloseHandle(h)
			return visited, ferr
		}
		visited++
	}
	if !errors.Is(err, windows.ERROR_NO_MORE_FILES) {
		return visited, classify(op, 0, fault.EnumerationFailed, err)
	}
	return visited, nil
}

func (s *windowsShim) SuspendAllThreadsExcept(current ThreadID) (Suspension, error) {
	const op = "suspend_threads"
	if !s.engaged.CompareAndSwap(false, true) {
		return nil, fault.New(fault.AlreadySuspended, op, 0, nil)
	}
	t := newSuspension(0)
	suspend := func(h windows.Handle) error {
		ok, err := stopThread(h)
		if err != nil {
			return err
		}
		if !ok {
			windows.CloseHandle(h)
			return nil
		}
		// SuspendThread is asynchronous; reading the context waits for the
		// thread to actually stop.
		syncThread(&s.ctx, h)
		t.threads = append(t.threads, h)
		return nil
	}
	// Repeat until a full pass finds no new thread.
	for {
		n, err := s.eachThread(op, t, current, suspend)
		if err != nil {
			s.resumeAll(t)
			return nil, fault.New(fault.BarrierUnavailable, op, 0, err)
		}
		if n == 0 {
			break
		}
	}
	klog.V(4).InfoS("Suspended threads", "count", len(t.threads))
	return t, nil
}

func (s *windowsShim) resumeAll(t *windowsSuspension) {
	for _, h := range t.threads {
		windows.ResumeThread(h)
		windows.CloseHandle(h)
	}
	t.threads = t.threads[:0]
	s.engaged.Store(false)
}

func (s *windowsShim) ResumeAllThreads(susp Suspension) error {
	t, ok := susp.(*windowsSuspension)
	if !ok || t.trap != 0 {
		return fault.Errorf(fault.InvalidState, "resume_threads", 0, "foreign suspension %T", susp)
	}
	s.resumeAll(t)
	return nil
}
