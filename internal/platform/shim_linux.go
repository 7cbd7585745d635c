package platform

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/fengyoulin/livepatch/fault"
	"github.com/fengyoulin/livepatch/warden"
)

type linuxShim struct {
	cfg      Config
	pid      int
	pageSize uint64

	// engaged guards the single warden session.
	engaged atomic.Bool
}

// New returns the shim for the running process.
func New(cfg Config) (Shim, error) {
	return &linuxShim{
		cfg:      cfg,
		pid:      os.Getpid(),
		pageSize: uint64(unix.Getpagesize()),
	}, nil
}

func (s *linuxShim) Self() (ProcessInfo, error) {
	exe, err := os.Executable()
	if err != nil {
		return ProcessInfo{}, fault.New(fault.ProcessUnavailable, "self", 0, err)
	}
	width := int(unsafe.Sizeof(uintptr(0)))
	if f, err := elf.Open("/proc/self/exe"); err == nil {
		if f.Class == elf.ELFCLASS32 {
			width = 4
		} else {
			width = 8
		}
		f.Close()
	} else {
		klog.V(2).InfoS("Falling back to native pointer width", "err", err)
	}
	return ProcessInfo{PID: s.pid, PointerWidth: width, Executable: exe}, nil
}

func (s *linuxShim) PageSize() uint64 { return s.pageSize }

func (s *linuxShim) CurrentThread() ThreadID { return ThreadID(unix.Gettid()) }

func (s *linuxShim) maps(op string) ([]*procfs.ProcMap, error) {
	p, err := procfs.NewProc(s.pid)
	if err != nil {
		return nil, fault.New(fault.ProcessUnavailable, op, 0, err)
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return nil, fault.New(fault.EnumerationFailed, op, 0, err)
	}
	return maps, nil
}

// EnumerateModules groups the file backed mappings by path. Files that have
// no executable mapping are data, not images, and are skipped.
func (s *linuxShim) EnumerateModules() ([]ModuleInfo, error) {
	maps, err := s.maps("enumerate_modules")
	if err != nil {
		return nil, err
	}
	type span struct {
		start, end uintptr
		exec       bool
	}
	spans := make(map[string]*span)
	var order []string
	for _, m := range maps {
		path := m.Pathname
		if !isImagePath(path) {
			continue
		}
		sp, ok := spans[path]
		if !ok {
			sp = &span{start: m.StartAddr, end: m.EndAddr}
			spans[path] = sp
			order = append(order, path)
		}
		if m.StartAddr < sp.start {
			sp.start = m.StartAddr
		}
		if m.EndAddr > sp.end {
			sp.end = m.EndAddr
		}
		sp.exec = sp.exec || m.Perms.Execute
	}
	mods := make([]ModuleInfo, 0, len(order))
	for _, path := range order {
		sp := spans[path]
		if !sp.exec {
			continue
		}
		mods = append(mods, ModuleInfo{
			Name: filepath.Base(strings.TrimSuffix(path, " (deleted)")),
			Path: path,
			Base: Address(sp.start),
			Size: uint64(sp.end - sp.start),
		})
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i].Base < mods[j].Base })
	return mods, nil
}

func isImagePath(path string) bool {
	return strings.HasPrefix(path, "/") || path == "[vdso]"
}

func (s *linuxShim) QueryRegion(addr Address) (RegionInfo, error) {
	maps, err := s.maps("query_region")
	if err != nil {
		return RegionInfo{}, err
	}
	for _, m := range maps {
		if addr < Address(m.StartAddr) || addr >= Address(m.EndAddr) {
			continue
		}
		r := RegionInfo{
			Base: Address(m.StartAddr),
			Size: uint64(m.EndAddr - m.StartAddr),
			Path: m.Pathname,
		}
		if m.Perms.Read {
			r.Protection |= ProtR
		}
		if m.Perms.Write {
			r.Protection |= ProtW
		}
		if m.Perms.Execute {
			r.Protection |= ProtX
		}
		switch {
		case m.Perms.Shared:
			r.Kind = MappingShared
		case strings.HasPrefix(m.Pathname, "/"):
			r.Kind = MappingFile
		default:
			r.Kind = MappingPrivate
		}
		return r, nil
	}
	return RegionInfo{}, fault.Errorf(fault.InvalidAddress, "query_region", uint64(addr), "not mapped")
}

func (s *linuxShim) SetProtection(region RegionInfo, prot Protection) (Protection, error) {
	const op = "set_protection"
	if uint64(region.Base)%s.pageSize != 0 || region.Size%s.pageSize != 0 || region.Size == 0 {
		return 0, fault.Errorf(fault.InvalidAddress, op, uint64(region.Base), "span of %d bytes is not page aligned", region.Size)
	}
	p, err := pointer(op, region.Base, int(region.Size))
	if err != nil {
		return 0, err
	}
	if err := unix.Mprotect(makeSlice(p, uintptr(region.Size)), unixProt(prot)); err != nil {
		return 0, classify(op, region.Base, fault.ProtectionChangeFailed, err)
	}
	return region.Protection, nil
}

func unixProt(p Protection) int {
	v := unix.PROT_NONE
	if p.Readable() {
		v |= unix.PROT_READ
	}
	if p.Writable() {
		v |= unix.PROT_WRITE
	}
	if p.Executable() {
		v |= unix.PROT_EXEC
	}
	return v
}

// Read copies target memory through process_vm_readv on our own pid, which
// reports EFAULT instead of raising SIGSEGV.
func (s *linuxShim) Read(addr Address, buf []byte) (int, error) {
	return s.transfer("read", unix.SYS_PROCESS_VM_READV, addr, buf, fault.ReadFailed)
}

func (s *linuxShim) Write(addr Address, data []byte) (int, error) {
	return s.transfer("write", unix.SYS_PROCESS_VM_WRITEV, addr, data, fault.WriteFailed)
}

// transfer issues the raw syscall: it runs inside the barrier and must not
// enter the scheduler or allocate on success. The vectors live on the
// caller's stack and no lock is taken, so a thread frozen in the middle of a
// transfer never holds anything the barrier holder needs.
func (s *linuxShim) transfer(op string, trap uintptr, addr Address, b []byte, def fault.Kind) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	p, err := pointer(op, addr, len(b))
	if err != nil {
		return 0, err
	}
	var local [1]unix.Iovec
	local[0].Base = &b[0]
	local[0].SetLen(len(b))
	remote := [1]unix.RemoteIovec{{Base: p, Len: len(b)}}
	n, _, e := unix.RawSyscall6(trap, uintptr(s.pid),
		uintptr(unsafe.Pointer(&local[0])), 1,
		uintptr(unsafe.Pointer(&remote[0])), 1, 0)
	runtime.KeepAlive(b)
	if e != 0 {
		return 0, classify(op, addr, def, e)
	}
	return int(n), nil
}

type linuxSuspension struct {
	session *warden.Session
	trap    Address
}

func (t *linuxSuspension) Threads() int     { return t.session.Threads() }
func (t *linuxSuspension) Address() Address { return t.trap }

// start launches a warden for one barrier window.
func (s *linuxShim) start(op string, addr Address) (*warden.Session, error) {
	if !s.engaged.CompareAndSwap(false, true) {
		return nil, fault.New(fault.AlreadySuspended, op, uint64(addr), nil)
	}
	path := s.cfg.WardenPath
	sess, err := warden.Start(path, s.cfg.WardenArgs)
	if err != nil {
		s.engaged.Store(false)
		return nil, fault.New(fault.BarrierUnavailable, op, uint64(addr), err)
	}
	return sess, nil
}

func (s *linuxShim) abort(sess *warden.Session, op string, addr Address, err error) error {
	if cerr := sess.Close(); cerr != nil {
		klog.V(4).InfoS("Warden exited", "err", cerr)
	}
	s.engaged.Store(false)
	return fault.New(fault.BarrierUnavailable, op, uint64(addr), err)
}

func (s *linuxShim) SuspendAllThreadsExcept(current ThreadID) (Suspension, error) {
	const op = "suspend_threads"
	sess, err := s.start(op, 0)
	if err != nil {
		return nil, err
	}
	if _, err := sess.Freeze(s.pid, int(current)); err != nil {
		return nil, s.abort(sess, op, 0, err)
	}
	return &linuxSuspension{session: sess}, nil
}

func (s *linuxShim) ResumeAllThreads(susp Suspension) error {
	t, ok := susp.(*linuxSuspension)
	if !ok || t.trap != 0 {
		return fault.Errorf(fault.InvalidState, "resume_threads", 0, "foreign suspension %T", susp)
	}
	return s.finish(t.session, "resume_threads", 0)
}

// finish releases the threads before anything that may allocate.
func (s *linuxShim) finish(sess *warden.Session, op string, addr Address) error {
	rerr := sess.Release()
	cerr := sess.Close()
	s.engaged.Store(false)
	if rerr != nil {
		return fault.New(fault.BarrierUnavailable, op, uint64(addr), rerr)
	}
	if cerr != nil {
		klog.V(4).InfoS("Warden exited", "err", cerr)
	}
	return nil
}

func (s *linuxShim) InstallExecBreakpoint(addr Address, length int) (Breakpoint, error) {
	const op = "install_breakpoint"
	if length <= 0 {
		return nil, fault.Errorf(fault.InvalidAddress, op, uint64(addr), "empty range")
	}
	sess, err := s.start(op, addr)
	if err != nil {
		return nil, err
	}
	if _, err := sess.Trap(s.pid, unix.Gettid(), uint64(addr), length); err != nil {
		return nil, s.abort(sess, op, addr, err)
	}
	return &linuxSuspension{session: sess, trap: addr}, nil
}

func (s *linuxShim) RemoveExecBreakpoint(bp Breakpoint) error {
	t, ok := bp.(*linuxSuspension)
	if !ok || t.trap == 0 {
		return fault.Errorf(fault.InvalidState, "remove_breakpoint", 0, "foreign breakpoint %T", bp)
	}
	return s.finish(t.session, "remove_breakpoint", t.trap)
}

func (s *linuxShim) String() string { return fmt.Sprintf("linux(pid=%d)", s.pid) }
