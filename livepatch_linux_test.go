package livepatch

import (
	"errors"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"github.com/fengyoulin/livepatch/fault"
)

func realEngine(t *testing.T, mode BarrierMode) *Engine {
	t.Helper()
	opts := DefaultOptions()
	opts.Barrier = mode
	e, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// skipUnavailable skips when the environment forbids stopping threads or
// making code writable, as in restricted containers.
func skipUnavailable(t *testing.T, err error) {
	t.Helper()
	if errors.Is(err, fault.ErrBarrierUnavailable) || errors.Is(err, fault.ErrProtectionChangeFailed) {
		t.Skipf("environment does not allow patching: %v", err)
	}
}

// codePage maps one r-x page filled with NOPs.
func codePage(t *testing.T) ([]byte, Address) {
	t.Helper()
	size := os.Getpagesize()
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		t.Fatal(err)
	}
	for i := range mem {
		mem[i] = 0x90
	}
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { unix.Munmap(mem) })
	return mem, Address(uintptr(unsafe.Pointer(&mem[0])))
}

func TestPatchMappedPage(t *testing.T) {
	for _, mode := range []BarrierMode{BarrierSuspend, BarrierAuto} {
		t.Run(string(mode), func(t *testing.T) {
			e := realEngine(t, mode)
			mem, addr := codePage(t)

			p, err := e.Create(addr, 5, jmp5)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(nops5, p.Original()); diff != "" {
				t.Errorf("original mismatch (-want +got):\n%s", diff)
			}
			err = p.Apply()
			skipUnavailable(t, err)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(jmp5, mem[:5]); diff != "" {
				t.Errorf("applied bytes mismatch (-want +got):\n%s", diff)
			}
			r, err := e.Process().Resolve(addr)
			if err != nil {
				t.Fatal(err)
			}
			if r.Protection != ProtRX {
				t.Errorf("protection after apply = %v, want r-x", r.Protection)
			}

			if err := p.Restore(); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(nops5, mem[:5]); diff != "" {
				t.Errorf("restored bytes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolveUnmapped(t *testing.T) {
	e := realEngine(t, BarrierAuto)
	if _, err := e.Process().Resolve(0x1000); !errors.Is(err, fault.ErrInvalidAddress) {
		t.Errorf("err = %v, want InvalidAddress", err)
	}
	if _, err := e.Create(0x1000, 5, jmp5); !errors.Is(err, fault.ErrReadFailed) {
		t.Errorf("err = %v, want ReadFailed", err)
	}
}

func TestDiscoverSelf(t *testing.T) {
	p, err := Discover()
	if err != nil {
		t.Fatal(err)
	}
	if p.PID() != os.Getpid() {
		t.Errorf("pid = %d, want %d", p.PID(), os.Getpid())
	}
	if want := int(unsafe.Sizeof(uintptr(0))); p.PointerWidth() != want {
		t.Errorf("pointer width = %d, want %d", p.PointerWidth(), want)
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.ModuleContaining(Address(uintptr(unsafe.Pointer(&exe)))); ok {
		t.Error("stack address reported inside a module")
	}
	found := false
	for _, m := range p.Modules() {
		if m.Path() == p.Executable() {
			found = true
		}
	}
	if !found {
		t.Errorf("executable %s not among modules", p.Executable())
	}
}

// TestBarrierHidesTornWrites checks that a thread reading the range as data
// never sees a mix of old and new bytes. Only suspension stops data readers;
// the breakpoint barrier covers execution and is exercised by
// TestBarrierHidesTornCode.
func TestBarrierHidesTornWrites(t *testing.T) {
	e := realEngine(t, BarrierSuspend)
	mem, addr := codePage(t)
	word := (*uint64)(unsafe.Pointer(&mem[0]))

	const mask = 1<<40 - 1
	var (
		stop    atomic.Bool
		torn    atomic.Int64
		wg      sync.WaitGroup
		readers = runtime.GOMAXPROCS(0)
	)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				switch atomic.LoadUint64(word) & mask {
				case 0x9090909090, 0x00000000e9:
				default:
					torn.Add(1)
				}
			}
		}()
	}
	defer func() {
		stop.Store(true)
		wg.Wait()
	}()

	for i := 0; i < 10; i++ {
		p, err := e.Create(addr, 5, jmp5)
		if err != nil {
			t.Fatal(err)
		}
		err = p.Apply()
		skipUnavailable(t, err)
		if err != nil {
			t.Fatal(err)
		}
		if err := p.Restore(); err != nil {
			t.Fatal(err)
		}
	}
	stop.Store(true)
	wg.Wait()
	if n := torn.Load(); n != 0 {
		t.Errorf("readers saw %d torn values", n)
	}
}
