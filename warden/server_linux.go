package warden

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

const pollInterval = 100 * time.Microsecond

// Init turns the process into the helper when it was started as one. In that
// case it serves the command pipe and exits; otherwise it returns false.
func Init() bool {
	if os.Getenv(EnvKey) != "1" {
		return false
	}
	cmds := os.NewFile(commandFD, "commands")
	replies := os.NewFile(replyFD, "replies")
	if cmds == nil || replies == nil {
		fmt.Fprintln(os.Stderr, "warden: missing command pipes")
		os.Exit(2)
	}
	os.Exit(Run(cmds, replies))
	return true
}

// Run serves requests from cmds until it is closed. Every ptrace call is made
// from the goroutine that called Run, locked to its thread.
func Run(cmds io.Reader, replies io.Writer) int {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(cmds)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for line := range lines {
		req, err := parseRequest(line)
		if err != nil {
			reply(replies, "err %d %v", uint64(unix.EINVAL), err)
			continue
		}
		s := &session{request: req, tracees: make(map[int]*tracee)}
		n, err := s.engage()
		if err != nil {
			s.release()
			var errno unix.Errno
			if !errors.As(err, &errno) {
				errno = unix.EIO
			}
			reply(replies, "err %d %v", uint64(errno), err)
			continue
		}
		reply(replies, "ok %d", n)

		var ok bool
		if req.mode == ModeTrap {
			ok = s.monitor(lines)
		} else {
			_, ok = <-lines
		}
		s.release()
		if !ok {
			return 0
		}
		reply(replies, "done")
	}
	return 0
}

func reply(w io.Writer, format string, args ...interface{}) {
	if _, err := fmt.Fprintf(w, format+"\n", args...); err != nil {
		klog.ErrorS(err, "Failed to reply")
	}
}

type tracee struct {
	tid     int
	stopped bool
	armed   bool
	held    bool
	sig     syscall.Signal
}

type session struct {
	request
	tracees map[int]*tracee
}

func (s *session) engage() (int, error) {
	if s.mode == ModeTrap && !haveDebugRegisters {
		return 0, fmt.Errorf("hardware breakpoints: %w", unix.ENOTSUP)
	}
	if err := s.seizeAll(); err != nil {
		return 0, err
	}
	if s.mode == ModeFreeze {
		return len(s.tracees), nil
	}
	for _, t := range s.tracees {
		if err := s.arm(t); err != nil {
			return 0, err
		}
	}
	return len(s.tracees), nil
}

// seizeAll attaches to every thread, repeating until no new thread shows up.
func (s *session) seizeAll() error {
	for {
		threads, err := procfs.AllThreads(s.pid)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return unix.ESRCH
			}
			return err
		}
		added := 0
		for _, th := range threads {
			if th.PID == s.exclude || s.tracees[th.PID] != nil {
				continue
			}
			if err := s.seize(th.PID); err != nil {
				if errors.Is(err, unix.ESRCH) {
					continue
				}
				return fmt.Errorf("seize %d: %w", th.PID, err)
			}
			added++
		}
		if added == 0 {
			return nil
		}
	}
}

func (s *session) seize(tid int) error {
	if err := unix.PtraceSeize(tid); err != nil {
		return err
	}
	t := &tracee{tid: tid}
	s.tracees[tid] = t
	if err := unix.PtraceInterrupt(tid); err != nil {
		return err
	}
	if err := s.waitFor(t); err != nil {
		return err
	}
	if s.mode == ModeTrap {
		if err := unix.PtraceSetOptions(tid, unix.PTRACE_O_TRACECLONE); err != nil {
			klog.V(4).InfoS("Failed to trace clones", "tid", tid, "err", err)
		}
	}
	return nil
}

// waitFor blocks until t stops or exits.
func (s *session) waitFor(t *tracee) error {
	for {
		var ws unix.WaitStatus
		_, err := unix.Wait4(t.tid, &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if s.observe(t, ws) {
			return nil
		}
	}
}

// observe records a wait status. It reports whether t stopped or went away.
func (s *session) observe(t *tracee, ws unix.WaitStatus) bool {
	switch {
	case ws.Exited() || ws.Signaled():
		delete(s.tracees, t.tid)
		return true
	case !ws.Stopped():
		return false
	}
	t.stopped = true
	sig := ws.StopSignal()
	switch event := int(uint32(ws) >> 16); event {
	case unix.PTRACE_EVENT_CLONE:
		if msg, err := unix.PtraceGetEventMsg(t.tid); err == nil && s.tracees[int(msg)] == nil {
			s.tracees[int(msg)] = &tracee{tid: int(msg)}
		}
	case unix.PTRACE_EVENT_STOP:
	case 0:
		if !s.isTrap(t, sig) {
			t.sig = sig
		}
	}
	return true
}

// isTrap reports whether a SIGTRAP was raised by the armed breakpoint.
func (s *session) isTrap(t *tracee, sig syscall.Signal) bool {
	if !t.armed || sig != unix.SIGTRAP {
		return false
	}
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.tid, &regs); err != nil {
		return false
	}
	return uint64(regs.PC()) == s.addr
}

// arm programs the breakpoint into a stopped thread and lets it run, unless
// the thread is executing inside the patched range.
func (s *session) arm(t *tracee) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.tid, &regs); err != nil {
		return fmt.Errorf("registers of %d: %w", t.tid, err)
	}
	if pc := uint64(regs.PC()); pc >= s.addr && pc < s.addr+uint64(s.length) {
		t.held = true
		return nil
	}
	if err := setDebugRegisters(t.tid, s.addr); err != nil {
		return fmt.Errorf("debug registers of %d: %w", t.tid, err)
	}
	t.armed = true
	return s.resume(t)
}

func (s *session) resume(t *tracee) error {
	sig := t.sig
	t.sig = 0
	if err := unix.PtraceCont(t.tid, int(sig)); err != nil {
		return err
	}
	t.stopped = false
	return nil
}

// monitor services breakpoint hits until release is requested. It returns
// false when the command stream closed.
func (s *session) monitor(lines <-chan string) bool {
	for {
		select {
		case _, ok := <-lines:
			return ok
		default:
		}
		var ws unix.WaitStatus
		tid, err := unix.Wait4(-1, &ws, unix.WALL|unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil || tid == 0 {
			time.Sleep(pollInterval)
			continue
		}
		t := s.tracees[tid]
		if t == nil {
			t = &tracee{tid: tid}
			s.tracees[tid] = t
		}
		if !s.observe(t, ws) || s.tracees[tid] == nil {
			continue
		}
		switch {
		case !t.armed && !t.held:
			if err := s.arm(t); err != nil {
				klog.ErrorS(err, "Failed to arm new thread", "tid", tid)
			}
		case t.armed && s.isTrap(t, ws.StopSignal()):
			t.held = true
			klog.V(4).InfoS("Holding thread at breakpoint", "tid", tid)
		default:
			if err := s.resume(t); err != nil {
				klog.V(4).InfoS("Failed to resume thread", "tid", tid, "err", err)
			}
		}
	}
}

// release stops whatever still runs, disarms and detaches everything.
func (s *session) release() {
	for _, t := range s.tracees {
		if !t.stopped {
			if err := unix.PtraceInterrupt(t.tid); err != nil {
				t.stopped = true
			}
		}
	}
	for s.running() > 0 {
		var ws unix.WaitStatus
		tid, err := unix.Wait4(-1, &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			break
		}
		t := s.tracees[tid]
		if t == nil {
			t = &tracee{tid: tid}
			s.tracees[tid] = t
		}
		s.observe(t, ws)
	}
	for tid, t := range s.tracees {
		if t.armed {
			if err := clearDebugRegisters(tid); err != nil {
				klog.ErrorS(err, "Failed to clear debug registers", "tid", tid)
			}
		}
		if err := detach(tid, t.sig); err != nil && err != unix.ESRCH {
			klog.ErrorS(err, "Failed to detach", "tid", tid)
		}
	}
	s.tracees = make(map[int]*tracee)
}

func (s *session) running() int {
	n := 0
	for _, t := range s.tracees {
		if !t.stopped {
			n++
		}
	}
	return n
}

// detach lets the thread go, delivering a signal it was stopped with.
func detach(tid int, sig syscall.Signal) error {
	_, _, e := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(tid), 0, uintptr(sig), 0, 0)
	if e != 0 {
		return e
	}
	return nil
}
