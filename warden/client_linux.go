package warden

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"unsafe"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

var (
	releaseLine = []byte("release\n")
	doneLine    = []byte("done")
)

// Unwrap exposes the errno so callers can classify it.
func (e *RemoteError) Unwrap() error { return unix.Errno(e.Errno) }

// Session is a running helper process owned by the patching process.
type Session struct {
	cmd     *exec.Cmd
	w, r    int
	buf     [256]byte
	threads int
	engaged bool
}

// Start launches the helper. An empty path means the running executable.
func Start(path string, args []string) (*Session, error) {
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("warden: locate executable: %w", err)
		}
		path = exe
	}
	// Raw pipes: os.Pipe registers descriptors with the poller, and the
	// parent ends are used while the rest of the runtime is stopped.
	var cmdPipe, replyPipe [2]int
	if err := unix.Pipe2(cmdPipe[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("warden: pipe: %w", err)
	}
	if err := unix.Pipe2(replyPipe[:], unix.O_CLOEXEC); err != nil {
		unix.Close(cmdPipe[0])
		unix.Close(cmdPipe[1])
		return nil, fmt.Errorf("warden: pipe: %w", err)
	}
	cmdR := os.NewFile(uintptr(cmdPipe[0]), "warden-commands")
	replyW := os.NewFile(uintptr(replyPipe[1]), "warden-replies")

	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), EnvKey+"=1")
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{cmdR, replyW}
	err := cmd.Start()
	cmdR.Close()
	replyW.Close()
	if err != nil {
		unix.Close(cmdPipe[1])
		unix.Close(replyPipe[0])
		return nil, fmt.Errorf("warden: start %s: %w", path, err)
	}
	// Yama restricts ptrace to ancestors unless the tracee opts in.
	if err := unix.Prctl(unix.PR_SET_PTRACER, uintptr(cmd.Process.Pid), 0, 0, 0); err != nil {
		klog.V(4).InfoS("PR_SET_PTRACER failed", "pid", cmd.Process.Pid, "err", err)
	}
	klog.V(4).InfoS("Started warden", "path", path, "pid", cmd.Process.Pid)
	return &Session{cmd: cmd, w: cmdPipe[1], r: replyPipe[0]}, nil
}

// Freeze stops every thread of pid except exclude and returns the number of
// threads held.
func (s *Session) Freeze(pid, exclude int) (int, error) {
	return s.engage(request{mode: ModeFreeze, pid: pid, exclude: exclude})
}

// Trap arms an execution breakpoint at addr on every thread of pid except
// exclude. Threads already executing inside [addr, addr+length) are held.
func (s *Session) Trap(pid, exclude int, addr uint64, length int) (int, error) {
	return s.engage(request{mode: ModeTrap, pid: pid, exclude: exclude, addr: addr, length: length})
}

func (s *Session) engage(req request) (int, error) {
	if s.engaged {
		return 0, fmt.Errorf("%w: already engaged", ErrProtocol)
	}
	if err := s.writeAll([]byte(req.String())); err != nil {
		return 0, err
	}
	line, err := s.readLine()
	if err != nil {
		return 0, err
	}
	n, err := parseReply(string(line))
	if err != nil {
		return 0, err
	}
	s.engaged, s.threads = true, n
	return n, nil
}

// Threads reports how many threads the helper holds.
func (s *Session) Threads() int { return s.threads }

// Release lets every held thread go. It does not allocate, so it is safe to
// call while the rest of the process is stopped.
func (s *Session) Release() error {
	if !s.engaged {
		return nil
	}
	if err := s.writeAll(releaseLine); err != nil {
		return err
	}
	line, err := s.readLine()
	if err != nil {
		return err
	}
	if !bytes.Equal(line, doneLine) {
		return ErrProtocol
	}
	s.engaged = false
	return nil
}

// Close ends the helper and waits for it. Threads still held are detached by
// the kernel when the helper exits.
func (s *Session) Close() error {
	unix.Close(s.w)
	unix.Close(s.r)
	err := s.cmd.Wait()
	if err != nil {
		return fmt.Errorf("warden: %w", err)
	}
	return nil
}

func (s *Session) writeAll(b []byte) error {
	for len(b) > 0 {
		n, err := rawWrite(s.w, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func (s *Session) readLine() ([]byte, error) {
	n := 0
	for {
		if n == len(s.buf) {
			return nil, ErrProtocol
		}
		m, err := rawRead(s.r, s.buf[n:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		if m == 0 {
			return nil, io.ErrUnexpectedEOF
		}
		n += m
		if i := bytes.IndexByte(s.buf[:n], '\n'); i >= 0 {
			return s.buf[:i], nil
		}
	}
}

// rawRead and rawWrite bypass the scheduler hooks of unix.Read and
// unix.Write, which may need locks held by stopped threads.
func rawRead(fd int, p []byte) (int, error) {
	r, _, e := unix.RawSyscall(unix.SYS_READ, uintptr(fd), uintptr(unsafe.Pointer(&p[0])), uintptr(len(p)))
	if e != 0 {
		return 0, e
	}
	return int(r), nil
}

func rawWrite(fd int, p []byte) (int, error) {
	r, _, e := unix.RawSyscall(unix.SYS_WRITE, uintptr(fd), uintptr(unsafe.Pointer(&p[0])), uintptr(len(p)))
	if e != 0 {
		return 0, e
	}
	return int(r), nil
}
