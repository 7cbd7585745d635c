// Package warden implements the helper process that stops the threads of a
// patching process on Linux.
//
// A process cannot ptrace its own threads, so the engine starts a copy of the
// host executable with LIVEPATCH_WARDEN=1 in the environment and drives it
// over two pipes. Programs that patch themselves must call Init first thing in
// main (and in TestMain for tests):
//
//	func main() {
//		warden.Init()
//		...
//	}
//
// Init returns immediately in the normal process and never returns in the
// helper.
package warden

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// EnvKey marks the helper process.
const EnvKey = "LIVEPATCH_WARDEN"

// Helper side file descriptors, as passed through exec.Cmd.ExtraFiles.
const (
	commandFD = 3
	replyFD   = 4
)

var (
	// ErrProtocol is returned when the helper answers something unexpected.
	ErrProtocol = errors.New("warden: protocol error")
	// ErrUnsupported is returned on platforms without a helper.
	ErrUnsupported = errors.New("warden: not supported on this platform")
)

// Mode selects what the helper does with the threads it attaches.
type Mode string

const (
	// ModeFreeze stops every thread until release.
	ModeFreeze Mode = "freeze"
	// ModeTrap arms an execution breakpoint on every thread and only stops
	// those that reach it.
	ModeTrap Mode = "trap"
)

// request is one line of the command stream.
type request struct {
	mode    Mode
	pid     int
	exclude int
	addr    uint64
	length  int
}

func (r request) String() string {
	if r.mode == ModeTrap {
		return fmt.Sprintf("%s %d %d %#x %d\n", r.mode, r.pid, r.exclude, r.addr, r.length)
	}
	return fmt.Sprintf("%s %d %d\n", r.mode, r.pid, r.exclude)
}

func parseRequest(line string) (request, error) {
	f := strings.Fields(line)
	if len(f) < 3 {
		return request{}, fmt.Errorf("%w: %q", ErrProtocol, line)
	}
	var (
		r   = request{mode: Mode(f[0])}
		err error
	)
	if r.pid, err = strconv.Atoi(f[1]); err != nil {
		return request{}, fmt.Errorf("%w: bad pid: %v", ErrProtocol, err)
	}
	if r.exclude, err = strconv.Atoi(f[2]); err != nil {
		return request{}, fmt.Errorf("%w: bad thread: %v", ErrProtocol, err)
	}
	switch r.mode {
	case ModeFreeze:
		if len(f) != 3 {
			return request{}, fmt.Errorf("%w: %q", ErrProtocol, line)
		}
	case ModeTrap:
		if len(f) != 5 {
			return request{}, fmt.Errorf("%w: %q", ErrProtocol, line)
		}
		if r.addr, err = strconv.ParseUint(f[3], 0, 64); err != nil {
			return request{}, fmt.Errorf("%w: bad address: %v", ErrProtocol, err)
		}
		if r.length, err = strconv.Atoi(f[4]); err != nil || r.length <= 0 {
			return request{}, fmt.Errorf("%w: bad length %q", ErrProtocol, f[4])
		}
	default:
		return request{}, fmt.Errorf("%w: unknown mode %q", ErrProtocol, f[0])
	}
	return r, nil
}

// RemoteError is a failure reported by the helper.
type RemoteError struct {
	Errno uint64
	Msg   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("warden: %s (errno %d)", e.Msg, e.Errno)
}

// parseReply decodes "ok <threads>" or "err <errno> <text>".
func parseReply(line string) (int, error) {
	switch {
	case strings.HasPrefix(line, "ok "):
		n, err := strconv.Atoi(strings.TrimSpace(line[3:]))
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrProtocol, line)
		}
		return n, nil
	case strings.HasPrefix(line, "err "):
		f := strings.SplitN(line[4:], " ", 2)
		code, err := strconv.ParseUint(f[0], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrProtocol, line)
		}
		re := &RemoteError{Errno: code}
		if len(f) == 2 {
			re.Msg = f[1]
		}
		return 0, re
	}
	return 0, fmt.Errorf("%w: %q", ErrProtocol, line)
}
