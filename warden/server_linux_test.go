package warden

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"testing"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

func processState(t *testing.T, pid int) string {
	t.Helper()
	p, err := procfs.NewProc(pid)
	if err != nil {
		t.Fatal(err)
	}
	st, err := p.Stat()
	if err != nil {
		t.Fatal(err)
	}
	return st.State
}

func TestRunFreezesChild(t *testing.T) {
	child := exec.Command("sleep", "30")
	if err := child.Start(); err != nil {
		t.Skipf("cannot start child: %v", err)
	}
	defer func() {
		child.Process.Kill()
		child.Wait()
	}()
	pid := child.Process.Pid

	cmdR, cmdW := io.Pipe()
	replyR, replyW := io.Pipe()
	done := make(chan int)
	go func() { done <- Run(cmdR, replyW) }()
	replies := bufio.NewReader(replyR)

	fmt.Fprintf(cmdW, "freeze %d 0\n", pid)
	line, err := replies.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	n, err := parseReply(strings.TrimSpace(line))
	var re *RemoteError
	if errors.As(err, &re) && (errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES)) {
		cmdW.Close()
		<-done
		t.Skipf("ptrace not permitted: %v", err)
	}
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("held %d threads, want 1", n)
	}
	if got := processState(t, pid); got != "t" {
		t.Errorf("child state = %q while frozen, want t", got)
	}

	fmt.Fprint(cmdW, "release\n")
	line, err = replies.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "done\n" {
		t.Fatalf("release reply = %q", line)
	}
	if got := processState(t, pid); got == "t" {
		t.Errorf("child still stopped after release")
	}

	cmdW.Close()
	if code := <-done; code != 0 {
		t.Errorf("Run returned %d", code)
	}
}

func TestRunRejectsGarbage(t *testing.T) {
	cmdR, cmdW := io.Pipe()
	replyR, replyW := io.Pipe()
	done := make(chan int)
	go func() { done <- Run(cmdR, replyW) }()

	fmt.Fprint(cmdW, "thaw 1 2\n")
	line, err := bufio.NewReader(replyR).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "err ") {
		t.Errorf("reply = %q, want an error", line)
	}
	cmdW.Close()
	<-done
}
