// Package procinfo answers the two questions lock coordination asks about a
// PID found in a lock file: is it still running, and what is it running.
//
// The second question guards against PID reuse. A lock entry records the
// command of the process that queued it; if the PID now belongs to a different
// program, the entry is as stale as if the process had exited.
package procinfo

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// DefaultProcRoot is the mount point of the proc filesystem.
const DefaultProcRoot = "/proc"

// maxCmdline bounds how much of /proc/<pid>/cmdline is read.
const maxCmdline = 1024

// ProcessInfo is a liveness and identity oracle for PIDs.
type ProcessInfo interface {
	// IsAlive reports whether pid refers to an existing process.
	IsAlive(pid int) bool
	// CommandOf returns the command (argv[0]) of pid. ok is false when the
	// process does not exist or exposes no command line, e.g. a zombie.
	CommandOf(pid int) (command string, ok bool)
}

// Proc is the Linux ProcessInfo backed by kill(2) and the proc filesystem.
type Proc struct {
	root string
}

var _ ProcessInfo = (*Proc)(nil)

// ProcOption configures a Proc.
type ProcOption func(*Proc)

// WithProcRoot overrides the proc filesystem location, mainly for tests.
func WithProcRoot(root string) ProcOption {
	return func(p *Proc) {
		p.root = root
	}
}

// NewProc creates a Proc.
func NewProc(opts ...ProcOption) *Proc {
	p := &Proc{root: DefaultProcRoot}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// IsAlive probes pid with signal 0. A permission error still proves the
// process exists, it is just owned by another user.
func (p *Proc) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	err := unix.Kill(pid, 0)

	return err == nil || errors.Is(err, unix.EPERM)
}

// CommandOf reads the first NUL separated field of /proc/<pid>/cmdline.
func (p *Proc) CommandOf(pid int) (string, bool) {
	if pid <= 0 {
		return "", false
	}

	f, err := os.Open(filepath.Join(p.root, strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return "", false
	}
	defer f.Close()

	buf := make([]byte, maxCmdline)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", false
	}
	if n == 0 {
		return "", false
	}

	cmd := buf[:n]
	if i := bytes.IndexByte(cmd, 0); i >= 0 {
		cmd = cmd[:i]
	}
	if len(cmd) == 0 {
		return "", false
	}

	return string(cmd), true
}

// Self returns the PID and recorded command of the running process, as it
// should appear in a lock entry.
func Self(info ProcessInfo) (int, string) {
	pid := os.Getpid()
	cmd, _ := info.CommandOf(pid)

	return pid, cmd
}
