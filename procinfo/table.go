package procinfo

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// Table is an in-memory ProcessInfo for simulating many processes inside one
// program. Goroutines acting as separate processes share a Table and spawn,
// kill or reuse PIDs in it.
//
// All methods are safe for concurrent use.
type Table struct {
	procs *xsync.MapOf[int, string]
}

var _ ProcessInfo = (*Table)(nil)

// NewTable creates an empty process table.
func NewTable() *Table {
	return &Table{procs: xsync.NewMapOf[int, string]()}
}

// Spawn registers pid as running command. An empty command simulates a
// process without a command line, such as a zombie.
func (t *Table) Spawn(pid int, command string) {
	t.procs.Store(pid, command)
}

// Kill removes pid from the table.
func (t *Table) Kill(pid int) {
	t.procs.Delete(pid)
}

// Reuse replaces the program running under pid, as the kernel does when a
// PID is recycled.
func (t *Table) Reuse(pid int, command string) {
	t.procs.Store(pid, command)
}

// PIDs returns the registered PIDs in ascending order.
func (t *Table) PIDs() []int {
	pids := make([]int, 0, t.procs.Size())
	t.procs.Range(func(pid int, _ string) bool {
		pids = append(pids, pid)
		return true
	})
	sort.Ints(pids)

	return pids
}

// IsAlive reports whether pid is registered.
func (t *Table) IsAlive(pid int) bool {
	_, ok := t.procs.Load(pid)
	return ok
}

// CommandOf returns the command registered for pid.
func (t *Table) CommandOf(pid int) (string, bool) {
	cmd, ok := t.procs.Load(pid)
	if !ok || cmd == "" {
		return "", false
	}

	return cmd, true
}
