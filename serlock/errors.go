package serlock

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLockFileIO indicates that the lock file could not be opened, locked,
	// read, written or renamed.
	ErrLockFileIO = errors.New("lock file I/O failed")

	// ErrLockTimeout indicates that the wait budget ran out before the device
	// was acquired.
	ErrLockTimeout = errors.New("timed out waiting for device lock")

	// ErrInvalidDevice indicates a device name without a usable base name.
	ErrInvalidDevice = errors.New("invalid device name")

	// ErrInvalidPID indicates a non-positive PID.
	ErrInvalidPID = errors.New("invalid pid")

	// ErrMalformedEntry indicates a lock file line that is not "<pid>[ <command>]".
	ErrMalformedEntry = errors.New("malformed lock entry")
)

// errFlockBusy is returned once the flock retry budget is spent.
var errFlockBusy = errors.New("flock still held by another process")

// LockError describes a failed operation on a lock file.
// It matches ErrLockFileIO with errors.Is.
type LockError struct {
	Op   string
	Path string
	PID  int
	Err  error
}

func newLockError(op, path string, pid int, err error) *LockError {
	return &LockError{Op: op, Path: path, PID: pid, Err: err}
}

func (e *LockError) Error() string {
	return fmt.Sprintf("serlock: %s %s (pid %d): %v", e.Op, e.Path, e.PID, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

func (e *LockError) Is(target error) bool { return target == ErrLockFileIO }

// TimeoutError is returned by Acquire when the wait budget is exhausted.
// It matches ErrLockTimeout with errors.Is.
type TimeoutError struct {
	Device string
	Path   string
	PID    int
	// HeldBy is the last head entry observed, zero if none was seen.
	HeldBy Entry
	Waited time.Duration
	// CleanupErr is set when the own entry could not be removed afterwards.
	CleanupErr error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("serlock: pid %d could not lock %s within %v", e.PID, e.Device, e.Waited)
	if e.HeldBy.PID > 0 {
		msg += fmt.Sprintf(", held by pid %d", e.HeldBy.PID)
		if e.HeldBy.Command != "" {
			msg += fmt.Sprintf(" (%s)", e.HeldBy.Command)
		}
	}
	if e.CleanupErr != nil {
		msg += fmt.Sprintf("; cleanup failed: %v", e.CleanupErr)
	}

	return msg
}

func (e *TimeoutError) Unwrap() error { return e.CleanupErr }

func (e *TimeoutError) Is(target error) bool { return target == ErrLockTimeout }
