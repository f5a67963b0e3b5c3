package serlock

import (
	"context"
	"io"
	"sync/atomic"
	"time"
)

// Ownership is a held device. Release, or Close, gives it up; only the first
// call does any work.
type Ownership struct {
	c          *Coordinator
	device     string
	path       string
	pid        int
	acquiredAt time.Time

	released atomic.Bool
}

var _ io.Closer = (*Ownership)(nil)

func newOwnership(c *Coordinator, device, path string, pid int, acquiredAt time.Time) *Ownership {
	return &Ownership{c: c, device: device, path: path, pid: pid, acquiredAt: acquiredAt}
}

// Device returns the device name passed to Acquire.
func (o *Ownership) Device() string { return o.device }

// Path returns the lock file path.
func (o *Ownership) Path() string { return o.path }

// PID returns the owning PID.
func (o *Ownership) PID() int { return o.pid }

// AcquiredAt returns when the device was acquired.
func (o *Ownership) AcquiredAt() time.Time { return o.acquiredAt }

// Released reports whether Release has been called.
func (o *Ownership) Released() bool { return o.released.Load() }

// Release removes the owner's entry from the lock file. Calls after the
// first return nil.
func (o *Ownership) Release() error {
	if !o.released.CompareAndSwap(false, true) {
		return nil
	}

	return o.c.release(context.Background(), o.device, o.path, o.pid)
}

// Close is Release.
func (o *Ownership) Close() error {
	return o.Release()
}
