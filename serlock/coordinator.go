package serlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-pzem/logger"
)

// Coordinator acquires and releases devices through their lock files.
//
// A Coordinator holds no per-device state between calls, so one instance may
// serve any number of devices and concurrent acquisitions.
type Coordinator struct {
	cfg     *Config
	store   *Store
	logger  logger.Logger
	metrics Metrics
}

// NewCoordinator creates a Coordinator configured by opts.
func NewCoordinator(opts ...Option) (*Coordinator, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		cfg:    cfg,
		store:  NewStore(cfg),
		logger: cfg.logger,
	}, nil
}

// Config returns the coordinator configuration.
func (c *Coordinator) Config() *Config { return c.cfg }

// Store returns the underlying lock file store.
func (c *Coordinator) Store() *Store { return c.store }

// Metrics returns the coordinator counters.
func (c *Coordinator) Metrics() *Metrics { return &c.metrics }

// LockPath returns the lock file path for device.
func (c *Coordinator) LockPath(device string) (string, error) {
	return c.cfg.LockPath(device)
}

// Queue returns the entries currently queued for device, head first.
func (c *Coordinator) Queue(ctx context.Context, device string) ([]Entry, error) {
	path, err := c.cfg.LockPath(device)
	if err != nil {
		return nil, err
	}

	return c.store.Entries(ctx, path)
}

// Acquire queues pid for device and waits until its entry is head of the lock
// file. At least one poll runs, even with a zero wait budget.
//
// On success the returned Ownership must be released. On failure no entry for
// pid is left behind: a *TimeoutError (ErrLockTimeout) is returned when the
// budget runs out, a *LockError (ErrLockFileIO) on file errors, and the
// context error when ctx ends.
func (c *Coordinator) Acquire(ctx context.Context, device string, pid int, command string, wait time.Duration) (*Ownership, error) {
	path, err := c.cfg.LockPath(device)
	if err != nil {
		return nil, err
	}
	if pid <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	if wait < 0 {
		wait = 0
	}

	a := &acquisition{
		c:      c,
		device: device,
		path:   path,
		entry:  Entry{PID: pid, Command: cleanCommand(command)},
		logger: c.logger.With("device", device, "pid", pid),
	}

	return a.run(ctx, wait)
}

// Release removes every entry of pid from the lock file of device. Releasing
// a PID that is not queued, or a device without lock file, is a no-op.
func (c *Coordinator) Release(ctx context.Context, device string, pid int) error {
	path, err := c.cfg.LockPath(device)
	if err != nil {
		return err
	}

	return c.release(ctx, device, path, pid)
}

func (c *Coordinator) release(ctx context.Context, device, path string, pid int) error {
	removed, err := c.store.RewriteExcluding(ctx, path, pid, func(e Entry) bool { return e.PID != pid })
	if err != nil {
		c.logger.Error("serlock: release failed", "device", device, "pid", pid, "error", err)
		return err
	}

	c.metrics.incReleaseCount()
	c.logger.Debug("serlock: released device", "device", device, "pid", pid, "removed", removed)

	return nil
}

// acquisition is the state of one Acquire call.
type acquisition struct {
	c      *Coordinator
	device string
	path   string
	entry  Entry
	logger logger.Logger

	state State

	lastHead Entry

	// staleTarget is the PID the stale confirmations in staleCount refer to.
	staleTarget int
	staleCount  int

	missingCount int
}

func (a *acquisition) run(ctx context.Context, wait time.Duration) (*Ownership, error) {
	cfg := a.c.cfg

	if err := a.c.store.Append(ctx, a.path, a.entry); err != nil {
		return nil, err
	}
	a.transition(StateQueued)
	a.logger.Debug("serlock: queued for device", "path", a.path)

	start := cfg.clock.Now()
	for {
		owned, reclaimed, err := a.poll(ctx)
		if err != nil {
			return nil, a.abandon(ctx, err)
		}
		if owned {
			a.transition(StateOwned)
			a.c.metrics.incAcquireCount()
			acquiredAt := cfg.clock.Now()
			a.logger.Debug("serlock: device acquired", "waited", acquiredAt.Sub(start))

			return newOwnership(a.c, a.device, a.path, a.entry.PID, acquiredAt), nil
		}
		// the reclaimed slot may already belong to us
		if reclaimed {
			continue
		}

		waited := cfg.clock.Now().Sub(start)
		if waited >= wait {
			return nil, a.timeout(ctx, waited)
		}

		if _, err := cfg.clock.Sleep(ctx, cfg.pollInterval); err != nil {
			return nil, a.abandon(ctx, err)
		}
	}
}

// poll reads the head once and acts on it.
func (a *acquisition) poll(ctx context.Context) (owned bool, reclaimed bool, err error) {
	a.c.metrics.incPollCount()
	if a.state != StatePolling {
		a.transition(StatePolling)
	}

	head, ok, err := a.c.store.ReadHead(ctx, a.path)
	if err != nil {
		return false, false, err
	}
	if !ok {
		return false, false, a.headMissing(ctx)
	}

	a.missingCount = 0
	a.lastHead = head

	if head.PID == a.entry.PID {
		return true, false, nil
	}

	reason, stale := staleReason(a.c.cfg, head)
	if !stale {
		if a.staleCount > 0 {
			a.logger.Debug("serlock: lock holder confirmed alive", "holder", head.PID)
		}
		a.resetStale()

		return false, false, nil
	}

	if head.PID != a.staleTarget {
		a.staleTarget = head.PID
		a.staleCount = 0
	}
	a.staleCount++

	if a.staleCount < a.c.cfg.staleThreshold {
		a.logger.Debug("serlock: lock holder looks stale",
			"holder", head.PID, "command", head.Command, "reason", reason, "confirmations", a.staleCount)
		return false, false, nil
	}

	return false, true, a.reclaim(ctx, head, reason)
}

// reclaim removes every entry of the stale head.
func (a *acquisition) reclaim(ctx context.Context, head Entry, reason string) error {
	a.transition(StateReclaimingStale)
	a.resetStale()

	target := head.PID
	removed, err := a.c.store.RewriteExcluding(ctx, a.path, a.entry.PID, func(e Entry) bool { return e.PID != target })
	if err != nil {
		return err
	}

	if removed > 0 {
		a.c.metrics.incStaleReclaimCount()
	}
	a.logger.Warn("serlock: removed stale lock entry",
		"holder", target, "command", head.Command, "reason", reason, "removed", removed)
	a.transition(StatePolling)

	return nil
}

// headMissing handles a poll that found no head. After more than the missing
// threshold of such polls in a row the own entry was evidently lost, so it is
// appended again.
func (a *acquisition) headMissing(ctx context.Context) error {
	a.missingCount++
	if a.missingCount <= a.c.cfg.missingThreshold {
		a.logger.Debug("serlock: lock file has no head entry", "misses", a.missingCount)
		return nil
	}

	a.logger.Warn("serlock: own lock entry lost, queueing again", "path", a.path)
	a.missingCount = 0
	if err := a.c.store.Append(ctx, a.path, a.entry); err != nil {
		return err
	}
	a.c.metrics.incSelfHealCount()

	return nil
}

func (a *acquisition) resetStale() {
	a.staleTarget = 0
	a.staleCount = 0
}

// timeout ends an acquisition whose budget ran out.
func (a *acquisition) timeout(ctx context.Context, waited time.Duration) error {
	a.transition(StateTimedOut)
	a.c.metrics.incAcquireTimeoutCount()

	terr := &TimeoutError{
		Device: a.device,
		Path:   a.path,
		PID:    a.entry.PID,
		HeldBy: a.lastHead,
		Waited: waited,
	}
	terr.CleanupErr = a.removeOwn(ctx)

	a.logger.Debug("serlock: gave up waiting for device", "held_by", a.lastHead.PID, "waited", waited)

	return terr
}

// abandon removes the own entry after a failed poll and returns err, joined
// with the cleanup error if that failed as well.
func (a *acquisition) abandon(ctx context.Context, err error) error {
	a.logger.Debug("serlock: abandoning acquisition", "error", err)
	cerr := a.removeOwn(ctx)
	a.transition(StateIdle)

	if !errors.Is(err, ErrLockFileIO) {
		err = fmt.Errorf("serlock: acquire %s: %w", a.device, err)
	}
	if cerr != nil {
		return errors.Join(err, cerr)
	}

	return err
}

// removeOwn removes the own entry. It runs even when ctx is already done.
func (a *acquisition) removeOwn(ctx context.Context) error {
	pid := a.entry.PID
	_, err := a.c.store.RewriteExcluding(context.WithoutCancel(ctx), a.path, pid, func(e Entry) bool { return e.PID != pid })
	if err != nil {
		a.logger.Error("serlock: failed to remove own lock entry", "path", a.path, "error", err)
	}

	return err
}

func (a *acquisition) transition(next State) {
	prev := a.state
	if prev == next {
		return
	}
	a.state = next

	for _, h := range a.c.cfg.stateHandlers {
		h(a.device, a.entry.PID, prev, next)
	}
}

// staleReason reports whether the process behind e is gone or has been
// replaced by a different program.
func staleReason(cfg *Config, e Entry) (string, bool) {
	if !cfg.procs.IsAlive(e.PID) {
		return "process not running", true
	}

	live, ok := cfg.procs.CommandOf(e.PID)
	if !ok {
		return "process has no command line", true
	}
	if e.Command != "" && cleanCommand(live) != e.Command {
		return fmt.Sprintf("pid reused by %q", live), true
	}

	return "", false
}
