package serlock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// flock places a non-blocking flock of kind how (LOCK_SH or LOCK_EX) on f.
// While another descriptor holds an incompatible lock it retries after a
// jittered delay, up to the configured retry count.
func (s *Store) flock(ctx context.Context, f *os.File, how int) error {
	for attempt := 0; ; attempt++ {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("flock: %w", err)
		}
		if attempt >= s.cfg.flockMaxRetries {
			return fmt.Errorf("%w after %d retries", errFlockBusy, attempt)
		}

		if _, err := s.cfg.clock.Sleep(ctx, s.cfg.flockRetryDelay); err != nil {
			return err
		}
	}
}

// openLocked opens path with flag and places a flock of kind how on it.
//
// A clearer may rename a new file over path while we wait for the flock, in
// which case the locked descriptor refers to a detached file. Writes to it
// would be lost and reads would show removed entries, so the descriptor is
// checked against path and reopened until both agree.
func (s *Store) openLocked(ctx context.Context, path string, flag int, how int) (*os.File, error) {
	for reopen := 0; ; reopen++ {
		f, err := os.OpenFile(path, flag, s.cfg.fileMode)
		if err != nil {
			return nil, err
		}

		if err := s.flock(ctx, f, how); err != nil {
			f.Close()
			return nil, err
		}

		current, err := isCurrent(f, path)
		if err != nil {
			f.Close()
			return nil, err
		}
		if current {
			return f, nil
		}

		f.Close()
		if reopen >= s.cfg.flockMaxRetries {
			return nil, fmt.Errorf("%w: lock file replaced %d times while waiting", errFlockBusy, reopen)
		}
		s.logger.Debug("serlock: lock file replaced while waiting for flock, reopening", "path", path)
	}
}

// isCurrent reports whether f is still the file named by path.
func isCurrent(f *os.File, path string) (bool, error) {
	held, err := f.Stat()
	if err != nil {
		return false, err
	}

	named, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return os.SameFile(held, named), nil
}
