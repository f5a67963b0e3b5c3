package serlock

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/arloliu/go-pzem/logger"
)

// Store performs the file level operations on lock files. Every operation
// opens the file, locks it, does its work and closes it again; a Store keeps
// no file open between calls.
//
// It is safe for concurrent use, including by goroutines that stand in for
// separate processes, since flocks belong to open file descriptions.
type Store struct {
	cfg    *Config
	logger logger.Logger
}

// NewStore creates a Store.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg, logger: cfg.logger}
}

// Append queues entry at the end of the lock file at path, creating the file
// if needed. The line goes out in a single write under a shared flock.
func (s *Store) Append(ctx context.Context, path string, entry Entry) error {
	entry.Command = cleanCommand(entry.Command)

	f, err := s.openLocked(ctx, path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, unix.LOCK_SH)
	if err != nil {
		return newLockError("append", path, entry.PID, err)
	}
	defer f.Close()

	if _, err := f.WriteString(entry.line()); err != nil {
		return newLockError("append", path, entry.PID, err)
	}

	return nil
}

// ReadHead returns the first entry of the lock file at path. ok is false when
// the file does not exist, is empty or starts with a malformed line.
func (s *Store) ReadHead(ctx context.Context, path string) (Entry, bool, error) {
	f, err := s.openLocked(ctx, path, os.O_RDONLY, unix.LOCK_SH)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, newLockError("read", path, 0, err)
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return Entry{}, false, newLockError("read", path, 0, err)
	}
	if line == "" {
		return Entry{}, false, nil
	}

	head, err := ParseEntry(line)
	if err != nil {
		s.logger.Debug("serlock: unreadable head entry", "path", path, "error", err)
		return Entry{}, false, nil
	}

	return head, true, nil
}

// Entries returns the whole queue of the lock file at path in order.
// Malformed lines are skipped. A missing file yields an empty queue.
func (s *Store) Entries(ctx context.Context, path string) ([]Entry, error) {
	f, err := s.openLocked(ctx, path, os.O_RDONLY, unix.LOCK_SH)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, newLockError("read", path, 0, err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if scanner.Text() == "" {
			continue
		}
		e, err := ParseEntry(scanner.Text())
		if err != nil {
			s.logger.Warn("serlock: skipping malformed lock entry", "path", path, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, newLockError("read", path, 0, err)
	}

	return entries, nil
}

// RewriteExcluding removes every entry for which keep returns false from the
// lock file at path and returns how many were removed. owner is the PID of
// the caller and names its temp file.
//
// The survivors are written to TempPath(path, owner) under an exclusive flock
// on the original and renamed over it. When nothing is removed the original is
// left untouched. A missing lock file is not an error.
func (s *Store) RewriteExcluding(ctx context.Context, path string, owner int, keep func(Entry) bool) (int, error) {
	if s.cfg.clearRaceCheck {
		if err := s.awaitOtherClearers(ctx, path, owner); err != nil {
			return 0, newLockError("rewrite", path, owner, err)
		}
	}

	f, err := s.openLocked(ctx, path, os.O_RDONLY, unix.LOCK_EX)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, newLockError("rewrite", path, owner, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var kept strings.Builder
	removed, dropped := 0, 0
	for {
		line, err := reader.ReadString('\n')
		if line != "" && line != "\n" {
			e, perr := ParseEntry(line)
			switch {
			case perr != nil:
				s.logger.Warn("serlock: dropping malformed lock entry", "path", path, "error", perr)
				dropped++
			case keep(e):
				kept.WriteString(e.line())
			default:
				removed++
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, newLockError("rewrite", path, owner, err)
		}
	}

	if removed == 0 && dropped == 0 {
		return 0, nil
	}

	tmpPath := TempPath(path, owner)
	if err := s.replace(path, tmpPath, kept.String()); err != nil {
		return 0, newLockError("rewrite", path, owner, err)
	}

	if s.cfg.ghostAppendCheck {
		s.forwardGhostAppends(ctx, reader, path, owner, keep)
	}

	return removed, nil
}

// replace writes content to tmpPath, syncs it and renames it over path.
func (s *Store) replace(path, tmpPath, content string) error {
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, s.cfg.fileMode)
	if err != nil {
		return err
	}

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return nil
}

// forwardGhostAppends watches the replaced file through its still open
// reader for lines written after the rename, and appends the kept ones to
// the new file at path.
func (s *Store) forwardGhostAppends(ctx context.Context, reader *bufio.Reader, path string, owner int, keep func(Entry) bool) {
	var pending string
	for i := 0; i < s.cfg.ghostPolls; i++ {
		if _, err := s.cfg.clock.Sleep(ctx, s.cfg.ghostDelay); err != nil {
			return
		}

		for {
			chunk, err := reader.ReadString('\n')
			pending += chunk
			if err != nil {
				break
			}

			line := pending
			pending = ""
			e, perr := ParseEntry(line)
			if perr != nil || !keep(e) {
				continue
			}

			s.logger.Warn("serlock: forwarding entry appended to replaced lock file",
				"path", path, "entry", e.String())
			if aerr := s.Append(ctx, path, e); aerr != nil {
				s.logger.Error("serlock: failed to forward late entry", "path", path, "owner", owner, "error", aerr)
			}
		}
	}
}

// awaitOtherClearers backs off while temp files of other clearers of path
// exist, for at most the configured number of checks. It then proceeds
// regardless; the exclusive flock still serializes the rewrites.
func (s *Store) awaitOtherClearers(ctx context.Context, path string, owner int) error {
	for i := 0; i < s.cfg.clearRaceChecks; i++ {
		others, err := otherClearers(path, owner)
		if err != nil {
			return err
		}
		if len(others) == 0 {
			return nil
		}

		s.logger.Debug("serlock: another clearer is active, backing off", "path", path, "clearers", others)
		if _, err := s.cfg.clock.Sleep(ctx, s.cfg.clearRaceDelay); err != nil {
			return err
		}
	}

	return nil
}

// otherClearers lists the PIDs of temp files for path other than owner's.
func otherClearers(path string, owner int) ([]int, error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}

	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	var pids []int
	for _, de := range dirents {
		suffix, ok := strings.CutPrefix(de.Name(), base+".")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(suffix)
		if err != nil || pid == owner {
			continue
		}
		pids = append(pids, pid)
	}

	return pids, nil
}
