package serlock

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/arloliu/go-pzem/jitter"
	"github.com/arloliu/go-pzem/logger"
	"github.com/arloliu/go-pzem/procinfo"
)

// Default lock file location, as used by UUCP style serial tools.
const (
	DefaultLockDir    = "/var/lock"
	DefaultLockPrefix = "LCK.."
)

// Default protocol parameters.
const (
	DefaultPollInterval     = 25 * time.Millisecond
	DefaultStaleThreshold   = 2
	DefaultMissingThreshold = 2

	DefaultFlockRetryDelay = 25 * time.Millisecond
	DefaultFlockMaxRetries = 400

	DefaultClearRaceChecks = 5
	DefaultClearRaceDelay  = 50 * time.Millisecond

	DefaultGhostPolls = 10
	DefaultGhostDelay = 10 * time.Millisecond

	DefaultFileMode os.FileMode = 0o666
)

// Parameter range limits.
const (
	MinPollInterval = 1 * time.Millisecond
	MaxPollInterval = 1 * time.Second

	MinThreshold = 1
	MaxThreshold = 10
)

// Config holds the parameters shared by Store and Coordinator.
type Config struct {
	lockDir    string
	lockPrefix string

	pollInterval     time.Duration
	staleThreshold   int
	missingThreshold int

	flockRetryDelay time.Duration
	flockMaxRetries int

	clearRaceCheck  bool
	clearRaceChecks int
	clearRaceDelay  time.Duration

	ghostAppendCheck bool
	ghostPolls       int
	ghostDelay       time.Duration

	fileMode os.FileMode

	procs         procinfo.ProcessInfo
	clock         jitter.Clock
	logger        logger.Logger
	stateHandlers []StateChangeHandler
}

// NewConfig creates a configuration with defaults overridden by opts.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		lockDir:          DefaultLockDir,
		lockPrefix:       DefaultLockPrefix,
		pollInterval:     DefaultPollInterval,
		staleThreshold:   DefaultStaleThreshold,
		missingThreshold: DefaultMissingThreshold,
		flockRetryDelay:  DefaultFlockRetryDelay,
		flockMaxRetries:  DefaultFlockMaxRetries,
		clearRaceChecks:  DefaultClearRaceChecks,
		clearRaceDelay:   DefaultClearRaceDelay,
		ghostPolls:       DefaultGhostPolls,
		ghostDelay:       DefaultGhostDelay,
		fileMode:         DefaultFileMode,
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.procs == nil {
		cfg.procs = procinfo.NewProc()
	}
	if cfg.clock == nil {
		cfg.clock = jitter.Default()
	}
	if cfg.logger == nil {
		cfg.logger = logger.GetLogger()
	}

	return cfg, nil
}

// LockPath returns the lock file path for device.
func (cfg *Config) LockPath(device string) (string, error) {
	return lockPath(cfg.lockDir, cfg.lockPrefix, device)
}

// LockDir returns the lock directory.
func (cfg *Config) LockDir() string { return cfg.lockDir }

// PollInterval returns the base delay between polls.
func (cfg *Config) PollInterval() time.Duration { return cfg.pollInterval }

// StaleThreshold returns how many times a head must be seen stale before it is removed.
func (cfg *Config) StaleThreshold() int { return cfg.staleThreshold }

// MissingThreshold returns how many polls may find no head before the own entry is re-appended.
func (cfg *Config) MissingThreshold() int { return cfg.missingThreshold }

// --- Option ---

// Option is a functional option for configuring a Coordinator or Store.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithLockDir sets the directory lock files are created in.
func WithLockDir(dir string) Option {
	return optFunc(func(cfg *Config) error {
		if dir == "" {
			return errors.New("serlock: lock directory is empty")
		}
		cfg.lockDir = dir

		return nil
	})
}

// WithLockPrefix sets the lock file name prefix.
func WithLockPrefix(prefix string) Option {
	return optFunc(func(cfg *Config) error {
		if strings.ContainsRune(prefix, os.PathSeparator) {
			return fmt.Errorf("serlock: lock prefix %q contains a path separator", prefix)
		}
		cfg.lockPrefix = prefix

		return nil
	})
}

// WithPollInterval sets the base delay between polls of the lock file head.
// The actual delay is jittered by the clock.
func WithPollInterval(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinPollInterval || d > MaxPollInterval {
			return fmt.Errorf("serlock: poll interval %v out of range [%v, %v]", d, MinPollInterval, MaxPollInterval)
		}
		cfg.pollInterval = d

		return nil
	})
}

// WithStaleThreshold sets how many polls must find the same head PID stale
// before its entry is removed.
func WithStaleThreshold(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < MinThreshold || n > MaxThreshold {
			return fmt.Errorf("serlock: stale threshold %d out of range [%d, %d]", n, MinThreshold, MaxThreshold)
		}
		cfg.staleThreshold = n

		return nil
	})
}

// WithMissingThreshold sets how many consecutive polls may find no head
// before the own entry is appended again.
func WithMissingThreshold(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < MinThreshold || n > MaxThreshold {
			return fmt.Errorf("serlock: missing threshold %d out of range [%d, %d]", n, MinThreshold, MaxThreshold)
		}
		cfg.missingThreshold = n

		return nil
	})
}

// WithFlockRetry sets the base delay and retry count used while another
// descriptor holds an incompatible flock.
func WithFlockRetry(base time.Duration, maxRetries int) Option {
	return optFunc(func(cfg *Config) error {
		if base <= 0 || maxRetries < 1 {
			return fmt.Errorf("serlock: flock retry base %v, max %d invalid", base, maxRetries)
		}
		cfg.flockRetryDelay = base
		cfg.flockMaxRetries = maxRetries

		return nil
	})
}

// WithClearRaceCheck makes a rewrite back off while temp files of other
// clearers of the same lock file exist.
func WithClearRaceCheck(enabled bool, checks int, base time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if enabled && (checks < 1 || base <= 0) {
			return fmt.Errorf("serlock: clear race check %d x %v invalid", checks, base)
		}
		cfg.clearRaceCheck = enabled
		if enabled {
			cfg.clearRaceChecks = checks
			cfg.clearRaceDelay = base
		}

		return nil
	})
}

// WithGhostAppendCheck makes a rewrite watch the replaced file for late
// appends and forward them into the new file.
func WithGhostAppendCheck(enabled bool, polls int, base time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if enabled && (polls < 1 || base <= 0) {
			return fmt.Errorf("serlock: ghost append check %d x %v invalid", polls, base)
		}
		cfg.ghostAppendCheck = enabled
		if enabled {
			cfg.ghostPolls = polls
			cfg.ghostDelay = base
		}

		return nil
	})
}

// WithFileMode sets the permission bits of newly created lock files, before umask.
func WithFileMode(mode os.FileMode) Option {
	return optFunc(func(cfg *Config) error {
		if mode&^os.ModePerm != 0 {
			return fmt.Errorf("serlock: file mode %v has non permission bits", mode)
		}
		cfg.fileMode = mode

		return nil
	})
}

// WithProcessInfo sets the liveness oracle used for stale detection.
func WithProcessInfo(p procinfo.ProcessInfo) Option {
	return optFunc(func(cfg *Config) error {
		if p == nil {
			return errors.New("serlock: process info is nil")
		}
		cfg.procs = p

		return nil
	})
}

// WithClock sets the clock used for polling and flock retries.
func WithClock(c jitter.Clock) Option {
	return optFunc(func(cfg *Config) error {
		if c == nil {
			return errors.New("serlock: clock is nil")
		}
		cfg.clock = c

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("serlock: logger is nil")
		}
		cfg.logger = l

		return nil
	})
}

// WithStateChangeHandler registers handlers invoked on every acquisition
// state transition. Handlers run synchronously in the acquiring goroutine.
func WithStateChangeHandler(handlers ...StateChangeHandler) Option {
	return optFunc(func(cfg *Config) error {
		for _, h := range handlers {
			if h != nil {
				cfg.stateHandlers = append(cfg.stateHandlers, h)
			}
		}

		return nil
	})
}
