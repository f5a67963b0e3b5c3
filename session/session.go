// Package session runs bus work while holding the device lock.
//
// A Session locks the device, opens the bus, hands a meter.Reader to the
// caller's function and then closes the bus and releases the lock, whatever
// the outcome. A run that fails before owning the device leaves nothing in
// the lock file.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-pzem/internal/pool"
	"github.com/arloliu/go-pzem/jitter"
	"github.com/arloliu/go-pzem/logger"
	"github.com/arloliu/go-pzem/meter"
	"github.com/arloliu/go-pzem/meter/rtu"
	"github.com/arloliu/go-pzem/procinfo"
	"github.com/arloliu/go-pzem/pzem"
	"github.com/arloliu/go-pzem/serlock"
)

// Session limits.
const (
	MaxLockWait   = 30 * time.Second
	MaxSettleTime = 10 * time.Second
)

// Session performs locked runs against one device.
type Session struct {
	device       string
	coord        *serlock.Coordinator
	dialer       Dialer
	pid          int
	command      string
	lockWait     time.Duration
	maxAttempts  int
	commandDelay time.Duration
	settle       time.Duration
	clock        jitter.Clock
	logger       logger.Logger

	meterMetrics meter.Metrics
}

// Option is a functional option for configuring a Session.
type Option interface {
	apply(*Session) error
}

type optFunc func(*Session) error

func (f optFunc) apply(s *Session) error { return f(s) }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...)
}

// WithCoordinator sets the lock coordinator. By default one with the default
// lock directory is created.
func WithCoordinator(c *serlock.Coordinator) Option {
	return optFunc(func(s *Session) error {
		if c == nil {
			return invalid("coordinator is nil")
		}
		s.coord = c

		return nil
	})
}

// WithDialer sets how the bus is opened. By default the device is opened as a
// Modbus RTU port with default settings.
func WithDialer(d Dialer) Option {
	return optFunc(func(s *Session) error {
		if d == nil {
			return invalid("dialer is nil")
		}
		s.dialer = d

		return nil
	})
}

// WithIdentity sets the PID and command recorded in the lock file. By default
// they are those of the running process.
func WithIdentity(pid int, command string) Option {
	return optFunc(func(s *Session) error {
		if pid <= 0 {
			return invalid("pid %d", pid)
		}
		s.pid = pid
		s.command = command

		return nil
	})
}

// WithLockWait sets how long to wait for the device lock.
func WithLockWait(d time.Duration) Option {
	return optFunc(func(s *Session) error {
		if d < 0 || d > MaxLockWait {
			return invalid("lock wait %v out of range [0, %v]", d, MaxLockWait)
		}
		s.lockWait = d

		return nil
	})
}

// WithMaxAttempts sets the attempts per register read.
func WithMaxAttempts(n int) Option {
	return optFunc(func(s *Session) error {
		if n < 1 || n > meter.MaxAttempts {
			return invalid("max attempts %d out of range [1, %d]", n, meter.MaxAttempts)
		}
		s.maxAttempts = n

		return nil
	})
}

// WithCommandDelay sets the pause before each bus request.
func WithCommandDelay(d time.Duration) Option {
	return optFunc(func(s *Session) error {
		if d < 0 || d > meter.MaxCommandDelay {
			return invalid("command delay %v out of range [0, %v]", d, meter.MaxCommandDelay)
		}
		s.commandDelay = d

		return nil
	})
}

// WithSettleTime sets how long to let the line settle after locking and
// before opening the bus.
func WithSettleTime(d time.Duration) Option {
	return optFunc(func(s *Session) error {
		if d < 0 || d > MaxSettleTime {
			return invalid("settle time %v out of range [0, %v]", d, MaxSettleTime)
		}
		s.settle = d

		return nil
	})
}

// WithClock sets the clock of the default coordinator.
func WithClock(c jitter.Clock) Option {
	return optFunc(func(s *Session) error {
		if c == nil {
			return invalid("clock is nil")
		}
		s.clock = c

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(s *Session) error {
		if l == nil {
			return invalid("logger is nil")
		}
		s.logger = l

		return nil
	})
}

// New creates a Session for device.
func New(device string, opts ...Option) (*Session, error) {
	if device == "" {
		return nil, invalid("device is empty")
	}

	s := &Session{
		device:      device,
		maxAttempts: meter.DefaultMaxAttempts,
		logger:      logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(s); err != nil {
			return nil, err
		}
	}

	if s.pid == 0 {
		s.pid, s.command = procinfo.Self(procinfo.NewProc())
	}
	if s.clock == nil {
		s.clock = jitter.Default()
	}
	if s.coord == nil {
		coord, err := serlock.NewCoordinator(serlock.WithLogger(s.logger), serlock.WithClock(s.clock))
		if err != nil {
			return nil, err
		}
		s.coord = coord
	}
	if _, err := s.coord.LockPath(device); err != nil {
		return nil, invalid("%v", err)
	}
	if s.dialer == nil {
		d, err := rtu.NewDialer(device, rtu.WithLogger(s.logger))
		if err != nil {
			return nil, invalid("%v", err)
		}
		s.dialer = RTU(d)
	}

	return s, nil
}

// Device returns the device name.
func (s *Session) Device() string { return s.device }

// PID returns the PID recorded in the lock file.
func (s *Session) PID() int { return s.pid }

// Coordinator returns the lock coordinator.
func (s *Session) Coordinator() *serlock.Coordinator { return s.coord }

// MeterMetrics returns the register counters accumulated over all runs.
func (s *Session) MeterMetrics() *meter.Metrics { return &s.meterMetrics }

// Run locks the device, opens the bus and calls fn with a reader on it.
//
// The bus is closed and the lock released on every return path, including a
// panic in fn, provided the lock was obtained. Failures of those cleanups are
// joined to the returned error.
func (s *Session) Run(ctx context.Context, fn func(ctx context.Context, r *meter.Reader) error) (err error) {
	log := s.logger.With("device", s.device, "pid", s.pid)

	own, err := s.coord.Acquire(ctx, s.device, s.pid, s.command, s.lockWait)
	if err != nil {
		log.Debug("session: device lock not obtained", "error", err)
		return err
	}
	log.Debug("session: device locked", "path", own.Path())

	defer func() {
		if rerr := own.Release(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	if s.settle > 0 {
		log.Debug("session: waiting for the line to settle", "settle", s.settle)
		if err := pool.Sleep(ctx, s.settle); err != nil {
			return err
		}
	}

	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		log.Error("session: connection failed", "error", err)
		return err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("session: close bus: %w", cerr))
		}
	}()

	reader, err := meter.NewReader(conn,
		meter.WithMaxAttempts(s.maxAttempts),
		meter.WithCommandDelay(s.commandDelay),
		meter.WithLogger(log),
		meter.WithMetrics(&s.meterMetrics),
	)
	if err != nil {
		return err
	}

	return fn(ctx, reader)
}

// ReadAll reads qs in one locked run.
func (s *Session) ReadAll(ctx context.Context, qs []pzem.Quantity) ([]pzem.Reading, error) {
	var readings []pzem.Reading
	err := s.Run(ctx, func(ctx context.Context, r *meter.Reader) error {
		var err error
		readings, err = pzem.ReadAll(ctx, r, qs, s.maxAttempts)

		return err
	})
	if err != nil {
		return nil, err
	}

	return readings, nil
}

// SetAddress changes the device address in one locked run.
func (s *Session) SetAddress(ctx context.Context, addr int) error {
	if err := pzem.ValidateAddress(addr); err != nil {
		return invalid("%v", err)
	}

	return s.Run(ctx, func(ctx context.Context, r *meter.Reader) error {
		return pzem.SetAddress(ctx, r, addr)
	})
}
