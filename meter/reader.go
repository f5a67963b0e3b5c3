// Package meter reads and writes measurement registers with bounded retries.
//
// The bus is assumed to be held exclusively by the caller for the lifetime of
// a Reader; see package serlock.
package meter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-pzem/internal/pool"
	"github.com/arloliu/go-pzem/logger"
)

// Reader limits.
const (
	DefaultMaxAttempts = 1
	MaxAttempts        = 100

	MaxCommandDelay = 10 * time.Second
)

// ReadRequest describes one measurement read.
type ReadRequest struct {
	Address uint16
	// Words is the register count, 1 or 2.
	Words int
	// Scale divides the raw value, e.g. 10 for one decimal digit.
	Scale float64
	// MaxAttempts overrides the reader default when positive.
	MaxAttempts int
	// CommandDelay overrides the reader default when positive.
	CommandDelay time.Duration
}

// Reader performs register reads and writes over a Transport.
//
// A Reader is meant to be used by one goroutine at a time, as the bus it talks
// to is half duplex.
type Reader struct {
	t            Transport
	maxAttempts  int
	commandDelay time.Duration
	logger       logger.Logger
	metrics      *Metrics
}

// Option is a functional option for configuring a Reader.
type Option interface {
	apply(*Reader) error
}

type optFunc func(*Reader) error

func (f optFunc) apply(r *Reader) error { return f(r) }

// WithMaxAttempts sets the default number of attempts per read.
func WithMaxAttempts(n int) Option {
	return optFunc(func(r *Reader) error {
		if n < 1 || n > MaxAttempts {
			return fmt.Errorf("meter: max attempts %d out of range [1, %d]", n, MaxAttempts)
		}
		r.maxAttempts = n

		return nil
	})
}

// WithCommandDelay sets the default pause before each bus request.
func WithCommandDelay(d time.Duration) Option {
	return optFunc(func(r *Reader) error {
		if d < 0 || d > MaxCommandDelay {
			return fmt.Errorf("meter: command delay %v out of range [0, %v]", d, MaxCommandDelay)
		}
		r.commandDelay = d

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(r *Reader) error {
		if l == nil {
			return errors.New("meter: logger is nil")
		}
		r.logger = l

		return nil
	})
}

// WithMetrics makes the reader count into m instead of private counters, so
// that several readers can share one set.
func WithMetrics(m *Metrics) Option {
	return optFunc(func(r *Reader) error {
		if m == nil {
			return errors.New("meter: metrics is nil")
		}
		r.metrics = m

		return nil
	})
}

// NewReader creates a Reader on t.
func NewReader(t Transport, opts ...Option) (*Reader, error) {
	if t == nil {
		return nil, errors.New("meter: transport is nil")
	}

	r := &Reader{
		t:           t,
		maxAttempts: DefaultMaxAttempts,
		logger:      logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(r); err != nil {
			return nil, err
		}
	}

	if r.metrics == nil {
		r.metrics = &Metrics{}
	}

	return r, nil
}

// Metrics returns the reader counters.
func (r *Reader) Metrics() *Metrics { return r.metrics }

// ReadMeasurement reads req.Words registers at req.Address and decodes them.
//
// Each attempt waits the command delay, then asks the transport. A reply of
// the wrong length counts as a failed attempt. When all attempts fail the
// returned *RegisterError matches ErrTimeout and wraps the last failure.
func (r *Reader) ReadMeasurement(ctx context.Context, req ReadRequest) (float64, error) {
	if req.Words != 1 && req.Words != 2 {
		return 0, fmt.Errorf("meter: %w, got %d", ErrInvalidWordCount, req.Words)
	}
	if !(req.Scale > 0) {
		return 0, fmt.Errorf("meter: %w, got %v", ErrInvalidScale, req.Scale)
	}

	attempts := r.maxAttempts
	if req.MaxAttempts > 0 {
		attempts = min(req.MaxAttempts, MaxAttempts)
	}
	delay := r.commandDelay
	if req.CommandDelay > 0 {
		delay = req.CommandDelay
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			r.metrics.incReadRetryCount()
		}

		if err := pool.Sleep(ctx, delay); err != nil {
			return 0, fmt.Errorf("meter: read register 0x%04x: %w", req.Address, err)
		}

		words, err := r.t.ReadRegisters(req.Address, uint8(req.Words))
		if err == nil && len(words) != req.Words {
			err = fmt.Errorf("%w: got %d words, want %d", ErrTransport, len(words), req.Words)
		}
		if err == nil {
			r.metrics.incReadCount()
			return Decode(words, req.Scale)
		}

		lastErr = err
		if attempt < attempts {
			r.logger.Debug("meter: register read failed, retrying",
				"address", req.Address, "attempt", attempt, "max_attempts", attempts, "error", err)
		} else {
			r.logger.Error("meter: register read failed",
				"address", req.Address, "attempts", attempts, "error", err)
		}
	}

	r.metrics.incReadFailCount()

	return 0, &RegisterError{
		Op:       "read",
		Address:  req.Address,
		Attempts: attempts,
		Err:      fmt.Errorf("%w: %w", ErrTimeout, lastErr),
	}
}

// WriteMeasurement writes value to the register at address in a single
// attempt. A device that answers with the illegal function exception is
// most likely not in configuration mode, which the error hints at.
func (r *Reader) WriteMeasurement(ctx context.Context, address uint16, value uint16) error {
	if err := pool.Sleep(ctx, r.commandDelay); err != nil {
		return fmt.Errorf("meter: write register 0x%04x: %w", address, err)
	}

	err := r.t.WriteRegister(address, value)
	if err == nil {
		r.metrics.incWriteCount()
		r.logger.Debug("meter: register written", "address", address, "value", value)

		return nil
	}

	r.metrics.incWriteFailCount()
	rerr := &RegisterError{Op: "write", Address: address, Attempts: 1, Err: err}
	if errors.Is(err, ErrIllegalFunction) {
		rerr.Hint = "device is not in configuration mode"
	}
	r.logger.Error("meter: register write failed", "address", address, "value", value, "error", err, "hint", rerr.Hint)

	return rerr
}
