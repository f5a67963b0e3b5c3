// Package jitter provides randomized sleeps for processes competing for the
// same serial bus.
//
// Every process polling a lock file with the same fixed interval would retry in
// lock step. JitteredClock multiplies each requested delay by a random integer
// factor (×1 to ×10 by default) so competing retriers spread out.
package jitter

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/arloliu/go-pzem/internal/pool"
)

// Default and maximum jitter factors.
const (
	DefaultMinFactor = 1
	DefaultMaxFactor = 10

	MaxFactor = 1000
)

// Clock is the time source used by lock polling and register retries.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Sleep blocks for a jittered multiple of base and returns the slept
	// duration, or ctx.Err() if ctx ends first.
	Sleep(ctx context.Context, base time.Duration) (time.Duration, error)
}

// JitteredClock is a Clock whose sleeps are scaled by a uniform random factor.
//
// It is safe for concurrent use.
type JitteredClock struct {
	minFactor int
	maxFactor int

	mu  sync.Mutex
	rng *rand.Rand
}

var _ Clock = (*JitteredClock)(nil)

// Option is a functional option for configuring a JitteredClock.
type Option interface {
	apply(*JitteredClock) error
}

type optFunc func(*JitteredClock) error

func (f optFunc) apply(c *JitteredClock) error { return f(c) }

// WithFactorRange sets the inclusive range of the random multiplier.
// Both bounds must be in [1, MaxFactor] and min must not exceed max.
func WithFactorRange(minFactor, maxFactor int) Option {
	return optFunc(func(c *JitteredClock) error {
		if minFactor < 1 || maxFactor > MaxFactor || minFactor > maxFactor {
			return fmt.Errorf("jitter: factor range [%d, %d] invalid, want 1 <= min <= max <= %d",
				minFactor, maxFactor, MaxFactor)
		}
		c.minFactor = minFactor
		c.maxFactor = maxFactor

		return nil
	})
}

// WithSeed seeds the random source, making the factor sequence reproducible.
func WithSeed(seed int64) Option {
	return optFunc(func(c *JitteredClock) error {
		c.rng = rand.New(rand.NewSource(seed)) //nolint:gosec

		return nil
	})
}

// New creates a JitteredClock. Without options the factor range is ×1..×10
// and the random source is seeded from the current time.
func New(opts ...Option) (*JitteredClock, error) {
	c := &JitteredClock{
		minFactor: DefaultMinFactor,
		maxFactor: DefaultMaxFactor,
	}

	for _, opt := range opts {
		if err := opt.apply(c); err != nil {
			return nil, err
		}
	}

	if c.rng == nil {
		c.rng = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec
	}

	return c, nil
}

// Default returns a JitteredClock with the default factor range.
func Default() *JitteredClock {
	c, _ := New()
	return c
}

// Now returns the current wall clock time.
func (c *JitteredClock) Now() time.Time {
	return time.Now()
}

// Factor draws the next random multiplier.
func (c *JitteredClock) Factor() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.minFactor + c.rng.Intn(c.maxFactor-c.minFactor+1)
}

// Delay returns base scaled by the next random factor.
func (c *JitteredClock) Delay(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}

	return base * time.Duration(c.Factor())
}

// Sleep blocks for Delay(base).
func (c *JitteredClock) Sleep(ctx context.Context, base time.Duration) (time.Duration, error) {
	d := c.Delay(base)
	if err := pool.Sleep(ctx, d); err != nil {
		return 0, err
	}

	return d, nil
}
