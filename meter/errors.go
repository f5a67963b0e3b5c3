package meter

import (
	"errors"
	"fmt"
)

// Transport failure classes. Transport implementations wrap one of them.
var (
	// ErrTimeout indicates that the device did not answer in time, or that
	// all read attempts failed.
	ErrTimeout = errors.New("timeout")

	// ErrIllegalFunction indicates that the device rejected the request with
	// the illegal function exception.
	ErrIllegalFunction = errors.New("illegal function")

	// ErrTransport indicates any other bus failure, including malformed replies.
	ErrTransport = errors.New("transport failure")
)

var (
	// ErrInvalidWordCount indicates a register read of other than 1 or 2 words.
	ErrInvalidWordCount = errors.New("word count must be 1 or 2")

	// ErrInvalidScale indicates a non-positive scale divisor.
	ErrInvalidScale = errors.New("scale must be positive")
)

// RegisterError describes a failed register operation.
type RegisterError struct {
	Op       string
	Address  uint16
	Attempts int
	// Hint is an optional remedy shown to the user.
	Hint string
	Err  error
}

func (e *RegisterError) Error() string {
	msg := fmt.Sprintf("meter: %s register 0x%04x failed", e.Op, e.Address)
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	msg += ": " + e.Err.Error()
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}

	return msg
}

func (e *RegisterError) Unwrap() error { return e.Err }
