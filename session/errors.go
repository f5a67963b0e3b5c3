package session

import (
	"context"
	"errors"

	"github.com/arloliu/go-pzem/meter"
	"github.com/arloliu/go-pzem/serlock"
)

// ErrInvalidConfig indicates a session parameter out of range. It is
// reported before the device is locked or the bus is touched.
var ErrInvalidConfig = errors.New("invalid session configuration")

// Failure categories reported by Category.
const (
	CategoryConfig                   = "config"
	CategoryLockTimeout              = "lock-timeout"
	CategoryLockIO                   = "lock-io"
	CategoryTransportTimeout         = "transport-timeout"
	CategoryTransportIllegalFunction = "transport-illegal-function"
	CategoryTransport                = "transport"
	CategoryCancelled                = "cancelled"
	CategoryUnknown                  = "unknown"
)

// Category maps a Run error to the failure category shown to users.
// It returns "" for a nil error.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidConfig):
		return CategoryConfig
	case errors.Is(err, serlock.ErrLockTimeout):
		return CategoryLockTimeout
	case errors.Is(err, serlock.ErrLockFileIO):
		return CategoryLockIO
	case errors.Is(err, meter.ErrTimeout):
		return CategoryTransportTimeout
	case errors.Is(err, meter.ErrIllegalFunction):
		return CategoryTransportIllegalFunction
	case errors.Is(err, meter.ErrTransport):
		return CategoryTransport
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CategoryCancelled
	default:
		return CategoryUnknown
	}
}
