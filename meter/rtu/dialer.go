// Package rtu provides a meter.Transport speaking Modbus RTU on a serial port.
package rtu

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/goburrow/modbus"

	"github.com/arloliu/go-pzem/logger"
)

// Serial line defaults, 9600 8N1.
const (
	DefaultBaudRate = 9600
	DefaultDataBits = 8
	DefaultStopBits = 1
	DefaultParity   = "N"

	DefaultResponseTimeout = 200 * time.Millisecond
)

// Range limits.
const (
	MinSlaveID = 1
	MaxSlaveID = 247

	MinResponseTimeout = 100 * time.Millisecond
	MaxResponseTimeout = 50 * time.Second

	MinByteTimeout = 1 * time.Millisecond
	MaxByteTimeout = 500 * time.Millisecond
)

// RegisterKind selects which Modbus read function fetches measurements.
type RegisterKind uint8

const (
	// InputRegisters reads with function 0x04.
	InputRegisters RegisterKind = iota
	// HoldingRegisters reads with function 0x03.
	HoldingRegisters
)

// String returns string representation of the register kind.
func (k RegisterKind) String() string {
	switch k {
	case InputRegisters:
		return "input"
	case HoldingRegisters:
		return "holding"
	default:
		return "unknown"
	}
}

// ParseRegisterKind parses "input" or "holding".
func ParseRegisterKind(s string) (RegisterKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "input", "":
		return InputRegisters, nil
	case "holding":
		return HoldingRegisters, nil
	default:
		return 0, fmt.Errorf("rtu: unknown register kind %q", s)
	}
}

// Dialer opens RTU transports to one device.
type Dialer struct {
	device          string
	slaveID         byte
	baudRate        int
	responseTimeout time.Duration
	byteTimeout     time.Duration
	kind            RegisterKind
	trace           bool
	logger          logger.Logger
}

// Option is a functional option for configuring a Dialer.
type Option interface {
	apply(*Dialer) error
}

type optFunc func(*Dialer) error

func (f optFunc) apply(d *Dialer) error { return f(d) }

// WithSlaveID sets the Modbus address of the device.
func WithSlaveID(id int) Option {
	return optFunc(func(d *Dialer) error {
		if id < MinSlaveID || id > MaxSlaveID {
			return fmt.Errorf("rtu: slave id %d out of range [%d, %d]", id, MinSlaveID, MaxSlaveID)
		}
		d.slaveID = byte(id)

		return nil
	})
}

// WithBaudRate sets the serial speed.
func WithBaudRate(baud int) Option {
	return optFunc(func(d *Dialer) error {
		if baud <= 0 {
			return fmt.Errorf("rtu: baud rate %d invalid", baud)
		}
		d.baudRate = baud

		return nil
	})
}

// WithResponseTimeout sets how long to wait for a reply.
func WithResponseTimeout(timeout time.Duration) Option {
	return optFunc(func(d *Dialer) error {
		if timeout < MinResponseTimeout || timeout > MaxResponseTimeout {
			return fmt.Errorf("rtu: response timeout %v out of range [%v, %v]", timeout, MinResponseTimeout, MaxResponseTimeout)
		}
		d.responseTimeout = timeout

		return nil
	})
}

// WithByteTimeout sets the inter-byte timeout; zero disables it.
//
// The serial driver only knows a single read timeout, so a non-zero value is
// validated and logged but the response timeout governs every read.
func WithByteTimeout(timeout time.Duration) Option {
	return optFunc(func(d *Dialer) error {
		if timeout != 0 && (timeout < MinByteTimeout || timeout > MaxByteTimeout) {
			return fmt.Errorf("rtu: byte timeout %v out of range [%v, %v]", timeout, MinByteTimeout, MaxByteTimeout)
		}
		d.byteTimeout = timeout

		return nil
	})
}

// WithRegisterKind selects the read function.
func WithRegisterKind(kind RegisterKind) Option {
	return optFunc(func(d *Dialer) error {
		if kind != InputRegisters && kind != HoldingRegisters {
			return fmt.Errorf("rtu: register kind %d invalid", kind)
		}
		d.kind = kind

		return nil
	})
}

// WithTrace logs every frame on the bus at debug level.
func WithTrace(enabled bool) Option {
	return optFunc(func(d *Dialer) error {
		d.trace = enabled
		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(d *Dialer) error {
		if l == nil {
			return errors.New("rtu: logger is nil")
		}
		d.logger = l

		return nil
	})
}

// NewDialer creates a Dialer for the serial port device, e.g. "/dev/ttyUSB0".
func NewDialer(device string, opts ...Option) (*Dialer, error) {
	if device == "" {
		return nil, errors.New("rtu: device is empty")
	}

	d := &Dialer{
		device:          device,
		slaveID:         MinSlaveID,
		baudRate:        DefaultBaudRate,
		responseTimeout: DefaultResponseTimeout,
		kind:            InputRegisters,
		logger:          logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(d); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// Device returns the serial port path.
func (d *Dialer) Device() string { return d.device }

// SlaveID returns the Modbus address.
func (d *Dialer) SlaveID() int { return int(d.slaveID) }

// Dial opens the serial port.
func (d *Dialer) Dial(ctx context.Context) (*Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := modbus.NewRTUClientHandler(d.device)
	h.BaudRate = d.baudRate
	h.DataBits = DefaultDataBits
	h.StopBits = DefaultStopBits
	h.Parity = DefaultParity
	h.SlaveId = d.slaveID
	h.Timeout = d.responseTimeout
	if d.trace {
		h.Logger = log.New(&traceWriter{logger: d.logger}, "", 0)
	}
	if d.byteTimeout > 0 {
		d.logger.Debug("rtu: byte timeout is covered by the response timeout",
			"byte_timeout", d.byteTimeout, "response_timeout", d.responseTimeout)
	}

	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("rtu: open %s: %w", d.device, classify(err))
	}

	d.logger.Debug("rtu: serial port opened", "device", d.device, "slave_id", d.slaveID,
		"baud", d.baudRate, "registers", d.kind.String())

	return newTransport(modbus.NewClient(h), h, d.kind), nil
}

// traceWriter forwards the modbus package's frame log to a Logger.
type traceWriter struct {
	logger logger.Logger
}

func (w *traceWriter) Write(p []byte) (int, error) {
	w.logger.Debug("rtu: trace", "frame", strings.TrimSpace(string(p)))
	return len(p), nil
}
