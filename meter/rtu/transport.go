package rtu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goburrow/modbus"

	"github.com/arloliu/go-pzem/meter"
)

// registerClient is the part of modbus.Client a Transport uses.
type registerClient interface {
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
}

// Transport is a meter.Transport on an open serial port.
type Transport struct {
	client registerClient
	closer io.Closer
	kind   RegisterKind
}

var (
	_ meter.Transport = (*Transport)(nil)
	_ io.Closer       = (*Transport)(nil)
)

func newTransport(client registerClient, closer io.Closer, kind RegisterKind) *Transport {
	return &Transport{client: client, closer: closer, kind: kind}
}

// ReadRegisters reads count registers at address with the configured function.
func (t *Transport) ReadRegisters(address uint16, count uint8) ([]uint16, error) {
	var (
		data []byte
		err  error
	)
	if t.kind == HoldingRegisters {
		data, err = t.client.ReadHoldingRegisters(address, uint16(count))
	} else {
		data, err = t.client.ReadInputRegisters(address, uint16(count))
	}
	if err != nil {
		return nil, classify(err)
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd reply length %d", meter.ErrTransport, len(data))
	}

	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[2*i:])
	}

	return words, nil
}

// WriteRegister writes a single holding register.
func (t *Transport) WriteRegister(address uint16, value uint16) error {
	if _, err := t.client.WriteSingleRegister(address, value); err != nil {
		return classify(err)
	}

	return nil
}

// Close closes the serial port.
func (t *Transport) Close() error {
	if t.closer == nil {
		return nil
	}

	return t.closer.Close()
}

// classify wraps err with the meter failure class it belongs to.
func classify(err error) error {
	var merr *modbus.ModbusError
	if errors.As(err, &merr) {
		if merr.ExceptionCode == modbus.ExceptionCodeIllegalFunction {
			return fmt.Errorf("%w: %w", meter.ErrIllegalFunction, err)
		}

		return fmt.Errorf("%w: %w", meter.ErrTransport, err)
	}

	if isTimeout(err) {
		return fmt.Errorf("%w: %w", meter.ErrTimeout, err)
	}

	return fmt.Errorf("%w: %w", meter.ErrTransport, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return true
	}

	// the serial driver reports read timeouts as plain errors
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
