// Package pzem describes the measurement registers of PZEM-016 style AC
// energy meters and reads them through a meter.Reader.
package pzem

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/arloliu/go-pzem/meter"
)

// DeviceAddressRegister holds the Modbus address of the meter. It is writable
// while the meter is in configuration mode.
const DeviceAddressRegister uint16 = 0x0002

// Valid device addresses.
const (
	MinAddress = 1
	MaxAddress = 247
)

// ErrUnknownQuantity indicates a quantity name that is not in the register map.
var ErrUnknownQuantity = errors.New("unknown quantity")

// Quantity is one measured value and the registers it lives in.
type Quantity struct {
	// Name is the long name, e.g. "Voltage".
	Name string
	// Tag is the short name used by the tagged output format, e.g. "V".
	Tag     string
	Unit    string
	Address uint16
	Words   int
	Scale   float64
}

// Request returns the read request for q.
func (q Quantity) Request(maxAttempts int) meter.ReadRequest {
	return meter.ReadRequest{Address: q.Address, Words: q.Words, Scale: q.Scale, MaxAttempts: maxAttempts}
}

// Register map, in the order the meter lays it out.
var (
	Voltage     = Quantity{Name: "Voltage", Tag: "V", Unit: "V", Address: 0x0000, Words: 1, Scale: 10}
	Current     = Quantity{Name: "Current", Tag: "C", Unit: "A", Address: 0x0001, Words: 2, Scale: 1000}
	Power       = Quantity{Name: "Power", Tag: "P", Unit: "W", Address: 0x0003, Words: 2, Scale: 10}
	Energy      = Quantity{Name: "Energy", Tag: "TE", Unit: "Wh", Address: 0x0005, Words: 2, Scale: 1}
	Frequency   = Quantity{Name: "Frequency", Tag: "F", Unit: "Hz", Address: 0x0007, Words: 1, Scale: 10}
	PowerFactor = Quantity{Name: "PowerFactor", Tag: "PF", Unit: "", Address: 0x0008, Words: 1, Scale: 1}
)

var all = []Quantity{Voltage, Current, Power, Energy, Frequency, PowerFactor}

// All returns every quantity in register order.
func All() []Quantity {
	return append([]Quantity(nil), all...)
}

// Lookup finds a quantity by name or tag, ignoring case.
func Lookup(name string) (Quantity, error) {
	for _, q := range all {
		if strings.EqualFold(q.Name, name) || strings.EqualFold(q.Tag, name) {
			return q, nil
		}
	}

	return Quantity{}, fmt.Errorf("pzem: %w %q", ErrUnknownQuantity, name)
}

// Reading is a decoded measurement.
type Reading struct {
	Quantity Quantity
	Value    float64
}

// ReadAll reads qs in order. The first failure aborts the whole read and no
// partial result is returned.
func ReadAll(ctx context.Context, r *meter.Reader, qs []Quantity, maxAttempts int) ([]Reading, error) {
	readings := make([]Reading, 0, len(qs))
	for _, q := range qs {
		v, err := r.ReadMeasurement(ctx, q.Request(maxAttempts))
		if err != nil {
			return nil, fmt.Errorf("pzem: read %s: %w", strings.ToLower(q.Name), err)
		}
		readings = append(readings, Reading{Quantity: q, Value: v})
	}

	return readings, nil
}

// ValidateAddress checks that addr is a usable device address.
func ValidateAddress(addr int) error {
	if addr < MinAddress || addr > MaxAddress {
		return fmt.Errorf("pzem: device address %d out of range [%d, %d]", addr, MinAddress, MaxAddress)
	}

	return nil
}

// SetAddress writes a new device address. The meter only accepts it in
// configuration mode.
func SetAddress(ctx context.Context, r *meter.Reader, addr int) error {
	if err := ValidateAddress(addr); err != nil {
		return err
	}

	return r.WriteMeasurement(ctx, DeviceAddressRegister, uint16(addr))
}
