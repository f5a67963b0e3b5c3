package session

import (
	"context"
	"io"

	"github.com/arloliu/go-pzem/meter"
	"github.com/arloliu/go-pzem/meter/rtu"
)

// Conn is an open bus connection.
type Conn interface {
	meter.Transport
	io.Closer
}

// Dialer opens the bus connection once the device is locked.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialFunc adapts a function to a Dialer.
type DialFunc func(ctx context.Context) (Conn, error)

// Dial calls f.
func (f DialFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// RTU adapts a Modbus RTU dialer.
func RTU(d *rtu.Dialer) Dialer {
	return DialFunc(func(ctx context.Context) (Conn, error) {
		t, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}

		return t, nil
	})
}
