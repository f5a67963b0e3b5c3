package rtu

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-pzem/logger"
	"github.com/arloliu/go-pzem/meter"
)

type fakeClient struct {
	data     []byte
	err      error
	function string
	address  uint16
	quantity uint16
}

func (c *fakeClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	c.function, c.address, c.quantity = "input", address, quantity
	return c.data, c.err
}

func (c *fakeClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	c.function, c.address, c.quantity = "holding", address, quantity
	return c.data, c.err
}

func (c *fakeClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	c.function, c.address, c.quantity = "write", address, value
	return c.data, c.err
}

type closeCounter struct{ n int }

func (c *closeCounter) Close() error {
	c.n++
	return nil
}

func TestNewDialer_Defaults(t *testing.T) {
	d, err := NewDialer("/dev/ttyUSB0")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", d.Device())
	assert.Equal(t, 1, d.SlaveID())
	assert.Equal(t, DefaultBaudRate, d.baudRate)
	assert.Equal(t, DefaultResponseTimeout, d.responseTimeout)
	assert.Equal(t, InputRegisters, d.kind)
}

func TestNewDialer_Invalid(t *testing.T) {
	_, err := NewDialer("")
	require.Error(t, err)

	for _, opt := range []Option{
		WithSlaveID(0),
		WithSlaveID(248),
		WithBaudRate(0),
		WithResponseTimeout(50 * time.Millisecond),
		WithResponseTimeout(time.Minute),
		WithByteTimeout(time.Second),
		WithRegisterKind(RegisterKind(9)),
		WithLogger(nil),
	} {
		_, err := NewDialer("/dev/ttyUSB0", opt)
		assert.Error(t, err)
	}

	d, err := NewDialer("/dev/ttyUSB0", WithByteTimeout(0), WithSlaveID(247))
	require.NoError(t, err)
	assert.Equal(t, 247, d.SlaveID())
}

func TestParseRegisterKind(t *testing.T) {
	k, err := ParseRegisterKind("Holding")
	require.NoError(t, err)
	assert.Equal(t, HoldingRegisters, k)
	assert.Equal(t, "holding", k.String())

	k, err = ParseRegisterKind("")
	require.NoError(t, err)
	assert.Equal(t, InputRegisters, k)

	_, err = ParseRegisterKind("coils")
	assert.Error(t, err)
}

func TestTransport_ReadRegisters(t *testing.T) {
	client := &fakeClient{data: []byte{0x07, 0xd0, 0x00, 0x01}}
	tr := newTransport(client, nil, InputRegisters)

	words, err := tr.ReadRegisters(0x0001, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{2000, 1}, words)
	assert.Equal(t, "input", client.function)
	assert.EqualValues(t, 2, client.quantity)

	tr = newTransport(client, nil, HoldingRegisters)
	_, err = tr.ReadRegisters(0x0000, 1)
	require.NoError(t, err)
	assert.Equal(t, "holding", client.function)
}

func TestTransport_OddReply(t *testing.T) {
	tr := newTransport(&fakeClient{data: []byte{1, 2, 3}}, nil, InputRegisters)

	_, err := tr.ReadRegisters(0, 2)
	assert.ErrorIs(t, err, meter.ErrTransport)
}

func TestTransport_WriteAndClose(t *testing.T) {
	client := &fakeClient{}
	closer := &closeCounter{}
	tr := newTransport(client, closer, InputRegisters)

	require.NoError(t, tr.WriteRegister(0x0002, 5))
	assert.Equal(t, "write", client.function)
	assert.EqualValues(t, 5, client.quantity)

	require.NoError(t, tr.Close())
	assert.Equal(t, 1, closer.n)
}

func TestClassify(t *testing.T) {
	illegal := &modbus.ModbusError{FunctionCode: 0x86, ExceptionCode: modbus.ExceptionCodeIllegalFunction}
	assert.ErrorIs(t, classify(illegal), meter.ErrIllegalFunction)

	busy := &modbus.ModbusError{FunctionCode: 0x84, ExceptionCode: modbus.ExceptionCodeServerDeviceBusy}
	err := classify(busy)
	assert.ErrorIs(t, err, meter.ErrTransport)
	assert.NotErrorIs(t, err, meter.ErrIllegalFunction)

	assert.ErrorIs(t, classify(errors.New("serial: timeout")), meter.ErrTimeout)
	assert.ErrorIs(t, classify(os.ErrDeadlineExceeded), meter.ErrTimeout)
	assert.ErrorIs(t, classify(errors.New("modbus: response crc mismatch")), meter.ErrTransport)

	tr := newTransport(&fakeClient{err: illegal}, nil, InputRegisters)
	require.ErrorIs(t, tr.WriteRegister(2, 1), meter.ErrIllegalFunction)
}

func TestDial_MissingPort(t *testing.T) {
	d, err := NewDialer("/dev/does-not-exist-pzem", WithLogger(logger.NewMockLogger().AllowAll()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	_, err = d.Dial(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, meter.ErrTransport)
}

func TestTraceWriter(t *testing.T) {
	ml := logger.NewMockLogger()
	ml.On("Debug", "rtu: trace", []any{"frame", "modbus: sending 01 04"}).Once()

	w := &traceWriter{logger: ml}
	n, err := w.Write([]byte("modbus: sending 01 04\n"))
	require.NoError(t, err)
	assert.Equal(t, 22, n)
	ml.AssertExpectations(t)
}
