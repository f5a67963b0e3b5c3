package meter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-pzem/logger"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) ReadRegisters(address uint16, count uint8) ([]uint16, error) {
	args := m.Called(address, count)
	words, _ := args.Get(0).([]uint16)

	return words, args.Error(1)
}

func (m *mockTransport) WriteRegister(address uint16, value uint16) error {
	return m.Called(address, value).Error(0)
}

func newTestReader(t *testing.T, tr Transport, opts ...Option) *Reader {
	t.Helper()

	r, err := NewReader(tr, opts...)
	require.NoError(t, err)

	return r
}

func TestDecode(t *testing.T) {
	v, err := Decode([]uint16{1000, 0}, 10)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, v, 1e-9)

	v, err = Decode([]uint16{2000, 1}, 1000)
	require.NoError(t, err)
	assert.InDelta(t, 67.536, v, 1e-9)

	v, err = Decode([]uint16{2305}, 10)
	require.NoError(t, err)
	assert.InDelta(t, 230.5, v, 1e-9)

	// single words are unsigned
	v, err = Decode([]uint16{0xffff}, 1)
	require.NoError(t, err)
	assert.InDelta(t, 65535.0, v, 1e-9)

	// double words are signed
	v, err = Decode([]uint16{0xfffe, 0xffff}, 1)
	require.NoError(t, err)
	assert.InDelta(t, -2.0, v, 1e-9)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode(nil, 10)
	assert.ErrorIs(t, err, ErrInvalidWordCount)

	_, err = Decode([]uint16{1, 2, 3}, 10)
	assert.ErrorIs(t, err, ErrInvalidWordCount)

	_, err = Decode([]uint16{1}, 0)
	assert.ErrorIs(t, err, ErrInvalidScale)

	_, err = Decode([]uint16{1}, -1)
	assert.ErrorIs(t, err, ErrInvalidScale)
}

func TestNewReader_Invalid(t *testing.T) {
	_, err := NewReader(nil)
	require.Error(t, err)

	tr := &mockTransport{}
	for _, opt := range []Option{
		WithMaxAttempts(0),
		WithMaxAttempts(MaxAttempts + 1),
		WithCommandDelay(-time.Millisecond),
		WithCommandDelay(MaxCommandDelay + time.Millisecond),
		WithLogger(nil),
		WithMetrics(nil),
	} {
		_, err := NewReader(tr, opt)
		assert.Error(t, err)
	}
}

func TestReadMeasurement_Success(t *testing.T) {
	tr := &mockTransport{}
	tr.On("ReadRegisters", uint16(0x0001), uint8(2)).Return([]uint16{2000, 1}, nil).Once()

	r := newTestReader(t, tr)
	v, err := r.ReadMeasurement(context.Background(), ReadRequest{Address: 0x0001, Words: 2, Scale: 1000})
	require.NoError(t, err)
	assert.InDelta(t, 67.536, v, 1e-9)

	tr.AssertExpectations(t)
	assert.EqualValues(t, 1, r.Metrics().ReadCount.Load())
	assert.Zero(t, r.Metrics().ReadRetryCount.Load())
}

func TestReadMeasurement_BoundedRetry(t *testing.T) {
	tr := &mockTransport{}
	tr.On("ReadRegisters", uint16(0x0000), uint8(1)).Return(nil, fmt.Errorf("no reply: %w", ErrTimeout))

	ml := logger.NewMockLogger()
	ml.On("Debug", "meter: register read failed, retrying", mock.Anything).Times(4)
	ml.On("Error", "meter: register read failed", mock.Anything).Once()

	r := newTestReader(t, tr, WithLogger(ml))
	_, err := r.ReadMeasurement(context.Background(), ReadRequest{Address: 0x0000, Words: 1, Scale: 10, MaxAttempts: 5})
	require.ErrorIs(t, err, ErrTimeout)

	var rerr *RegisterError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "read", rerr.Op)
	assert.Equal(t, 5, rerr.Attempts)
	assert.Contains(t, err.Error(), "no reply")

	tr.AssertNumberOfCalls(t, "ReadRegisters", 5)
	ml.AssertExpectations(t)

	assert.EqualValues(t, 4, r.Metrics().ReadRetryCount.Load())
	assert.EqualValues(t, 1, r.Metrics().ReadFailCount.Load())
}

func TestReadMeasurement_RecoversAfterFailures(t *testing.T) {
	tr := &mockTransport{}
	tr.On("ReadRegisters", uint16(0x0007), uint8(1)).Return(nil, ErrTransport).Twice()
	tr.On("ReadRegisters", uint16(0x0007), uint8(1)).Return([]uint16{500}, nil).Once()

	r := newTestReader(t, tr, WithMaxAttempts(3))
	v, err := r.ReadMeasurement(context.Background(), ReadRequest{Address: 0x0007, Words: 1, Scale: 10})
	require.NoError(t, err)
	assert.InDelta(t, 50.0, v, 1e-9)
	tr.AssertNumberOfCalls(t, "ReadRegisters", 3)
}

func TestReadMeasurement_ShortReplyIsTransportError(t *testing.T) {
	tr := &mockTransport{}
	tr.On("ReadRegisters", uint16(0x0003), uint8(2)).Return([]uint16{1}, nil)

	r := newTestReader(t, tr, WithMaxAttempts(2))
	_, err := r.ReadMeasurement(context.Background(), ReadRequest{Address: 0x0003, Words: 2, Scale: 10})
	require.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrTransport)
	tr.AssertNumberOfCalls(t, "ReadRegisters", 2)
}

func TestReadMeasurement_InvalidRequest(t *testing.T) {
	tr := &mockTransport{}
	r := newTestReader(t, tr)

	_, err := r.ReadMeasurement(context.Background(), ReadRequest{Words: 3, Scale: 1})
	assert.ErrorIs(t, err, ErrInvalidWordCount)

	_, err = r.ReadMeasurement(context.Background(), ReadRequest{Words: 1})
	assert.ErrorIs(t, err, ErrInvalidScale)

	tr.AssertNotCalled(t, "ReadRegisters", mock.Anything, mock.Anything)
}

func TestReadMeasurement_CommandDelay(t *testing.T) {
	tr := &mockTransport{}
	tr.On("ReadRegisters", uint16(0), uint8(1)).Return([]uint16{1}, nil)

	r := newTestReader(t, tr, WithCommandDelay(10*time.Millisecond))

	begin := time.Now()
	_, err := r.ReadMeasurement(context.Background(), ReadRequest{Words: 1, Scale: 1})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(begin), 10*time.Millisecond)
}

func TestReadMeasurement_Cancelled(t *testing.T) {
	tr := &mockTransport{}
	r := newTestReader(t, tr, WithCommandDelay(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.ReadMeasurement(ctx, ReadRequest{Words: 1, Scale: 1})
	require.ErrorIs(t, err, context.Canceled)
	tr.AssertNotCalled(t, "ReadRegisters", mock.Anything, mock.Anything)
}

func TestWriteMeasurement(t *testing.T) {
	tr := &mockTransport{}
	tr.On("WriteRegister", uint16(0x0002), uint16(7)).Return(nil).Once()

	r := newTestReader(t, tr)
	require.NoError(t, r.WriteMeasurement(context.Background(), 0x0002, 7))
	assert.EqualValues(t, 1, r.Metrics().WriteCount.Load())
}

func TestWriteMeasurement_IllegalFunction(t *testing.T) {
	tr := &mockTransport{}
	tr.On("WriteRegister", uint16(0x0002), uint16(7)).Return(fmt.Errorf("exception 1: %w", ErrIllegalFunction)).Once()

	r := newTestReader(t, tr, WithMaxAttempts(5))
	err := r.WriteMeasurement(context.Background(), 0x0002, 7)
	require.ErrorIs(t, err, ErrIllegalFunction)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "not in configuration mode")

	// writes are never retried
	tr.AssertNumberOfCalls(t, "WriteRegister", 1)
	assert.EqualValues(t, 1, r.Metrics().WriteFailCount.Load())
}

func TestWriteMeasurement_OtherFailure(t *testing.T) {
	tr := &mockTransport{}
	tr.On("WriteRegister", uint16(0x0002), uint16(7)).Return(ErrTimeout).Once()

	r := newTestReader(t, tr)
	err := r.WriteMeasurement(context.Background(), 0x0002, 7)
	require.ErrorIs(t, err, ErrTimeout)

	var rerr *RegisterError
	require.True(t, errors.As(err, &rerr))
	assert.Empty(t, rerr.Hint)
}

func TestWithMetrics_Shared(t *testing.T) {
	tr := &mockTransport{}
	tr.On("ReadRegisters", uint16(0), uint8(1)).Return([]uint16{1}, nil)

	shared := &Metrics{}
	a := newTestReader(t, tr, WithMetrics(shared))
	b := newTestReader(t, tr, WithMetrics(shared))

	for _, r := range []*Reader{a, b} {
		_, err := r.ReadMeasurement(context.Background(), ReadRequest{Words: 1, Scale: 1})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, shared.ReadCount.Load())
	assert.Same(t, shared, a.Metrics())
}
