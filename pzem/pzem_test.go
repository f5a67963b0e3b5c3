package pzem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-pzem/meter"
)

// registerBank is a meter.Transport backed by a register array.
type registerBank struct {
	regs   [16]uint16
	failAt map[uint16]error
	reads  []uint16
	writes map[uint16]uint16
}

func (b *registerBank) ReadRegisters(address uint16, count uint8) ([]uint16, error) {
	b.reads = append(b.reads, address)
	if err := b.failAt[address]; err != nil {
		return nil, err
	}

	return append([]uint16(nil), b.regs[address:address+uint16(count)]...), nil
}

func (b *registerBank) WriteRegister(address uint16, value uint16) error {
	if err := b.failAt[address]; err != nil {
		return err
	}
	if b.writes == nil {
		b.writes = make(map[uint16]uint16)
	}
	b.writes[address] = value

	return nil
}

func newBank() *registerBank {
	b := &registerBank{}
	b.regs[0x0000] = 2305   // 230.5 V
	b.regs[0x0001] = 2000   // 67.536 A, low word
	b.regs[0x0002] = 1      // high word
	b.regs[0x0003] = 12345  // 1234.5 W
	b.regs[0x0005] = 0x86a0 // 100000 Wh
	b.regs[0x0006] = 0x0001
	b.regs[0x0007] = 500 // 50.0 Hz
	b.regs[0x0008] = 95

	return b
}

func TestAll_Order(t *testing.T) {
	qs := All()
	require.Len(t, qs, 6)

	names := make([]string, 0, len(qs))
	for _, q := range qs {
		names = append(names, q.Tag)
	}
	assert.Equal(t, []string{"V", "C", "P", "TE", "F", "PF"}, names)

	// callers get a copy
	qs[0].Name = "changed"
	assert.Equal(t, "Voltage", All()[0].Name)
}

func TestLookup(t *testing.T) {
	q, err := Lookup("voltage")
	require.NoError(t, err)
	assert.Equal(t, Voltage, q)

	q, err = Lookup("te")
	require.NoError(t, err)
	assert.Equal(t, Energy, q)

	_, err = Lookup("reactive")
	assert.ErrorIs(t, err, ErrUnknownQuantity)
}

func TestReadAll(t *testing.T) {
	bank := newBank()
	r, err := meter.NewReader(bank)
	require.NoError(t, err)

	readings, err := ReadAll(context.Background(), r, All(), 1)
	require.NoError(t, err)
	require.Len(t, readings, 6)

	want := []float64{230.5, 67.536, 1234.5, 100000, 50.0, 95}
	for i, rd := range readings {
		assert.InDelta(t, want[i], rd.Value, 1e-9, rd.Quantity.Name)
	}
	assert.Equal(t, []uint16{0, 1, 3, 5, 7, 8}, bank.reads)
}

func TestReadAll_NoPartialResult(t *testing.T) {
	bank := newBank()
	bank.failAt = map[uint16]error{Power.Address: meter.ErrTimeout}
	r, err := meter.NewReader(bank)
	require.NoError(t, err)

	readings, err := ReadAll(context.Background(), r, All(), 3)
	require.ErrorIs(t, err, meter.ErrTimeout)
	assert.Nil(t, readings)
	assert.Contains(t, err.Error(), "read power")

	// voltage, current, then three attempts at power
	assert.Equal(t, []uint16{0, 1, 3, 3, 3}, bank.reads)
}

func TestSetAddress(t *testing.T) {
	bank := newBank()
	r, err := meter.NewReader(bank)
	require.NoError(t, err)

	require.NoError(t, SetAddress(context.Background(), r, 17))
	assert.EqualValues(t, 17, bank.writes[DeviceAddressRegister])

	assert.Error(t, SetAddress(context.Background(), r, 0))
	assert.Error(t, SetAddress(context.Background(), r, 248))
	assert.NoError(t, ValidateAddress(247))
}
