package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-pzem/meter"
	"github.com/arloliu/go-pzem/pzem"
	"github.com/arloliu/go-pzem/serlock"
)

func TestRegisterAndWriteTextfile(t *testing.T) {
	reg := NewRegistry()

	var lockMetrics serlock.Metrics
	var meterMetrics meter.Metrics
	require.NoError(t, RegisterLock(reg, &lockMetrics))
	require.NoError(t, RegisterMeter(reg, &meterMetrics))

	gauges, err := NewReadingGauges(reg)
	require.NoError(t, err)

	lockMetrics.AcquireCount.Add(3)
	lockMetrics.StaleReclaimCount.Add(1)
	meterMetrics.ReadRetryCount.Add(7)
	gauges.Observe("/dev/ttyUSB0", []pzem.Reading{
		{Quantity: pzem.Voltage, Value: 230.5},
		{Quantity: pzem.Current, Value: 1.25},
	})

	path := filepath.Join(t.TempDir(), "pzem.prom")
	require.NoError(t, WriteTextfile(path, reg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)

	assert.Contains(t, text, "pzem_lock_acquire_total 3")
	assert.Contains(t, text, "pzem_lock_stale_reclaim_total 1")
	assert.Contains(t, text, "pzem_register_read_retry_total 7")
	assert.Contains(t, text, `pzem_reading{device="/dev/ttyUSB0",quantity="voltage",unit="V"} 230.5`)
	assert.Contains(t, text, `pzem_reading{device="/dev/ttyUSB0",quantity="current",unit="A"} 1.25`)
}

func TestRegister_Duplicate(t *testing.T) {
	reg := NewRegistry()

	var m serlock.Metrics
	require.NoError(t, RegisterLock(reg, &m))
	assert.Error(t, RegisterLock(reg, &m))

	_, err := NewReadingGauges(reg)
	require.NoError(t, err)
	_, err = NewReadingGauges(reg)
	assert.Error(t, err)
}
