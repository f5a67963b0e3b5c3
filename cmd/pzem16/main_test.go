package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-pzem/logger"
	"github.com/arloliu/go-pzem/meter"
	"github.com/arloliu/go-pzem/session"
)

const testDevice = "/dev/ttyUSB0"

// fakeMeter is a PZEM-016 register bank.
type fakeMeter struct {
	regs    [16]uint16
	readErr error
	written map[uint16]uint16
	closed  int
}

func newFakeMeter() *fakeMeter {
	m := &fakeMeter{written: make(map[uint16]uint16)}
	m.regs[0] = 2301  // 230.1 V
	m.regs[1] = 500   // 0.5 A
	m.regs[3] = 1150  // 115 W
	m.regs[5] = 12345 // 12345 Wh
	m.regs[7] = 500   // 50 Hz
	m.regs[8] = 1     // power factor

	return m
}

func (m *fakeMeter) ReadRegisters(address uint16, count uint8) ([]uint16, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}

	return append([]uint16(nil), m.regs[address:address+uint16(count)]...), nil
}

func (m *fakeMeter) WriteRegister(address uint16, value uint16) error {
	m.written[address] = value
	return nil
}

func (m *fakeMeter) Close() error {
	m.closed++
	return nil
}

type harness struct {
	app     *app
	stdout  *bytes.Buffer
	stderr  *bytes.Buffer
	meter   *fakeMeter
	lockDir string
	dialed  *settings
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		stdout:  &bytes.Buffer{},
		stderr:  &bytes.Buffer{},
		meter:   newFakeMeter(),
		lockDir: t.TempDir(),
	}
	h.app = newApp(h.stdout, h.stderr)
	h.app.dial = func(_ string, s *settings, _ logger.Logger) (session.Dialer, error) {
		h.dialed = s
		return session.DialFunc(func(context.Context) (session.Conn, error) {
			return h.meter, nil
		}), nil
	}

	return h
}

func (h *harness) run(args ...string) int {
	return h.exec(append([]string{"--lock-dir", h.lockDir}, args...)...)
}

func (h *harness) exec(args ...string) int {
	return execute(context.Background(), h.app, args)
}

func TestRun_PlainAllValues(t *testing.T) {
	h := newHarness(t)

	code := h.run(testDevice)
	require.Equal(t, exitOK, code, h.stderr.String())

	want := "Voltage: 230.10 V \n" +
		"Current: 0.50 A \n" +
		"Power: 115.00 W \n" +
		"Power Factor: 1.00 \n" +
		"Frequency: 50.00 Hz \n" +
		"Total Active Energy: 12345 Wh \n" +
		"OK\n"
	assert.Equal(t, want, h.stdout.String())
	assert.Equal(t, 1, h.meter.closed)

	data, err := os.ReadFile(filepath.Join(h.lockDir, "LCK..ttyUSB0"))
	require.NoError(t, err)
	assert.Empty(t, string(data), "own entry must be released")
}

func TestRun_CompactSelected(t *testing.T) {
	h := newHarness(t)

	code := h.run("-q", "-t", "-v", testDevice)
	require.Equal(t, exitOK, code, h.stderr.String())

	// output order is fixed whatever the flag order
	assert.Equal(t, "230.10 12345 OK\n", h.stdout.String())
}

func TestRun_Tagged(t *testing.T) {
	h := newHarness(t)

	code := h.run("-m", "-a", "3", "-f", "-v", "-g", testDevice)
	require.Equal(t, exitOK, code, h.stderr.String())

	assert.Equal(t, "3_V(230.10*V)\n3_PF(1.00*F)\n3_F(50.00*Hz)\n", h.stdout.String())
	require.NotNil(t, h.dialed)
	assert.Equal(t, 3, h.dialed.Address)
}

func TestRun_SetAddress(t *testing.T) {
	h := newHarness(t)

	code := h.run("-s", "17", testDevice)
	require.Equal(t, exitOK, code, h.stderr.String())

	assert.Equal(t, "New value 17 for address 0x2\nOK\n", h.stdout.String())
	assert.Equal(t, uint16(17), h.meter.written[0x0002])
}

func TestRun_ReadFailurePrintsNOK(t *testing.T) {
	h := newHarness(t)
	h.meter.readErr = fmt.Errorf("%w: no reply", meter.ErrTimeout)

	code := h.run("-z", "2", "-v", "-c", testDevice)
	assert.Equal(t, exitFailure, code)
	assert.Equal(t, "NOK\n", h.stdout.String(), "no partial values are printed")
	assert.Contains(t, h.stderr.String(), session.CategoryTransportTimeout)
}

func TestRun_TaggedFailurePrintsNothing(t *testing.T) {
	h := newHarness(t)
	h.meter.readErr = fmt.Errorf("%w: no reply", meter.ErrTimeout)

	code := h.run("-m", testDevice)
	assert.Equal(t, exitFailure, code)
	assert.Empty(t, h.stdout.String())
}

func TestRun_LockHeldByLiveProcess(t *testing.T) {
	h := newHarness(t)

	path := filepath.Join(h.lockDir, "LCK..ttyUSB0")
	holder := strconv.Itoa(os.Getppid()) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(holder), 0o644))

	code := h.run("-w", "0", testDevice)
	assert.Equal(t, exitFailure, code)
	assert.Equal(t, "NOK\n", h.stdout.String())
	assert.Contains(t, h.stderr.String(), session.CategoryLockTimeout)
	assert.Zero(t, h.meter.closed, "bus is never opened")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, holder, string(data), "only the holder stays queued")
}

func TestRun_MetricsTextfile(t *testing.T) {
	h := newHarness(t)
	out := filepath.Join(t.TempDir(), "pzem.prom")

	code := h.run("--metrics-textfile", out, "-v", testDevice)
	require.Equal(t, exitOK, code, h.stderr.String())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "pzem_lock_acquire_total 1")
	assert.Contains(t, text, "pzem_lock_release_total 1")
	assert.Contains(t, text, "pzem_register_read_total 1")
	assert.Contains(t, text, `pzem_reading{device="/dev/ttyUSB0",quantity="voltage",unit="V"} 230.1`)
}

func TestRun_UsageErrors(t *testing.T) {
	cases := map[string][]string{
		"no device":            {},
		"two devices":          {testDevice, "/dev/ttyUSB1"},
		"tagged and compact":   {"-m", "-q", testDevice},
		"set with parameters":  {"-s", "5", "-v", testDevice},
		"address zero":         {"-a", "0", testDevice},
		"address too large":    {"-a", "248", testDevice},
		"new address too big":  {"-s", "300", testDevice},
		"retries zero":         {"-z", "0", testDevice},
		"retries too many":     {"-z", "101", testDevice},
		"response timeout":     {"-j", "0", testDevice},
		"byte timeout":         {"-y", "501", testDevice},
		"lock wait":            {"-w", "31", testDevice},
		"debug level":          {"-d", "4", testDevice},
		"unknown flag":         {"--bogus", testDevice},
		"register kind":        {"--registers", "coils", testDevice},
		"log format":           {"--log-format", "xml", testDevice},
		"missing config file":  {"--config", "/nonexistent/pzem16.toml", testDevice},
	}

	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)

			code := h.run(args...)
			assert.Equal(t, exitUsage, code, h.stderr.String())
			assert.Empty(t, h.stdout.String())
		})
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.lockDir, "LCK..ttyUSB0")

	code := h.exec("status", "--lock-dir", h.lockDir, testDevice)
	require.Equal(t, exitOK, code, h.stderr.String())
	assert.Equal(t, path+": free\n", h.stdout.String())

	require.NoError(t, os.WriteFile(path, []byte("100 /usr/bin/pzem16\n200\n"), 0o644))
	h.stdout.Reset()

	code = h.exec("status", "--lock-dir", h.lockDir, testDevice)
	require.Equal(t, exitOK, code, h.stderr.String())
	want := path + ":\n" +
		"  0  owner    100 /usr/bin/pzem16\n" +
		"  1  waiting  200\n"
	assert.Equal(t, want, h.stdout.String())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitUsage, exitCode(fmt.Errorf("wrap: %w", errUsage)))
	assert.Equal(t, exitUsage, exitCode(session.ErrInvalidConfig))
	assert.Equal(t, exitFailure, exitCode(meter.ErrTimeout))
}
