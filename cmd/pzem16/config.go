package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"

	"github.com/arloliu/go-pzem/logger"
	"github.com/arloliu/go-pzem/meter"
	"github.com/arloliu/go-pzem/meter/rtu"
	"github.com/arloliu/go-pzem/pzem"
	"github.com/arloliu/go-pzem/serlock"
	"github.com/arloliu/go-pzem/session"
)

var errUsage = errors.New("usage error")

// settings is the resolved configuration of one invocation: defaults, then
// the config file, then explicitly set flags.
type settings struct {
	Address         int
	NewAddress      int
	Retries         int
	ResponseTimeout time.Duration
	ByteTimeout     time.Duration
	LockWait        time.Duration
	SettleTime      time.Duration
	CommandDelay    time.Duration
	Format          outputFormat
	Debug           int
	Trace           bool
	LockDir         string
	Registers       rtu.RegisterKind
	LogLevel        string
	LogFormat       string
	MetricsTextfile string
	Quantities      []pzem.Quantity
}

func defaultSettings() settings {
	return settings{
		Address:         pzem.MinAddress,
		Retries:         meter.DefaultMaxAttempts,
		ResponseTimeout: rtu.DefaultResponseTimeout,
		LockDir:         serlock.DefaultLockDir,
		Registers:       rtu.InputRegisters,
	}
}

// fileConfig mirrors the TOML config file.
type fileConfig struct {
	Address         int    `toml:"address"`
	Retries         int    `toml:"retries"`
	ResponseTimeout string `toml:"response_timeout"`
	ByteTimeout     string `toml:"byte_timeout"`
	LockWait        string `toml:"lock_wait"`
	SettleTime      string `toml:"settle_time"`
	CommandDelay    string `toml:"command_delay"`
	Format          string `toml:"format"`
	LockDir         string `toml:"lock_dir"`
	Registers       string `toml:"registers"`
	LogLevel        string `toml:"log_level"`
	LogFormat       string `toml:"log_format"`
	MetricsTextfile string   `toml:"metrics_textfile"`
	Quantities      []string `toml:"quantities"`
}

func loadConfigFile(path string, s *settings) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("address") {
		s.Address = raw.Address
	}
	if meta.IsDefined("retries") {
		s.Retries = raw.Retries
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"response_timeout", raw.ResponseTimeout, &s.ResponseTimeout},
		{"byte_timeout", raw.ByteTimeout, &s.ByteTimeout},
		{"lock_wait", raw.LockWait, &s.LockWait},
		{"settle_time", raw.SettleTime, &s.SettleTime},
		{"command_delay", raw.CommandDelay, &s.CommandDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("format") {
		f, err := parseOutputFormat(raw.Format)
		if err != nil {
			return err
		}
		s.Format = f
	}
	if meta.IsDefined("lock_dir") {
		s.LockDir = strings.TrimSpace(raw.LockDir)
	}
	if meta.IsDefined("registers") {
		k, err := rtu.ParseRegisterKind(raw.Registers)
		if err != nil {
			return err
		}
		s.Registers = k
	}
	if meta.IsDefined("log_level") {
		s.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		s.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	if meta.IsDefined("metrics_textfile") {
		s.MetricsTextfile = strings.TrimSpace(raw.MetricsTextfile)
	}
	if meta.IsDefined("quantities") {
		qs, err := lookupQuantities(raw.Quantities)
		if err != nil {
			return err
		}
		s.Quantities = qs
	}

	return nil
}

func lookupQuantities(names []string) ([]pzem.Quantity, error) {
	qs := make([]pzem.Quantity, 0, len(names))
	for _, name := range names {
		q, err := pzem.Lookup(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		qs = append(qs, q)
	}

	return qs, nil
}

// cliFlags holds flag values in the units the command line uses.
type cliFlags struct {
	configFile string

	address         int
	newAddress      int
	retries         int
	responseTimeout int // tenths of a second
	byteTimeout     int // milliseconds
	lockWait        int // seconds
	settleTime      int // milliseconds
	commandDelay    int // milliseconds
	debug           int
	trace           bool
	tagged          bool
	compact         bool

	voltage     bool
	current     bool
	power       bool
	powerFactor bool
	frequency   bool
	energy      bool

	lockDir         string
	registers       string
	logLevel        string
	logFormat       string
	metricsTextfile string
}

func (f *cliFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.configFile, "config", "", "TOML config file")

	fs.IntVarP(&f.address, "address", "a", pzem.MinAddress, "meter number (1-247)")
	fs.IntVarP(&f.newAddress, "set-address", "s", 0, "set a new meter number (1-247); the meter must be in set mode")
	fs.IntVarP(&f.retries, "retries", "z", meter.DefaultMaxAttempts, "read attempts per register before giving up (1-100)")
	fs.IntVarP(&f.responseTimeout, "response-timeout", "j", 2, "response timeout in 1/10 s (1-500)")
	fs.IntVarP(&f.byteTimeout, "byte-timeout", "y", 0, "inter-byte timeout in ms (1-500), 0 disables")
	fs.IntVarP(&f.lockWait, "lock-wait", "w", 0, "seconds to wait for the serial port lock (0-30)")
	fs.IntVarP(&f.settleTime, "settle", "W", 0, "ms to let the RS-485 line settle before talking")
	fs.IntVarP(&f.commandDelay, "command-delay", "D", 0, "ms to wait before every command")
	fs.IntVarP(&f.debug, "debug", "d", 0, "debug level (0=off, 1=debug, 2=errors only, 3=debug)")
	fs.BoolVarP(&f.trace, "trace", "x", false, "log every Modbus frame")
	fs.BoolVarP(&f.tagged, "tagged", "m", false, "output values in IEC 62056 format ID(VALUE*UNIT)")
	fs.BoolVarP(&f.compact, "compact", "q", false, "output values in compact mode")

	fs.BoolVarP(&f.voltage, "voltage", "v", false, "get voltage (V)")
	fs.BoolVarP(&f.current, "current", "c", false, "get current (A)")
	fs.BoolVarP(&f.power, "power", "p", false, "get power (W)")
	fs.BoolVarP(&f.powerFactor, "power-factor", "g", false, "get power factor")
	fs.BoolVarP(&f.frequency, "frequency", "f", false, "get frequency (Hz)")
	fs.BoolVarP(&f.energy, "energy", "t", false, "get total energy (Wh)")

	fs.StringVar(&f.lockDir, "lock-dir", serlock.DefaultLockDir, "directory holding serial port lock files")
	fs.StringVar(&f.registers, "registers", "input", "register read function, input or holding")
	fs.StringVar(&f.logLevel, "log-level", "", "log level, overrides --debug")
	fs.StringVar(&f.logFormat, "log-format", "", "log format: auto, console, json or text")
	fs.StringVar(&f.metricsTextfile, "metrics-textfile", "", "write Prometheus metrics to this file after the run")
}

// apply overlays the flags set on the command line onto s.
func (f *cliFlags) apply(fs *pflag.FlagSet, s *settings) error {
	set := fs.Changed

	if set("address") {
		s.Address = f.address
	}
	if set("set-address") {
		s.NewAddress = f.newAddress
		if s.NewAddress <= 0 {
			return fmt.Errorf("%w: -s %d out of range", errUsage, f.newAddress)
		}
	}
	if set("retries") {
		s.Retries = f.retries
	}
	if set("response-timeout") {
		if f.responseTimeout < 1 || f.responseTimeout > 500 {
			return fmt.Errorf("%w: -j %d out of range, 1-500", errUsage, f.responseTimeout)
		}
		s.ResponseTimeout = time.Duration(f.responseTimeout) * 100 * time.Millisecond
	}
	if set("byte-timeout") {
		if f.byteTimeout < 0 || f.byteTimeout > 500 {
			return fmt.Errorf("%w: -y %d out of range, 1-500", errUsage, f.byteTimeout)
		}
		s.ByteTimeout = time.Duration(f.byteTimeout) * time.Millisecond
	}
	if set("lock-wait") {
		s.LockWait = time.Duration(f.lockWait) * time.Second
	}
	if set("settle") {
		s.SettleTime = time.Duration(f.settleTime) * time.Millisecond
	}
	if set("command-delay") {
		s.CommandDelay = time.Duration(f.commandDelay) * time.Millisecond
	}
	if set("debug") {
		if f.debug < 0 || f.debug > 3 {
			return fmt.Errorf("%w: -d %d out of range, 0-3", errUsage, f.debug)
		}
		s.Debug = f.debug
	}
	if set("trace") {
		s.Trace = f.trace
	}

	if f.tagged && f.compact {
		return fmt.Errorf("%w: -m and -q are mutually exclusive", errUsage)
	}
	if f.tagged {
		s.Format = formatTagged
	}
	if f.compact {
		s.Format = formatCompact
	}

	selected := []struct {
		on bool
		q  pzem.Quantity
	}{
		{f.voltage, pzem.Voltage},
		{f.current, pzem.Current},
		{f.power, pzem.Power},
		{f.powerFactor, pzem.PowerFactor},
		{f.frequency, pzem.Frequency},
		{f.energy, pzem.Energy},
	}
	var qs []pzem.Quantity
	for _, sel := range selected {
		if sel.on {
			qs = append(qs, sel.q)
		}
	}
	if len(qs) > 0 {
		s.Quantities = qs
	}

	if set("lock-dir") {
		s.LockDir = f.lockDir
	}
	if set("registers") {
		k, err := rtu.ParseRegisterKind(f.registers)
		if err != nil {
			return fmt.Errorf("%w: %w", errUsage, err)
		}
		s.Registers = k
	}
	if set("log-level") {
		s.LogLevel = f.logLevel
	}
	if set("log-format") {
		s.LogFormat = f.logFormat
	}
	if set("metrics-textfile") {
		s.MetricsTextfile = f.metricsTextfile
	}

	if s.NewAddress > 0 && len(qs) > 0 {
		return fmt.Errorf("%w: -s cannot be combined with reading parameters", errUsage)
	}

	return nil
}

// validate checks the ranges not covered by the components themselves.
func (s *settings) validate() error {
	if err := pzem.ValidateAddress(s.Address); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	if s.NewAddress != 0 {
		if err := pzem.ValidateAddress(s.NewAddress); err != nil {
			return fmt.Errorf("%w: %w", errUsage, err)
		}
	}
	if s.Retries < 1 || s.Retries > meter.MaxAttempts {
		return fmt.Errorf("%w: retries %d out of range, 1-%d", errUsage, s.Retries, meter.MaxAttempts)
	}
	if s.LockWait < 0 || s.LockWait > session.MaxLockWait {
		return fmt.Errorf("%w: lock wait %v out of range, 0-%v", errUsage, s.LockWait, session.MaxLockWait)
	}
	if s.LockDir == "" {
		return fmt.Errorf("%w: lock directory is empty", errUsage)
	}

	return nil
}

// selectedQuantities returns the quantities to read, in output order.
func (s *settings) selectedQuantities() []pzem.Quantity {
	if len(s.Quantities) > 0 {
		return s.Quantities
	}

	return []pzem.Quantity{pzem.Voltage, pzem.Current, pzem.Power, pzem.PowerFactor, pzem.Frequency, pzem.Energy}
}

// newLogger builds the process logger. The numeric debug level follows the
// classic tool: 1 and 3 enable debug output, anything else only errors.
func (s *settings) newLogger(out io.Writer) (logger.Logger, error) {
	level := logger.ErrorLevel
	if s.Debug == 1 || s.Debug == 3 || s.Trace {
		level = logger.DebugLevel
	}
	if s.LogLevel != "" {
		l, err := logger.ParseLevel(s.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errUsage, err)
		}
		level = l
	}

	format, err := logger.ParseFormat(s.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}

	return logger.NewSlogWithOptions(logger.Options{Output: out, Level: level, Format: format}), nil
}
