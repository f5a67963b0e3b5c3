// Command pzem16 reads a PZEM-016 energy meter over Modbus RTU while sharing
// the serial port with other cooperating processes through a lock file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-pzem/logger"
	"github.com/arloliu/go-pzem/meter/rtu"
	"github.com/arloliu/go-pzem/metrics"
	"github.com/arloliu/go-pzem/pzem"
	"github.com/arloliu/go-pzem/serlock"
	"github.com/arloliu/go-pzem/session"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// dialerFunc builds the bus dialer for a device from the resolved settings.
type dialerFunc func(device string, s *settings, log logger.Logger) (session.Dialer, error)

// app carries the process level dependencies of one invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer
	dial   dialerFunc
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr, dial: rtuDialer}
}

func rtuDialer(device string, s *settings, log logger.Logger) (session.Dialer, error) {
	d, err := rtu.NewDialer(device,
		rtu.WithSlaveID(s.Address),
		rtu.WithResponseTimeout(s.ResponseTimeout),
		rtu.WithByteTimeout(s.ByteTimeout),
		rtu.WithRegisterKind(s.Registers),
		rtu.WithTrace(s.Trace),
		rtu.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}

	return session.RTU(d), nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, newApp(os.Stdout, os.Stderr), os.Args[1:])
	stop()
	os.Exit(code)
}

// execute runs the command line and maps the outcome to an exit code.
func execute(ctx context.Context, a *app, args []string) int {
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(a.stderr, "%s: %v\n", cmd.Name(), err)

	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage), errors.Is(err, session.ErrInvalidConfig):
		return exitUsage
	default:
		return exitFailure
	}
}

func newRootCmd(a *app) *cobra.Command {
	flags := &cliFlags{}

	cmd := &cobra.Command{
		Use:   "pzem16 [flags] device",
		Short: "Read a PZEM-016 energy meter over Modbus RTU",
		Long: `pzem16 reads voltage, current, power, power factor, frequency and total
energy from a PZEM-016 meter on an RS-485 bus. Concurrent invocations on the
same serial port queue up through a lock file and take turns on the bus.

Without parameter flags every value is read.`,
		Args:          deviceArg,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := defaultSettings()
			if flags.configFile != "" {
				if err := loadConfigFile(flags.configFile, &s); err != nil {
					return fmt.Errorf("%w: %w", errUsage, err)
				}
			}
			if err := flags.apply(cmd.Flags(), &s); err != nil {
				return err
			}
			if err := s.validate(); err != nil {
				return err
			}

			return a.run(cmd.Context(), args[0], &s)
		},
	}

	flags.register(cmd.Flags())
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", errUsage, err)
	})
	cmd.AddCommand(newStatusCmd(a))

	return cmd
}

func deviceArg(_ *cobra.Command, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: exactly one serial device required, got %d", errUsage, len(args))
	}

	return nil
}

// run performs one locked exchange with the meter and prints the result.
func (a *app) run(ctx context.Context, device string, s *settings) error {
	log, err := s.newLogger(a.stderr)
	if err != nil {
		return err
	}
	logger.SetDefault(log)
	log = log.With("device", device, "address", s.Address)

	coord, err := serlock.NewCoordinator(
		serlock.WithLockDir(s.LockDir),
		serlock.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	dialer, err := a.dial(device, s, log)
	if err != nil {
		return err
	}

	sess, err := session.New(device,
		session.WithCoordinator(coord),
		session.WithDialer(dialer),
		session.WithLockWait(s.LockWait),
		session.WithMaxAttempts(s.Retries),
		session.WithCommandDelay(s.CommandDelay),
		session.WithSettleTime(s.SettleTime),
		session.WithLogger(log),
	)
	if err != nil {
		return err
	}

	var readings []pzem.Reading
	if s.NewAddress > 0 {
		err = sess.SetAddress(ctx, s.NewAddress)
		if err == nil {
			fmt.Fprintf(a.stdout, "New value %d for address 0x%X\n", s.NewAddress, pzem.DeviceAddressRegister)
		}
	} else {
		readings, err = sess.ReadAll(ctx, s.selectedQuantities())
		if err == nil {
			err = writeReadings(a.stdout, s.Format, s.Address, readings)
		}
	}

	if err != nil {
		log.Error("pzem16: run failed", "category", session.Category(err), "error", err)
	}
	writeStatus(a.stdout, s.Format, err)

	if s.MetricsTextfile != "" {
		if merr := writeMetrics(s.MetricsTextfile, device, sess, readings); merr != nil {
			log.Warn("pzem16: metrics textfile not written", "path", s.MetricsTextfile, "error", merr)
		}
	}

	return err
}

func writeMetrics(path, device string, sess *session.Session, readings []pzem.Reading) error {
	reg := metrics.NewRegistry()
	if err := metrics.RegisterLock(reg, sess.Coordinator().Metrics()); err != nil {
		return err
	}
	if err := metrics.RegisterMeter(reg, sess.MeterMetrics()); err != nil {
		return err
	}
	gauges, err := metrics.NewReadingGauges(reg)
	if err != nil {
		return err
	}
	gauges.Observe(device, readings)

	return metrics.WriteTextfile(path, reg)
}
