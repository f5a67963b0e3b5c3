// Package metrics exposes lock and meter counters and the latest readings to
// Prometheus, either on a registry or as a node exporter textfile.
package metrics

import (
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arloliu/go-pzem/meter"
	"github.com/arloliu/go-pzem/pzem"
	"github.com/arloliu/go-pzem/serlock"
)

const namespace = "pzem"

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

type counterDef struct {
	name string
	help string
	load func() uint64
}

func registerCounters(reg prometheus.Registerer, subsystem string, defs []counterDef) error {
	var errs []error
	for _, def := range defs {
		load := def.load
		c := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      def.name,
			Help:      def.help,
		}, func() float64 { return float64(load()) })
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// RegisterLock registers the counters of a lock coordinator.
func RegisterLock(reg prometheus.Registerer, m *serlock.Metrics) error {
	return registerCounters(reg, "lock", []counterDef{
		{"acquire_total", "Total number of device locks obtained", m.AcquireCount.Load},
		{"acquire_timeout_total", "Total number of lock waits that ran out of time", m.AcquireTimeoutCount.Load},
		{"stale_reclaim_total", "Total number of stale lock entries removed", m.StaleReclaimCount.Load},
		{"self_heal_total", "Total number of lost own entries queued again", m.SelfHealCount.Load},
		{"release_total", "Total number of device locks released", m.ReleaseCount.Load},
		{"poll_total", "Total number of lock file head polls", m.PollCount.Load},
	})
}

// RegisterMeter registers the counters of a register reader.
func RegisterMeter(reg prometheus.Registerer, m *meter.Metrics) error {
	return registerCounters(reg, "register", []counterDef{
		{"read_total", "Total number of successful measurement reads", m.ReadCount.Load},
		{"read_retry_total", "Total number of repeated read attempts", m.ReadRetryCount.Load},
		{"read_fail_total", "Total number of reads that exhausted their attempts", m.ReadFailCount.Load},
		{"write_total", "Total number of successful register writes", m.WriteCount.Load},
		{"write_fail_total", "Total number of failed register writes", m.WriteFailCount.Load},
	})
}

// ReadingGauges holds the latest value of every quantity read.
type ReadingGauges struct {
	vec *prometheus.GaugeVec
}

// NewReadingGauges creates the reading gauge vector and registers it on reg.
func NewReadingGauges(reg prometheus.Registerer) (*ReadingGauges, error) {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reading",
		Help:      "Latest measured value per device and quantity",
	}, []string{"device", "quantity", "unit"})

	if err := reg.Register(vec); err != nil {
		return nil, err
	}

	return &ReadingGauges{vec: vec}, nil
}

// Observe records readings taken from device.
func (g *ReadingGauges) Observe(device string, readings []pzem.Reading) {
	for _, r := range readings {
		g.vec.WithLabelValues(device, strings.ToLower(r.Quantity.Name), r.Quantity.Unit).Set(r.Value)
	}
}

// WriteTextfile writes everything gathered from g to path in the text
// exposition format, replacing the file atomically.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}
