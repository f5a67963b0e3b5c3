package meter

import "sync/atomic"

// Metrics contains atomic counters for a Reader.
// Metrics can be used as the value of a prometheus CounterFunc.
type Metrics struct {
	// ReadCount is the number of successful measurement reads.
	ReadCount atomic.Uint64
	// ReadRetryCount is the number of read attempts after the first.
	ReadRetryCount atomic.Uint64
	// ReadFailCount is the number of reads that exhausted their attempts.
	ReadFailCount atomic.Uint64
	// WriteCount is the number of successful register writes.
	WriteCount atomic.Uint64
	// WriteFailCount is the number of failed register writes.
	WriteFailCount atomic.Uint64
}

func (m *Metrics) incReadCount()      { m.ReadCount.Add(1) }
func (m *Metrics) incReadRetryCount() { m.ReadRetryCount.Add(1) }
func (m *Metrics) incReadFailCount()  { m.ReadFailCount.Add(1) }
func (m *Metrics) incWriteCount()     { m.WriteCount.Add(1) }
func (m *Metrics) incWriteFailCount() { m.WriteFailCount.Add(1) }
