package serlock

import "sync/atomic"

// Metrics contains atomic counters for a Coordinator.
// Metrics can be used as the value of a prometheus CounterFunc.
type Metrics struct {
	// AcquireCount is the number of successful acquisitions.
	AcquireCount atomic.Uint64
	// AcquireTimeoutCount is the number of acquisitions that ran out of wait budget.
	AcquireTimeoutCount atomic.Uint64
	// StaleReclaimCount is the number of stale head entries removed.
	StaleReclaimCount atomic.Uint64
	// SelfHealCount is the number of times a lost own entry was re-appended.
	SelfHealCount atomic.Uint64
	// ReleaseCount is the number of releases performed.
	ReleaseCount atomic.Uint64
	// PollCount is the number of head polls.
	PollCount atomic.Uint64
}

func (m *Metrics) incAcquireCount()        { m.AcquireCount.Add(1) }
func (m *Metrics) incAcquireTimeoutCount() { m.AcquireTimeoutCount.Add(1) }
func (m *Metrics) incStaleReclaimCount()   { m.StaleReclaimCount.Add(1) }
func (m *Metrics) incSelfHealCount()       { m.SelfHealCount.Add(1) }
func (m *Metrics) incReleaseCount()        { m.ReleaseCount.Add(1) }
func (m *Metrics) incPollCount()           { m.PollCount.Add(1) }
