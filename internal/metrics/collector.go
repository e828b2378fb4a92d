package metrics

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Collector holds hot-path atomic counters for global and per-calc-type
// metrics.
type Collector struct {
	global *counters
	scoped *xsync.Map[string, *counters]
}

// counters holds atomic counters for one measurement scope.
type counters struct {
	started   atomic.Int64
	completed atomic.Int64
	errored   atomic.Int64

	// Duration histogram: bucket[i] counts calculations that took
	// [i*binWidth, (i+1)*binWidth). The last bucket is overflow (>= overflowMs).
	durationBuckets []atomic.Int64
	durationBinMs   int
	durationOverMs  int
}

// CountersSnapshot is a point-in-time snapshot of counters for reading.
type CountersSnapshot struct {
	Started         int64   `json:"started"`
	Completed       int64   `json:"completed"`
	Errored         int64   `json:"errored"`
	DurationBuckets []int64 `json:"duration_buckets"`
	DurationBinMs   int     `json:"duration_bin_ms"`
	DurationOverMs  int     `json:"duration_overflow_ms"`
}

// NewCollector creates a Collector with the given duration histogram parameters.
func NewCollector(durationBinMs, durationOverflowMs int) *Collector {
	if durationBinMs <= 0 {
		durationBinMs = 1000
	}
	if durationOverflowMs <= 0 {
		durationOverflowMs = 300000
	}
	return &Collector{
		global: newCounters(durationBinMs, durationOverflowMs),
		scoped: xsync.NewMap[string, *counters](),
	}
}

func newCounters(binMs, overMs int) *counters {
	regularBuckets := (overMs + binMs - 1) / binMs
	if regularBuckets <= 0 {
		regularBuckets = 1
	}
	return &counters{
		durationBuckets: make([]atomic.Int64, regularBuckets+1),
		durationBinMs:   binMs,
		durationOverMs:  overMs,
	}
}

// scope returns the counters of calcType. Events without a type are
// counted under "unknown" so bucket deltas always add up to the global scope.
func (c *Collector) scope(calcType string) *counters {
	if calcType == GlobalScope {
		calcType = "unknown"
	}
	ct, _ := c.scoped.LoadOrCompute(calcType, func() (*counters, bool) {
		return newCounters(c.global.durationBinMs, c.global.durationOverMs), false
	})
	return ct
}

// RecordStarted records the start of a calculation.
func (c *Collector) RecordStarted(calcType string) {
	c.global.started.Add(1)
	c.scope(calcType).started.Add(1)
}

// RecordFinished records a calculation reaching a terminal state.
func (c *Collector) RecordFinished(ev CalcFinishedEvent) {
	for _, ct := range []*counters{c.global, c.scope(ev.CalcType)} {
		if ev.Success {
			ct.completed.Add(1)
		} else {
			ct.errored.Add(1)
		}
		if ev.DurationNs >= 0 {
			recordDuration(ct, ev.DurationNs/1e6)
		}
	}
}

func recordDuration(ct *counters, ms int64) {
	overflowIdx := len(ct.durationBuckets) - 1
	if ms >= int64(ct.durationOverMs) {
		ct.durationBuckets[overflowIdx].Add(1)
		return
	}
	idx := int(ms / int64(ct.durationBinMs))
	if idx >= overflowIdx {
		idx = overflowIdx - 1
	}
	if idx < 0 {
		idx = 0
	}
	ct.durationBuckets[idx].Add(1)
}

// Snapshot returns a point-in-time snapshot of the global counters.
func (c *Collector) Snapshot() CountersSnapshot {
	return snapshot(c.global)
}

// ScopeSnapshots returns snapshots for every calc type seen so far.
func (c *Collector) ScopeSnapshots() map[string]CountersSnapshot {
	result := make(map[string]CountersSnapshot)
	c.scoped.Range(func(key string, value *counters) bool {
		result[key] = snapshot(value)
		return true
	})
	return result
}

func snapshot(ct *counters) CountersSnapshot {
	s := CountersSnapshot{
		Started:         ct.started.Load(),
		Completed:       ct.completed.Load(),
		Errored:         ct.errored.Load(),
		DurationBuckets: make([]int64, len(ct.durationBuckets)),
		DurationBinMs:   ct.durationBinMs,
		DurationOverMs:  ct.durationOverMs,
	}
	for i := range ct.durationBuckets {
		s.DurationBuckets[i] = ct.durationBuckets[i].Load()
	}
	return s
}

// SwapDurationBuckets drains the histogram of every scope, returning the
// per-bucket counts accumulated since the last call keyed by scope.
func (c *Collector) SwapDurationBuckets() map[string][]int64 {
	result := map[string][]int64{GlobalScope: swapDurationBuckets(c.global)}
	c.scoped.Range(func(key string, value *counters) bool {
		result[key] = swapDurationBuckets(value)
		return true
	})
	return result
}

func swapDurationBuckets(ct *counters) []int64 {
	deltas := make([]int64, len(ct.durationBuckets))
	for i := range ct.durationBuckets {
		deltas[i] = ct.durationBuckets[i].Swap(0)
	}
	return deltas
}
