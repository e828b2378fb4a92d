// Package scanloop runs periodic maintenance sweeps on a jittered cadence.
package scanloop

import (
	"math/rand/v2"
	"time"
)

// Cadence is the sweep interval: Min + random([0, Jitter)).
type Cadence struct {
	Min    time.Duration
	Jitter time.Duration
}

var (
	// EventPrune is the cadence of event log retention sweeps.
	EventPrune = Cadence{Min: 10 * time.Minute, Jitter: 2 * time.Minute}
	// ReportSweep is the cadence of the pending-report recovery sweep.
	ReportSweep = Cadence{Min: 30 * time.Second, Jitter: 10 * time.Second}
)

func (c Cadence) next() time.Duration {
	d := c.Min
	if d <= 0 {
		d = time.Second
	}
	if c.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(c.Jitter)))
	}
	return d
}

// Run calls fn once per cadence tick until stopCh is closed. The first call
// happens after one full interval.
func Run(stopCh <-chan struct{}, c Cadence, fn func()) {
	timer := time.NewTimer(c.next())
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
		timer.Reset(c.next())
	}
}
