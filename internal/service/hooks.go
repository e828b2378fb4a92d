package service

import (
	"time"

	"github.com/policyengine/calcd/internal/calc"
	"github.com/policyengine/calcd/internal/eventlog"
	"github.com/policyengine/calcd/internal/metrics"
	"github.com/policyengine/calcd/internal/orchestrator"
	"github.com/policyengine/calcd/internal/resultcache"
)

// TransitionHooks fans one orchestrator transition out to the event log,
// the snapshot store, the result cache and metrics. Nil members are skipped.
type TransitionHooks struct {
	Events    *eventlog.Service
	Snapshots *SnapshotStore
	Results   *resultcache.Cache
	Metrics   *metrics.Manager

	nowFn func() time.Time
}

// OnTransition is passed as orchestrator.Options.OnTransition.
func (h TransitionHooks) OnTransition(tr orchestrator.Transition) {
	now := time.Now()
	if h.nowFn != nil {
		now = h.nowFn()
	}
	if h.Events != nil {
		h.Events.EmitTransition(tr.CalcID, tr.From, tr.Status)
	}
	if h.Snapshots != nil {
		h.Snapshots.Record(tr.CalcID, tr.Status, now.UnixNano())
	}
	if h.Results != nil {
		h.Results.Observe(tr.Params, tr.Status)
	}
	if h.Metrics != nil {
		recordMetrics(h.Metrics, tr, now)
	}
}

// recordMetrics counts starts and finishes of live runs. Seeded and
// restored terminal statuses never passed through pending and are skipped.
func recordMetrics(m *metrics.Manager, tr orchestrator.Transition, now time.Time) {
	var calcType string
	if tr.Status.Metadata != nil {
		calcType = string(tr.Status.Metadata.CalcType)
	}
	switch {
	case tr.Status.State == calc.StatePending && tr.From != calc.StatePending:
		m.OnCalcStarted(calcType)
	case tr.Status.State.IsTerminal() && tr.From == calc.StatePending:
		ev := metrics.CalcFinishedEvent{
			CalcType:   calcType,
			Success:    tr.Status.State == calc.StateComplete,
			DurationNs: -1,
		}
		if md := tr.Status.Metadata; md != nil && !md.StartedAt.IsZero() {
			ev.DurationNs = now.Sub(md.StartedAt).Nanoseconds()
		}
		m.OnCalcFinished(ev)
	}
}
