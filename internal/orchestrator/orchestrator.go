// Package orchestrator runs calculations: at most one in flight per id, a
// goroutine per active calculation that steps its handler until a terminal
// state, and a status slot per id that subscribers observe.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/policyengine/calcd/internal/calc"
	"github.com/policyengine/calcd/internal/handler"
)

// Restorer looks up the last known status of a calculation from a previous
// run. A nil status with a nil error means nothing is known.
type Restorer interface {
	Restore(ctx context.Context, calcID string) (*calc.Status, error)
}

// Transition describes one status change. Params is nil for statuses that
// were restored or seeded rather than computed.
type Transition struct {
	CalcID string
	From   calc.State
	Status calc.Status
	Params *calc.Params
}

// Options configures an Orchestrator.
type Options struct {
	Restorer Restorer
	// OnTransition is called after every stored status change, outside any
	// lock. Calls for one generation of an id are ordered.
	OnTransition func(Transition)
}

// Orchestrator owns the id -> status table. It is the only writer of
// calculation statuses.
type Orchestrator struct {
	entries      *xsync.Map[string, *entry]
	restorer     Restorer
	onTransition func(Transition)
	nowFn        func() time.Time

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	wg         sync.WaitGroup
}

type entry struct {
	mu      sync.Mutex
	status  calc.Status
	params  *calc.Params
	gen     uint64
	running bool
	cancel  context.CancelFunc
	subs    map[uint64]chan calc.Status
	nextSub uint64
}

func newEntry() *entry {
	return &entry{
		status: calc.Status{State: calc.StateInitializing},
		subs:   make(map[uint64]chan calc.Status),
	}
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		entries:      xsync.NewMap[string, *entry](),
		restorer:     opts.Restorer,
		onTransition: opts.OnTransition,
		nowFn:        time.Now,
		lifeCtx:      lifeCtx,
		lifeCancel:   lifeCancel,
	}
}

// Start begins a calculation for calcID unless one is already in flight, in
// which case it is a no-op and returns false. A new cycle gets a fresh
// StartedAt and an empty result and error, whatever state preceded it.
func (o *Orchestrator) Start(calcID string, target calc.TargetType, params calc.Params, h handler.Handler) bool {
	if h == nil {
		panic("orchestrator: Start requires a handler")
	}
	if o.lifeCtx.Err() != nil {
		return false
	}

	var (
		claimed bool
		e       *entry
		gen     uint64
		ctx     context.Context
		tr      Transition
	)
	o.entries.Compute(calcID, func(cur *entry, loaded bool) (*entry, xsync.ComputeOp) {
		if !loaded {
			cur = newEntry()
		}
		cur.mu.Lock()
		defer cur.mu.Unlock()
		if cur.running {
			return cur, xsync.UpdateOp
		}

		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(o.lifeCtx)
		cur.gen++
		cur.running = true
		cur.cancel = cancel
		p := params
		cur.params = &p

		from := cur.status.State
		cur.status = calc.Status{
			State:    calc.StatePending,
			Progress: calc.Float(0),
			Metadata: &calc.Metadata{
				CalcID:     calcID,
				CalcType:   h.Type(),
				TargetType: target,
				StartedAt:  o.nowFn(),
			},
		}
		cur.publishLocked()

		claimed, e, gen = true, cur, cur.gen
		tr = Transition{CalcID: calcID, From: from, Status: cur.status.Clone(), Params: &p}
		return cur, xsync.UpdateOp
	})
	if !claimed {
		return false
	}

	o.emit(tr)
	o.wg.Add(1)
	go o.run(ctx, calcID, e, gen, params, h)
	return true
}

// Cancel stops any future step for calcID and discards the response of an
// in-flight one. The last stored status is kept as is.
func (o *Orchestrator) Cancel(calcID string) bool {
	e, ok := o.entries.Load(calcID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return false
	}
	e.stopLocked()
	log.Printf("[orchestrator] cancelled %s (generation %d)", calcID, e.gen)
	return true
}

// Cleanup cancels calcID, closes its subscriptions and forgets it.
// Safe to call for unknown ids.
func (o *Orchestrator) Cleanup(calcID string) {
	o.entries.Compute(calcID, func(e *entry, loaded bool) (*entry, xsync.ComputeOp) {
		if !loaded {
			return e, xsync.CancelOp
		}
		e.mu.Lock()
		e.stopLocked()
		for id, ch := range e.subs {
			close(ch)
			delete(e.subs, id)
		}
		e.mu.Unlock()
		return nil, xsync.DeleteOp
	})
}

// CleanupAll runs Cleanup for every tracked id.
func (o *Orchestrator) CleanupAll() {
	var ids []string
	o.entries.Range(func(id string, _ *entry) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		o.Cleanup(id)
	}
}

// Close cleans up everything, refuses new starts and waits for all
// calculation goroutines to return.
func (o *Orchestrator) Close() {
	o.lifeCancel()
	o.CleanupAll()
	o.wg.Wait()
}

// IsRunning reports whether a calculation for calcID is in flight.
func (o *Orchestrator) IsRunning(calcID string) bool {
	e, ok := o.entries.Load(calcID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Status returns a copy of the stored status. Unknown ids report
// initializing and false.
func (o *Orchestrator) Status(calcID string) (calc.Status, bool) {
	e, ok := o.entries.Load(calcID)
	if !ok {
		return calc.Status{State: calc.StateInitializing}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status.Clone(), true
}

// Resolve settles an initializing status: a status restored from a previous
// run is installed as is, otherwise the id becomes idle. Ids past
// initializing are returned unchanged. An unknown id with nothing to
// restore is reported idle without being tracked.
func (o *Orchestrator) Resolve(ctx context.Context, calcID string) (calc.Status, error) {
	if st, ok := o.Status(calcID); ok && st.State != calc.StateInitializing {
		return st, nil
	}

	next := calc.Status{State: calc.StateIdle}
	if o.restorer != nil {
		restored, err := o.restorer.Restore(ctx, calcID)
		if err != nil {
			return calc.Status{State: calc.StateInitializing}, fmt.Errorf("restore %s: %w", calcID, err)
		}
		if restored != nil {
			if err := restored.Validate(); err != nil {
				log.Printf("[orchestrator] discarding invalid snapshot for %s: %v", calcID, err)
			} else if restored.State != calc.StateInitializing && restored.State != calc.StateIdle {
				next = restored.Normalized()
			}
		}
	}

	var (
		out     calc.Status
		changed bool
		from    calc.State
	)
	o.entries.Compute(calcID, func(e *entry, loaded bool) (*entry, xsync.ComputeOp) {
		if !loaded {
			if next.State == calc.StateIdle {
				out = next
				return e, xsync.CancelOp
			}
			e = newEntry()
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		// A concurrent Start or Resolve may have got here first.
		if e.status.State == calc.StateInitializing && calc.CanTransition(e.status.State, next.State) {
			from = e.status.State
			e.status = next
			e.publishLocked()
			changed = true
		}
		out = e.status.Clone()
		if e.disposableLocked() {
			return nil, xsync.DeleteOp
		}
		return e, xsync.UpdateOp
	})
	if changed {
		o.emit(Transition{CalcID: calcID, From: from, Status: out.Clone()})
	}
	return out, nil
}

// Seed installs a terminal status computed elsewhere, for instance a result
// cached from an earlier run with the same descriptor. It refuses when a
// calculation is in flight.
func (o *Orchestrator) Seed(calcID string, target calc.TargetType, calcType calc.CalcType, st calc.Status) bool {
	if !st.State.IsTerminal() || st.Validate() != nil {
		return false
	}
	var (
		seeded bool
		tr     Transition
	)
	o.entries.Compute(calcID, func(e *entry, loaded bool) (*entry, xsync.ComputeOp) {
		if !loaded {
			e = newEntry()
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.running {
			return e, xsync.UpdateOp
		}
		from := e.status.State
		next := st.Normalized()
		next.Metadata = &calc.Metadata{
			CalcID:     calcID,
			CalcType:   calcType,
			TargetType: target,
			StartedAt:  o.nowFn(),
		}
		e.gen++
		e.status = next
		e.publishLocked()
		seeded = true
		tr = Transition{CalcID: calcID, From: from, Status: next.Clone()}
		return e, xsync.UpdateOp
	})
	if seeded {
		o.emit(tr)
	}
	return seeded
}

// Subscribe returns a channel that always holds the latest status of calcID;
// intermediate values may be skipped by slow readers. The current status is
// delivered immediately. The channel is closed by unsubscribe or Cleanup.
// An id that never started is forgotten when its last subscriber leaves.
func (o *Orchestrator) Subscribe(calcID string) (<-chan calc.Status, func()) {
	ch := make(chan calc.Status, 1)
	var (
		e  *entry
		id uint64
	)
	o.entries.Compute(calcID, func(cur *entry, loaded bool) (*entry, xsync.ComputeOp) {
		if !loaded {
			cur = newEntry()
		}
		cur.mu.Lock()
		defer cur.mu.Unlock()
		cur.nextSub++
		id = cur.nextSub
		cur.subs[id] = ch
		ch <- cur.status.Clone()
		e = cur
		return cur, xsync.UpdateOp
	})

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			o.entries.Compute(calcID, func(cur *entry, loaded bool) (*entry, xsync.ComputeOp) {
				e.mu.Lock()
				defer e.mu.Unlock()
				if c, ok := e.subs[id]; ok {
					delete(e.subs, id)
					close(c)
				}
				if !loaded || cur != e {
					return cur, xsync.CancelOp
				}
				if e.disposableLocked() {
					return nil, xsync.DeleteOp
				}
				return cur, xsync.UpdateOp
			})
		})
	}
	return ch, unsubscribe
}

// EntryInfo is one row of DebugInfo.
type EntryInfo struct {
	CalcID      string     `json:"calc_id"`
	State       calc.State `json:"state"`
	Generation  uint64     `json:"generation"`
	Running     bool       `json:"running"`
	Subscribers int        `json:"subscribers"`
}

// DebugInfo is a point-in-time view of the orchestrator.
type DebugInfo struct {
	ActiveCount  int         `json:"active_count"`
	TrackedCount int         `json:"tracked_count"`
	Entries      []EntryInfo `json:"entries"`
}

// DebugInfo returns diagnostics. It has no side effects.
func (o *Orchestrator) DebugInfo() DebugInfo {
	var info DebugInfo
	o.entries.Range(func(id string, e *entry) bool {
		e.mu.Lock()
		row := EntryInfo{
			CalcID:      id,
			State:       e.status.State,
			Generation:  e.gen,
			Running:     e.running,
			Subscribers: len(e.subs),
		}
		e.mu.Unlock()
		if row.Running {
			info.ActiveCount++
		}
		info.TrackedCount++
		info.Entries = append(info.Entries, row)
		return true
	})
	sort.Slice(info.Entries, func(i, j int) bool { return info.Entries[i].CalcID < info.Entries[j].CalcID })
	return info
}

// ActivityCounts returns how many calculations are running and how many
// ids are tracked.
func (o *Orchestrator) ActivityCounts() (active, tracked int) {
	o.entries.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		if e.running {
			active++
		}
		e.mu.Unlock()
		tracked++
		return true
	})
	return active, tracked
}

func (o *Orchestrator) emit(tr Transition) {
	if o.onTransition != nil {
		o.onTransition(tr)
	}
}

// stopLocked invalidates the current generation. Caller holds e.mu.
func (e *entry) stopLocked() {
	e.gen++
	e.running = false
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// disposableLocked reports whether e holds nothing a later caller could
// observe: no run, no subscriber and no status past idle. Caller holds e.mu.
func (e *entry) disposableLocked() bool {
	if e.running || len(e.subs) > 0 {
		return false
	}
	return e.status.State == calc.StateInitializing || e.status.State == calc.StateIdle
}

// publishLocked hands the current status to every subscriber, replacing any
// value the subscriber has not read yet. Caller holds e.mu, which makes it
// the only sender, so the send after the drain cannot block.
func (e *entry) publishLocked() {
	for _, ch := range e.subs {
		select {
		case <-ch:
		default:
		}
		ch <- e.status.Clone()
	}
}
