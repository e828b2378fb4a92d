// Package watcher finalizes reports: it observes the calculations of a
// report and marks the report complete or errored exactly once.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/policyengine/calcd/internal/calc"
)

// Subscriber delivers the latest status of a calculation.
type Subscriber interface {
	Subscribe(calcID string) (<-chan calc.Status, func())
}

// ReportMarker finalizes a pending report. Both methods return false when
// the report was already finalized.
type ReportMarker interface {
	MarkReportComplete(reportID string, output json.RawMessage, updatedAtNs int64) (bool, error)
	MarkReportError(reportID string, message string, updatedAtNs int64) (bool, error)
}

// Outcome is how a watch ended.
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomeError    Outcome = "error"
	// OutcomeAbandoned means a calculation was cleaned up before finishing;
	// the report stays pending.
	OutcomeAbandoned Outcome = "abandoned"
)

// Watcher runs at most one watch per report id.
type Watcher struct {
	sub    Subscriber
	marker ReportMarker
	active *xsync.Map[string, struct{}]
	nowFn  func() time.Time

	// OnDone, when set, is called after each watch ends.
	OnDone func(reportID string, outcome Outcome)

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a Watcher.
func New(sub Subscriber, marker ReportMarker) *Watcher {
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &Watcher{
		sub:        sub,
		marker:     marker,
		active:     xsync.NewMap[string, struct{}](),
		nowFn:      time.Now,
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}
}

// Watch starts watching calcIDs on behalf of reportID. It returns false when
// a watch for the report is already active or the watcher is closed.
func (w *Watcher) Watch(reportID string, calcIDs []string) bool {
	if w.lifeCtx.Err() != nil {
		return false
	}
	if _, loaded := w.active.LoadOrStore(reportID, struct{}{}); loaded {
		return false
	}
	ids := append([]string(nil), calcIDs...)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.active.Delete(reportID)
		outcome := w.watch(reportID, ids)
		if w.OnDone != nil {
			w.OnDone(reportID, outcome)
		}
	}()
	return true
}

// IsWatching reports whether a watch for reportID is active.
func (w *Watcher) IsWatching(reportID string) bool {
	_, ok := w.active.Load(reportID)
	return ok
}

// ActiveCount returns the number of active watches.
func (w *Watcher) ActiveCount() int {
	return w.active.Size()
}

// Close stops all watches without marking their reports and waits for them.
func (w *Watcher) Close() {
	w.lifeCancel()
	w.wg.Wait()
}

type update struct {
	calcID string
	status calc.Status
	closed bool
}

func (w *Watcher) watch(reportID string, calcIDs []string) Outcome {
	if len(calcIDs) == 0 {
		w.markError(reportID, "report has no calculations")
		return OutcomeError
	}

	ctx, cancel := context.WithCancel(w.lifeCtx)
	defer cancel()

	updates := make(chan update)
	unsubs := make([]func(), 0, len(calcIDs))
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()
	for _, id := range calcIDs {
		ch, unsub := w.sub.Subscribe(id)
		unsubs = append(unsubs, unsub)
		go forward(ctx, id, ch, updates)
	}

	results := make(map[string]json.RawMessage, len(calcIDs))
	for {
		var u update
		select {
		case <-ctx.Done():
			return OutcomeAbandoned
		case u = <-updates:
		}
		if u.closed {
			log.Printf("[watcher] report %s: calculation %s was released before finishing", reportID, u.calcID)
			return OutcomeAbandoned
		}

		switch u.status.State {
		case calc.StateError:
			msg := "calculation failed"
			if u.status.Error != nil {
				msg = u.status.Error.Message
			}
			w.markError(reportID, fmt.Sprintf("calculation %s: %s", u.calcID, msg))
			return OutcomeError
		case calc.StateComplete:
			results[u.calcID] = u.status.Result
		default:
			// Restarted after completing; wait for the new cycle.
			delete(results, u.calcID)
		}

		if len(results) == len(calcIDs) {
			output, err := aggregate(calcIDs, results)
			if err != nil {
				w.markError(reportID, err.Error())
				return OutcomeError
			}
			w.markComplete(reportID, output)
			return OutcomeComplete
		}
	}
}

func forward(ctx context.Context, calcID string, ch <-chan calc.Status, out chan<- update) {
	for st := range ch {
		select {
		case out <- update{calcID: calcID, status: st}:
		case <-ctx.Done():
			return
		}
	}
	select {
	case out <- update{calcID: calcID, closed: true}:
	case <-ctx.Done():
	}
}

// aggregate returns the single result of a one-calculation report, or an
// object keyed by calculation id.
func aggregate(calcIDs []string, results map[string]json.RawMessage) (json.RawMessage, error) {
	if len(calcIDs) == 1 {
		return results[calcIDs[0]], nil
	}
	out, err := gojson.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("aggregate report output: %w", err)
	}
	return out, nil
}

func (w *Watcher) markComplete(reportID string, output json.RawMessage) {
	ok, err := w.marker.MarkReportComplete(reportID, output, w.nowFn().UnixNano())
	if err != nil {
		log.Printf("[watcher] mark report %s complete: %v", reportID, err)
		return
	}
	if !ok {
		log.Printf("[watcher] report %s was already finalized", reportID)
	}
}

func (w *Watcher) markError(reportID, message string) {
	ok, err := w.marker.MarkReportError(reportID, message, w.nowFn().UnixNano())
	if err != nil {
		log.Printf("[watcher] mark report %s error: %v", reportID, err)
		return
	}
	if !ok {
		log.Printf("[watcher] report %s was already finalized", reportID)
	}
}
