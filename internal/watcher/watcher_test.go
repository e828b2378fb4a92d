package watcher

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/policyengine/calcd/internal/calc"
	"github.com/policyengine/calcd/internal/orchestrator"
)

type markCall struct {
	reportID string
	output   string
	message  string
}

type fakeMarker struct {
	mu        sync.Mutex
	completes []markCall
	errors    []markCall
	finalized map[string]bool
}

func newFakeMarker() *fakeMarker {
	return &fakeMarker{finalized: make(map[string]bool)}
}

func (m *fakeMarker) MarkReportComplete(id string, output json.RawMessage, _ int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completes = append(m.completes, markCall{reportID: id, output: string(output)})
	if m.finalized[id] {
		return false, nil
	}
	m.finalized[id] = true
	return true, nil
}

func (m *fakeMarker) MarkReportError(id, message string, _ int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, markCall{reportID: id, message: message})
	if m.finalized[id] {
		return false, nil
	}
	m.finalized[id] = true
	return true, nil
}

func (m *fakeMarker) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.completes), len(m.errors)
}

func newWatcher(t *testing.T, orch *orchestrator.Orchestrator, marker ReportMarker) (*Watcher, <-chan Outcome) {
	t.Helper()
	w := New(orch, marker)
	done := make(chan Outcome, 8)
	w.OnDone = func(_ string, o Outcome) { done <- o }
	t.Cleanup(w.Close)
	return w, done
}

func waitOutcome(t *testing.T, done <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-done:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not finish")
		return ""
	}
}

func complete(result string) calc.Status {
	return calc.Status{State: calc.StateComplete, Result: json.RawMessage(result)}
}

func failed(msg string) calc.Status {
	return calc.Status{State: calc.StateError, Error: calc.NewError(calc.ErrCodeHTTP, true, "%s", msg)}
}

func TestWatch_AllCompleteMarksOnce(t *testing.T) {
	orch := orchestrator.New(orchestrator.Options{})
	t.Cleanup(orch.Close)
	marker := newFakeMarker()
	w, done := newWatcher(t, orch, marker)

	if !w.Watch("r1", []string{"c1", "c2"}) {
		t.Fatal("Watch returned false")
	}
	if w.Watch("r1", []string{"c1", "c2"}) {
		t.Fatal("duplicate watch for an active report must be refused")
	}

	orch.Seed("c1", calc.TargetReport, calc.CalcTypeHousehold, complete(`{"net_income":1}`))
	orch.Seed("c2", calc.TargetReport, calc.CalcTypeHousehold, complete(`{"net_income":2}`))

	if got := waitOutcome(t, done); got != OutcomeComplete {
		t.Fatalf("outcome = %s, want complete", got)
	}
	completes, errs := marker.counts()
	if completes != 1 || errs != 0 {
		t.Fatalf("marks: complete=%d error=%d, want 1/0", completes, errs)
	}

	var out map[string]map[string]int
	if err := json.Unmarshal([]byte(marker.completes[0].output), &out); err != nil {
		t.Fatalf("output: %v (%s)", err, marker.completes[0].output)
	}
	if out["c1"]["net_income"] != 1 || out["c2"]["net_income"] != 2 {
		t.Fatalf("output = %v", out)
	}
	if w.IsWatching("r1") {
		t.Fatal("watch should be released after finishing")
	}
}

func TestWatch_AnyErrorMarksErrorAndNeverComplete(t *testing.T) {
	orch := orchestrator.New(orchestrator.Options{})
	t.Cleanup(orch.Close)
	marker := newFakeMarker()
	w, done := newWatcher(t, orch, marker)

	w.Watch("r1", []string{"c1", "c2"})
	orch.Seed("c1", calc.TargetReport, calc.CalcTypeEconomy, failed("502 Bad Gateway"))

	if got := waitOutcome(t, done); got != OutcomeError {
		t.Fatalf("outcome = %s, want error", got)
	}
	orch.Seed("c2", calc.TargetReport, calc.CalcTypeEconomy, complete(`{}`))
	time.Sleep(20 * time.Millisecond)

	completes, errs := marker.counts()
	if completes != 0 || errs != 1 {
		t.Fatalf("marks: complete=%d error=%d, want 0/1", completes, errs)
	}
	if msg := marker.errors[0].message; msg != "calculation c1: 502 Bad Gateway" {
		t.Fatalf("message = %q", msg)
	}
}

func TestWatch_SingleCalculationOutputIsResult(t *testing.T) {
	orch := orchestrator.New(orchestrator.Options{})
	t.Cleanup(orch.Close)
	marker := newFakeMarker()
	w, done := newWatcher(t, orch, marker)

	// Already complete before the watch begins.
	orch.Seed("c1", calc.TargetReport, calc.CalcTypeEconomy, complete(`{"budget":{"budgetary_impact":-5}}`))
	w.Watch("r1", []string{"c1"})

	if got := waitOutcome(t, done); got != OutcomeComplete {
		t.Fatalf("outcome = %s", got)
	}
	if got := marker.completes[0].output; got != `{"budget":{"budgetary_impact":-5}}` {
		t.Fatalf("output = %s", got)
	}
}

func TestWatch_ReleasedCalculationAbandons(t *testing.T) {
	orch := orchestrator.New(orchestrator.Options{})
	t.Cleanup(orch.Close)
	marker := newFakeMarker()
	w, done := newWatcher(t, orch, marker)

	w.Watch("r1", []string{"c1"})
	// Let the subscription land before releasing the id.
	deadline := time.Now().Add(time.Second)
	for orch.DebugInfo().TrackedCount == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	orch.Cleanup("c1")

	if got := waitOutcome(t, done); got != OutcomeAbandoned {
		t.Fatalf("outcome = %s, want abandoned", got)
	}
	if c, e := marker.counts(); c != 0 || e != 0 {
		t.Fatalf("abandoned watch must not mark: complete=%d error=%d", c, e)
	}
	if !w.Watch("r1", []string{"c1"}) {
		t.Fatal("report should be watchable again after abandonment")
	}
}

func TestWatch_EmptyCalculationsMarksError(t *testing.T) {
	orch := orchestrator.New(orchestrator.Options{})
	t.Cleanup(orch.Close)
	marker := newFakeMarker()
	w, done := newWatcher(t, orch, marker)

	w.Watch("r1", nil)
	if got := waitOutcome(t, done); got != OutcomeError {
		t.Fatalf("outcome = %s", got)
	}
}

func TestWatch_ClosedWatcherRefuses(t *testing.T) {
	orch := orchestrator.New(orchestrator.Options{})
	t.Cleanup(orch.Close)
	w := New(orch, newFakeMarker())
	w.Close()
	if w.Watch("r1", []string{"c1"}) {
		t.Fatal("closed watcher accepted a watch")
	}
}
