package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/policyengine/calcd/internal/calc"
	"github.com/policyengine/calcd/internal/handler"
)

// run steps one calculation generation until it reaches a terminal state,
// fails, or its generation is invalidated.
func (o *Orchestrator) run(ctx context.Context, calcID string, e *entry, gen uint64, params calc.Params, h handler.Handler) {
	defer o.wg.Done()

	for {
		prev, ok := e.snapshot(gen)
		if !ok {
			return
		}

		next, err := o.step(ctx, params, prev, h)
		if ctx.Err() != nil {
			// Cancelled or cleaned up while the call was in flight; the
			// response belongs to a dead generation.
			return
		}
		if err != nil {
			next = calc.Status{State: calc.StateError, Error: calc.ClassifyError(err)}
		} else if _, poll := h.PollInterval(); !poll && !next.State.IsTerminal() {
			next = calc.Status{
				State: calc.StateError,
				Error: calc.NewError(calc.ErrCodeInternal, true, "one-shot %s step returned non-terminal state %q", h.Type(), next.State),
			}
		}

		applied, terminal := o.apply(calcID, e, gen, next)
		if !applied || terminal {
			return
		}

		interval, _ := h.PollInterval()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// step runs one handler step, turning a panic into an error status.
func (o *Orchestrator) step(ctx context.Context, params calc.Params, prev calc.Status, h handler.Handler) (st calc.Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[orchestrator] %s step panicked: %v", h.Type(), r)
			err = calc.NewError(calc.ErrCodeInternal, true, "%s step panicked: %v", h.Type(), r)
		}
	}()
	return h.ExecuteStep(ctx, params, prev)
}

// apply stores next if gen is still current. It reports whether the status
// was stored and whether it ended the calculation.
func (o *Orchestrator) apply(calcID string, e *entry, gen uint64, next calc.Status) (applied, terminal bool) {
	e.mu.Lock()
	if e.gen != gen || !e.running {
		e.mu.Unlock()
		return false, false
	}

	from := e.status.State
	if !calc.CanTransition(from, next.State) {
		next = calc.Status{
			State: calc.StateError,
			Error: calc.NewError(calc.ErrCodeInternal, true, "illegal transition %s -> %s", from, next.State),
		}
	}
	next.Metadata = e.status.Metadata
	next = next.Normalized()
	if err := next.Validate(); err != nil {
		next = calc.Status{
			State:    calc.StateError,
			Error:    calc.NewError(calc.ErrCodeInternal, true, "invalid step status: %v", err),
			Metadata: e.status.Metadata,
		}
	}

	e.status = next
	terminal = next.State.IsTerminal()
	if terminal {
		e.running = false
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
	}
	e.publishLocked()
	tr := Transition{CalcID: calcID, From: from, Status: next.Clone(), Params: e.params}
	e.mu.Unlock()

	if terminal && next.State == calc.StateError {
		log.Printf("[orchestrator] %s failed: %v", calcID, next.Error)
	}
	o.emit(tr)
	return true, terminal
}

// snapshot returns a copy of the status if gen is still current.
func (e *entry) snapshot(gen uint64) (calc.Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen || !e.running {
		return calc.Status{}, false
	}
	return e.status.Clone(), true
}
