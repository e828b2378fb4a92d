// Package calc defines the calculation lifecycle types shared by the
// orchestrator, the handlers and the completion watchers.
package calc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle state of one calculation.
type State string

const (
	// StateInitializing means the existence of a prior calculation is not known yet.
	StateInitializing State = "initializing"
	// StateIdle means no calculation has been started for the id.
	StateIdle State = "idle"
	// StatePending means a request or poll loop is active.
	StatePending State = "pending"
	// StateComplete is terminal; Result is populated.
	StateComplete State = "complete"
	// StateError is terminal; Error is populated.
	StateError State = "error"
)

// IsValid reports whether s is one of the five known states.
func (s State) IsValid() bool {
	switch s {
	case StateInitializing, StateIdle, StatePending, StateComplete, StateError:
		return true
	}
	return false
}

// IsTerminal reports whether s is complete or error.
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateError
}

// CanTransition reports whether the state machine allows from -> to without
// a new Start. Start itself is handled separately: it is the only way out of
// a terminal state.
func CanTransition(from, to State) bool {
	switch from {
	case StateInitializing:
		return to == StateIdle || to == StatePending || to.IsTerminal()
	case StateIdle:
		return to == StatePending
	case StatePending:
		return to == StatePending || to.IsTerminal()
	default:
		return false
	}
}

// CalcType selects the handler used for a calculation.
type CalcType string

const (
	CalcTypeHousehold CalcType = "household"
	CalcTypeEconomy   CalcType = "economy"
)

// IsValid reports whether t is a supported calculation type.
func (t CalcType) IsValid() bool {
	return t == CalcTypeHousehold || t == CalcTypeEconomy
}

// TargetType is where the result of a calculation is ultimately stored.
type TargetType string

const (
	TargetSimulation TargetType = "simulation"
	TargetReport     TargetType = "report"
)

// IsValid reports whether t is a supported target type.
func (t TargetType) IsValid() bool {
	return t == TargetSimulation || t == TargetReport
}

// Metadata identifies what is being calculated and for whom. It is created
// once per Start and never mutated afterwards.
type Metadata struct {
	CalcID     string     `json:"calc_id"`
	CalcType   CalcType   `json:"calc_type"`
	TargetType TargetType `json:"target_type"`
	StartedAt  time.Time  `json:"started_at"`
}

// Status is the mutable envelope for one calculation id.
type Status struct {
	State         State           `json:"status"`
	Progress      *float64        `json:"progress,omitempty"`
	Message       string          `json:"message,omitempty"`
	QueuePosition *int            `json:"queue_position,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *CalcError      `json:"error,omitempty"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
}

// Validate checks the result/error exclusivity invariant.
func (s Status) Validate() error {
	if !s.State.IsValid() {
		return fmt.Errorf("calc: unknown state %q", s.State)
	}
	if len(s.Result) > 0 && s.State != StateComplete {
		return fmt.Errorf("calc: result present in state %s", s.State)
	}
	if s.Error != nil && s.State != StateError {
		return fmt.Errorf("calc: error present in state %s", s.State)
	}
	if s.State == StateError && s.Error == nil {
		return fmt.Errorf("calc: error state without error")
	}
	if s.Progress != nil && (*s.Progress < 0 || *s.Progress > 100) {
		return fmt.Errorf("calc: progress %.2f out of range", *s.Progress)
	}
	return nil
}

// Normalized returns a copy of s with fields that are not allowed in its
// state dropped, so the exclusivity invariant always holds.
func (s Status) Normalized() Status {
	out := s.Clone()
	if out.State != StateComplete {
		out.Result = nil
	}
	if out.State != StateError {
		out.Error = nil
	}
	if out.State.IsTerminal() {
		out.QueuePosition = nil
		if out.State == StateComplete {
			out.Progress = Float(100)
		}
	}
	if out.Progress != nil {
		p := *out.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		out.Progress = &p
	}
	return out
}

// Clone returns a deep copy that shares no mutable memory with s.
func (s Status) Clone() Status {
	out := s
	if s.Progress != nil {
		p := *s.Progress
		out.Progress = &p
	}
	if s.QueuePosition != nil {
		q := *s.QueuePosition
		out.QueuePosition = &q
	}
	if s.Result != nil {
		out.Result = bytes.Clone(s.Result)
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	if s.Metadata != nil {
		m := *s.Metadata
		out.Metadata = &m
	}
	return out
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }
