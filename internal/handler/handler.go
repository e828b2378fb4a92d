// Package handler isolates the difference between one-shot household
// calculations and polled economy calculations from the orchestrator, which
// only knows "step, maybe again later".
package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/policyengine/calcd/internal/calc"
	"github.com/policyengine/calcd/internal/countries"
)

// Simulation is the part of a simulation record a calculation needs.
type Simulation struct {
	ID             string `json:"id"`
	PolicyID       string `json:"policy_id"`
	PopulationID   string `json:"population_id"`
	PopulationType string `json:"population_type"`
}

// Inputs are the domain objects a calculation is built from. The first
// simulation is the baseline, an optional second one the reform.
type Inputs struct {
	CountryID   string       `json:"country_id"`
	Simulations []Simulation `json:"simulations"`
	Region      string       `json:"region,omitempty"`
}

// Handler performs one unit of work for a calculation type.
type Handler interface {
	Type() calc.CalcType
	// BuildMetadata translates domain objects into a validated request
	// descriptor. Invalid input yields a non-retryable InvalidRequest error.
	BuildMetadata(in Inputs) (calc.Params, error)
	// ExecuteStep runs one network round trip and returns the next status.
	// Returned errors are *calc.CalcError, or the context error when ctx
	// was cancelled by the caller.
	ExecuteStep(ctx context.Context, params calc.Params, prev calc.Status) (calc.Status, error)
	// PollInterval returns the delay before the next step, or false for
	// one-shot handlers.
	PollInterval() (time.Duration, bool)
}

// Set is the closed set of handlers, one per calculation type.
type Set struct {
	Household *Household
	Economy   *Economy
}

// ForType returns the handler for t.
func (s Set) ForType(t calc.CalcType) (Handler, error) {
	switch t {
	case calc.CalcTypeHousehold:
		if s.Household == nil {
			return nil, errors.New("handler: household handler not configured")
		}
		return s.Household, nil
	case calc.CalcTypeEconomy:
		if s.Economy == nil {
			return nil, errors.New("handler: economy handler not configured")
		}
		return s.Economy, nil
	default:
		return nil, fmt.Errorf("handler: unknown calculation type %q", t)
	}
}

// base holds what both handlers share: descriptor validation and the
// country catalog.
type base struct {
	validate *validator.Validate
	catalog  *countries.Catalog
}

func newBase(catalog *countries.Catalog) base {
	if catalog == nil {
		catalog = countries.Default()
	}
	return base{validate: validator.New(), catalog: catalog}
}

func (b base) checkParams(p calc.Params) error {
	if err := b.validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return invalidRequest("invalid fields: %s", strings.Join(fields, ", "))
		}
		return invalidRequest("%v", err)
	}
	if _, ok := b.catalog.Lookup(p.CountryID); !ok {
		return invalidRequest("unknown country %q", p.CountryID)
	}
	return nil
}

func invalidRequest(format string, args ...any) error {
	return calc.NewError(calc.ErrCodeInvalidRequest, false, format, args...)
}

// stepError converts a client error into the error ExecuteStep returns.
// Caller cancellation passes through untouched so the orchestrator can tell
// it apart from a failed calculation.
func stepError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return calc.ClassifyError(err)
}

func policyIDs(sims []Simulation) calc.PolicyIDs {
	ids := calc.PolicyIDs{Baseline: sims[0].PolicyID}
	if len(sims) > 1 {
		ids.Reform = sims[1].PolicyID
	}
	return ids
}
