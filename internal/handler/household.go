package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/policyengine/calcd/internal/calc"
	"github.com/policyengine/calcd/internal/countries"
)

// HouseholdClient is the remote call a household calculation makes.
type HouseholdClient interface {
	FetchHouseholdResult(ctx context.Context, countryID string, policyIDs calc.PolicyIDs, householdID string) (json.RawMessage, error)
}

// Household runs a single timeout-bounded round trip; it never polls.
type Household struct {
	base
	client HouseholdClient
}

// NewHousehold creates a household handler. A nil catalog uses the
// built-in one.
func NewHousehold(client HouseholdClient, catalog *countries.Catalog) *Household {
	if client == nil {
		panic("handler: NewHousehold requires non-nil client")
	}
	return &Household{base: newBase(catalog), client: client}
}

func (h *Household) Type() calc.CalcType { return calc.CalcTypeHousehold }

func (h *Household) PollInterval() (time.Duration, bool) { return 0, false }

// BuildMetadata expects exactly one household simulation; each simulation
// of a household report is calculated under its own id.
func (h *Household) BuildMetadata(in Inputs) (calc.Params, error) {
	if len(in.Simulations) != 1 {
		return calc.Params{}, invalidRequest("household calculation needs exactly one simulation, got %d", len(in.Simulations))
	}
	sim := in.Simulations[0]
	popType := sim.PopulationType
	if popType == "" {
		popType = "household"
	}
	if popType != "household" {
		return calc.Params{}, invalidRequest("simulation %s has population type %q, want household", sim.ID, popType)
	}
	p := calc.Params{
		CountryID:      in.CountryID,
		PolicyIDs:      calc.PolicyIDs{Baseline: sim.PolicyID},
		PopulationID:   sim.PopulationID,
		PopulationType: popType,
	}
	if err := h.checkParams(p); err != nil {
		return calc.Params{}, err
	}
	return p, nil
}

// ExecuteStep issues the household request. Success is always terminal.
func (h *Household) ExecuteStep(ctx context.Context, params calc.Params, prev calc.Status) (calc.Status, error) {
	result, err := h.client.FetchHouseholdResult(ctx, params.CountryID, params.PolicyIDs, params.PopulationID)
	if err != nil {
		return calc.Status{}, stepError(err)
	}
	return calc.Status{
		State:    calc.StateComplete,
		Progress: calc.Float(100),
		Result:   result,
	}, nil
}
