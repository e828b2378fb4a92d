package service

import (
	"context"
	"strings"

	"github.com/policyengine/calcd/internal/calc"
	"github.com/policyengine/calcd/internal/handler"
	"github.com/policyengine/calcd/internal/model"
	"github.com/policyengine/calcd/internal/orchestrator"
)

// SimulationCalcRequest asks for the calculation of one simulation.
type SimulationCalcRequest struct {
	CountryID      string `json:"country_id"`
	PolicyID       string `json:"policy_id"`
	PopulationID   string `json:"population_id"`
	PopulationType string `json:"population_type"`
	Region         string `json:"region,omitempty"`
}

// CalcResponse is the status of one calculation plus whether this request
// started it.
type CalcResponse struct {
	CalcID  string      `json:"calc_id"`
	Started bool        `json:"started"`
	Cached  bool        `json:"cached"`
	Status  calc.Status `json:"status"`
}

// calcPlan is one calculation ready to be started.
type calcPlan struct {
	calcID  string
	target  calc.TargetType
	handler handler.Handler
	params  calc.Params
}

func calcTypeForPopulation(populationType string) (calc.CalcType, bool) {
	switch strings.ToLower(strings.TrimSpace(populationType)) {
	case "", "household":
		return calc.CalcTypeHousehold, true
	case "geography":
		return calc.CalcTypeEconomy, true
	}
	return "", false
}

// CalculateSimulation starts the calculation of simulation simID. A request
// for a simulation that is already being calculated returns the current
// status without starting anything.
func (s *CalcService) CalculateSimulation(ctx context.Context, simID string, req SimulationCalcRequest) (*CalcResponse, error) {
	simID = strings.TrimSpace(simID)
	if simID == "" {
		return nil, invalidArg("id: must be non-empty")
	}
	calcType, ok := calcTypeForPopulation(req.PopulationType)
	if !ok {
		return nil, invalidArg("population_type: must be household or geography")
	}
	h, err := s.Handlers.ForType(calcType)
	if err != nil {
		return nil, internal("resolve handler", err)
	}
	params, err := h.BuildMetadata(handler.Inputs{
		CountryID: req.CountryID,
		Region:    req.Region,
		Simulations: []handler.Simulation{{
			ID:             simID,
			PolicyID:       req.PolicyID,
			PopulationID:   req.PopulationID,
			PopulationType: req.PopulationType,
		}},
	})
	if err != nil {
		return nil, fromCalcError(err)
	}

	s.warmMetadata(params.CountryID)

	plan := calcPlan{calcID: simID, target: calc.TargetSimulation, handler: h, params: params}
	if _, err := s.Orch.Resolve(ctx, simID); err != nil {
		return nil, internal("restore calculation", err)
	}
	started, cached := s.launch(plan)
	st, _ := s.Orch.Status(simID)
	return &CalcResponse{CalcID: simID, Started: started, Cached: cached, Status: st}, nil
}

// launch starts plan, or answers it from the result cache. It reports
// whether anything was started and whether the answer came from the cache.
func (s *CalcService) launch(plan calcPlan) (started, cached bool) {
	if s.Orch.IsRunning(plan.calcID) {
		return false, false
	}
	if s.Results != nil {
		if result, ok := s.Results.Lookup(plan.handler.Type(), plan.params); ok {
			st := calc.Status{State: calc.StateComplete, Result: result}
			if s.Orch.Seed(plan.calcID, plan.target, plan.handler.Type(), st) {
				return true, true
			}
		}
	}
	return s.Orch.Start(plan.calcID, plan.target, plan.params, plan.handler), false
}

// GetCalculation returns the status of calcID, restoring it from a previous
// run when it is not known in memory.
func (s *CalcService) GetCalculation(ctx context.Context, calcID string) (calc.Status, error) {
	st, err := s.Orch.Resolve(ctx, calcID)
	if err != nil {
		return calc.Status{}, internal("restore calculation", err)
	}
	return st, nil
}

// CancelCalculation stops an in-flight calculation.
func (s *CalcService) CancelCalculation(calcID string) error {
	if !s.Orch.Cancel(calcID) {
		return conflict("calculation is not running")
	}
	return nil
}

// DeleteCalculation cancels calcID and forgets everything known about it.
func (s *CalcService) DeleteCalculation(calcID string) {
	s.Orch.Cleanup(calcID)
	if s.Snapshots != nil {
		s.Snapshots.Forget(calcID)
	}
}

// ListCalculationEvents returns the recorded transitions of calcID.
func (s *CalcService) ListCalculationEvents(calcID string, limit int) ([]model.CalcEvent, error) {
	if s.Events == nil {
		return nil, unavailable("event log is disabled", nil)
	}
	events, err := s.Events.ListByCalc(calcID, limit)
	if err != nil {
		return nil, internal("list calculation events", err)
	}
	if events == nil {
		events = []model.CalcEvent{}
	}
	return events, nil
}

// OrchestratorDebug is the debug view of the orchestrator and watchers.
type OrchestratorDebug struct {
	orchestrator.DebugInfo
	ActiveWatches int `json:"active_watches"`
	DirtyCount    int `json:"dirty_snapshots"`
	CachedResults int `json:"cached_results"`
}

// DebugInfo returns diagnostics. It has no side effects.
func (s *CalcService) DebugInfo() OrchestratorDebug {
	out := OrchestratorDebug{DebugInfo: s.Orch.DebugInfo()}
	if out.Entries == nil {
		out.Entries = []orchestrator.EntryInfo{}
	}
	if s.Watcher != nil {
		out.ActiveWatches = s.Watcher.ActiveCount()
	}
	if s.Engine != nil {
		out.DirtyCount = s.Engine.DirtyCount()
	}
	if s.Results != nil {
		out.CachedResults = s.Results.Len()
	}
	return out
}
