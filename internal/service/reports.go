package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/policyengine/calcd/internal/calc"
	"github.com/policyengine/calcd/internal/handler"
	"github.com/policyengine/calcd/internal/model"
	"github.com/policyengine/calcd/internal/state"
)

// maxReportSimulations is the baseline plus an optional reform.
const maxReportSimulations = 2

// ReportRequest creates a report over one or two simulations.
type ReportRequest struct {
	CountryID   string               `json:"country_id"`
	Simulations []handler.Simulation `json:"simulations"`
	Region      string               `json:"region,omitempty"`
}

// planReport turns a report request into its calculations. Geography
// reports run one economy calculation under the report id; household
// reports run one household calculation per simulation.
func (s *CalcService) planReport(reportID string, req ReportRequest) ([]calcPlan, error) {
	if n := len(req.Simulations); n == 0 || n > maxReportSimulations {
		return nil, invalidArg(fmt.Sprintf("simulations: must contain 1 to %d simulations, got %d", maxReportSimulations, n))
	}
	calcType, ok := calcTypeForPopulation(req.Simulations[0].PopulationType)
	if !ok {
		return nil, invalidArg("simulations[0].population_type: must be household or geography")
	}
	for i, sim := range req.Simulations[1:] {
		if t, _ := calcTypeForPopulation(sim.PopulationType); t != calcType {
			return nil, invalidArg(fmt.Sprintf("simulations[%d].population_type: all simulations must share one population type", i+1))
		}
	}
	h, err := s.Handlers.ForType(calcType)
	if err != nil {
		return nil, internal("resolve handler", err)
	}

	if calcType == calc.CalcTypeEconomy {
		params, err := h.BuildMetadata(handler.Inputs{
			CountryID:   req.CountryID,
			Simulations: req.Simulations,
			Region:      req.Region,
		})
		if err != nil {
			return nil, fromCalcError(err)
		}
		return []calcPlan{{calcID: reportID, target: calc.TargetReport, handler: h, params: params}}, nil
	}

	plans := make([]calcPlan, 0, len(req.Simulations))
	seen := make(map[string]bool, len(req.Simulations))
	for i, sim := range req.Simulations {
		if strings.TrimSpace(sim.ID) == "" {
			return nil, invalidArg(fmt.Sprintf("simulations[%d].id: must be non-empty", i))
		}
		// Calc ids derive from simulation ids; a repeat would collapse two
		// calculations into one that the watcher waits on twice.
		if seen[sim.ID] {
			return nil, invalidArg(fmt.Sprintf("simulations[%d].id: duplicate simulation id %q", i, sim.ID))
		}
		seen[sim.ID] = true
		params, err := h.BuildMetadata(handler.Inputs{
			CountryID:   req.CountryID,
			Simulations: []handler.Simulation{sim},
		})
		if err != nil {
			return nil, fromCalcError(err)
		}
		plans = append(plans, calcPlan{
			calcID:  reportID + ":" + sim.ID,
			target:  calc.TargetReport,
			handler: h,
			params:  params,
		})
	}
	return plans, nil
}

// CreateReport persists a new pending report, starts its calculations and
// watches them until the report can be finalized.
func (s *CalcService) CreateReport(ctx context.Context, req ReportRequest) (*model.Report, error) {
	reportID := uuid.NewString()
	plans, err := s.planReport(reportID, req)
	if err != nil {
		return nil, err
	}
	requestJSON, err := gojson.Marshal(req)
	if err != nil {
		return nil, internal("encode report request", err)
	}

	nowNs := s.now().UnixNano()
	rep := model.Report{
		ID:          reportID,
		CountryID:   req.CountryID,
		Status:      model.ReportPending,
		CalcIDs:     calcIDs(plans),
		Request:     requestJSON,
		CreatedAtNs: nowNs,
		UpdatedAtNs: nowNs,
	}
	if err := s.Engine.CreateReport(rep); err != nil {
		if errors.Is(err, state.ErrConflict) {
			return nil, conflict("report already exists")
		}
		return nil, internal("persist report", err)
	}

	if err := s.runReport(ctx, rep.ID, plans); err != nil {
		return nil, err
	}
	return &rep, nil
}

func (s *CalcService) runReport(ctx context.Context, reportID string, plans []calcPlan) error {
	if len(plans) > 0 {
		s.warmMetadata(plans[0].params.CountryID)
	}
	for _, p := range plans {
		st, err := s.Orch.Resolve(ctx, p.calcID)
		if err != nil {
			return internal("restore calculation", err)
		}
		// Finished calculations are observed by the watcher as they are.
		if st.State.IsTerminal() {
			continue
		}
		s.launch(p)
	}
	s.Watcher.Watch(reportID, calcIDs(plans))
	return nil
}

// GetReport returns a report by id.
func (s *CalcService) GetReport(id string) (*model.Report, error) {
	rep, err := s.Engine.GetReport(id)
	if errors.Is(err, state.ErrNotFound) {
		return nil, notFound("report not found")
	}
	if err != nil {
		return nil, internal("load report", err)
	}
	return rep, nil
}

// RecoverPendingReports resumes every pending report that has no active
// watch: calculations that did not finish are started again and a watcher
// is attached. It runs at boot and periodically afterwards.
func (s *CalcService) RecoverPendingReports(ctx context.Context) (int, error) {
	pending, err := s.Engine.ListReportsByStatus(model.ReportPending)
	if err != nil {
		return 0, fmt.Errorf("list pending reports: %w", err)
	}
	resumed := 0
	for _, rep := range pending {
		if s.Watcher.IsWatching(rep.ID) {
			continue
		}
		if err := s.recoverReport(ctx, rep); err != nil {
			log.Printf("[service] recover report %s: %v", rep.ID, err)
			continue
		}
		resumed++
	}
	if resumed > 0 {
		log.Printf("[service] resumed %d pending reports", resumed)
	}
	return resumed, nil
}

func (s *CalcService) recoverReport(ctx context.Context, rep model.Report) error {
	var req ReportRequest
	if err := gojson.Unmarshal(rep.Request, &req); err != nil {
		_, markErr := s.Engine.MarkReportError(rep.ID, "stored report request is unreadable", s.now().UnixNano())
		return errors.Join(fmt.Errorf("decode request: %w", err), markErr)
	}
	plans, err := s.planReport(rep.ID, req)
	if err != nil {
		_, markErr := s.Engine.MarkReportError(rep.ID, err.Error(), s.now().UnixNano())
		return errors.Join(err, markErr)
	}
	return s.runReport(ctx, rep.ID, plans)
}

func calcIDs(plans []calcPlan) []string {
	ids := make([]string, len(plans))
	for i, p := range plans {
		ids[i] = p.calcID
	}
	return ids
}
