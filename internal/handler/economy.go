package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/policyengine/calcd/internal/calc"
	"github.com/policyengine/calcd/internal/countries"
	"github.com/policyengine/calcd/internal/remote"
)

// DefaultPollInterval is the delay between economy poll steps.
const DefaultPollInterval = 2 * time.Second

// maxEstimatedProgress caps the time-based estimate so a slow run never
// shows as finished before the server says so.
const maxEstimatedProgress = 95

// EconomyClient is the remote call one economy poll step makes.
type EconomyClient interface {
	FetchEconomyResult(ctx context.Context, countryID string, policyIDs calc.PolicyIDs, region string) (*remote.EconomyResponse, error)
}

// Economy advances a server-side batched computation one poll at a time.
type Economy struct {
	base
	client         EconomyClient
	pollIntervalFn func() time.Duration
	nowFn          func() time.Time
}

// NewEconomy creates an economy handler. pollIntervalFn is read before every
// scheduled step so configuration changes apply to running calculations.
func NewEconomy(client EconomyClient, catalog *countries.Catalog, pollIntervalFn func() time.Duration) *Economy {
	if client == nil {
		panic("handler: NewEconomy requires non-nil client")
	}
	if pollIntervalFn == nil {
		pollIntervalFn = func() time.Duration { return DefaultPollInterval }
	}
	return &Economy{
		base:           newBase(catalog),
		client:         client,
		pollIntervalFn: pollIntervalFn,
		nowFn:          time.Now,
	}
}

func (e *Economy) Type() calc.CalcType { return calc.CalcTypeEconomy }

func (e *Economy) PollInterval() (time.Duration, bool) {
	d := e.pollIntervalFn()
	if d <= 0 {
		d = DefaultPollInterval
	}
	return d, true
}

// BuildMetadata takes one or two geography simulations (baseline, then
// reform) and resolves the region against the country catalog.
func (e *Economy) BuildMetadata(in Inputs) (calc.Params, error) {
	if n := len(in.Simulations); n < 1 || n > 2 {
		return calc.Params{}, invalidRequest("economy calculation needs one or two simulations, got %d", n)
	}
	for _, sim := range in.Simulations {
		if sim.PopulationType != "" && sim.PopulationType != "geography" {
			return calc.Params{}, invalidRequest("simulation %s has population type %q, want geography", sim.ID, sim.PopulationType)
		}
	}
	region, err := e.catalog.ResolveRegion(in.CountryID, in.Region)
	if err != nil {
		return calc.Params{}, invalidRequest("%v", err)
	}
	p := calc.Params{
		CountryID:      in.CountryID,
		PolicyIDs:      policyIDs(in.Simulations),
		PopulationID:   region,
		PopulationType: "geography",
		Region:         region,
	}
	if err := e.checkParams(p); err != nil {
		return calc.Params{}, err
	}
	return p, nil
}

// ExecuteStep performs one poll of the economy endpoint.
func (e *Economy) ExecuteStep(ctx context.Context, params calc.Params, prev calc.Status) (calc.Status, error) {
	resp, err := e.client.FetchEconomyResult(ctx, params.CountryID, params.PolicyIDs, params.Region)
	if err != nil {
		return calc.Status{}, stepError(err)
	}

	switch resp.Status {
	case remote.EconomyCompleted:
		return calc.Status{
			State:    calc.StateComplete,
			Progress: calc.Float(100),
			Result:   resp.Result,
		}, nil
	case remote.EconomyError:
		msg := resp.Error
		if msg == "" {
			msg = "economy calculation failed"
		}
		return calc.Status{}, calc.NewError(calc.ErrCodeAPI, resp.Retryable, "%s", msg)
	default:
		return calc.Status{
			State:         calc.StatePending,
			Progress:      e.estimateProgress(prev, resp.AverageTime),
			Message:       queueMessage(resp.QueuePosition),
			QueuePosition: resp.QueuePosition,
		}, nil
	}
}

// estimateProgress derives a percentage from the elapsed time and the
// server's average run time. Without an average the previous value is kept.
func (e *Economy) estimateProgress(prev calc.Status, averageSeconds *float64) *float64 {
	if averageSeconds == nil || *averageSeconds <= 0 || prev.Metadata == nil || prev.Metadata.StartedAt.IsZero() {
		if prev.Progress != nil {
			return calc.Float(*prev.Progress)
		}
		return calc.Float(0)
	}
	elapsed := e.nowFn().Sub(prev.Metadata.StartedAt).Seconds()
	p := elapsed / *averageSeconds * 100
	if p > maxEstimatedProgress {
		p = maxEstimatedProgress
	}
	if p < 0 {
		p = 0
	}
	// Never move backwards within one run.
	if prev.Progress != nil && *prev.Progress > p && *prev.Progress <= maxEstimatedProgress {
		p = *prev.Progress
	}
	return calc.Float(p)
}

func queueMessage(qp *int) string {
	if qp != nil && *qp > 0 {
		return fmt.Sprintf("Waiting in queue (position %d)", *qp)
	}
	return "Calculating economy impact"
}
