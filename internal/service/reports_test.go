package service

import (
	"context"
	"strings"
	"testing"

	"github.com/policyengine/calcd/internal/calc"
	"github.com/policyengine/calcd/internal/handler"
	"github.com/policyengine/calcd/internal/model"
	"github.com/policyengine/calcd/internal/testutil"
)

func waitReport(t *testing.T, svc *CalcService, id string, want model.ReportStatus) *model.Report {
	t.Helper()
	var rep *model.Report
	eventually(t, "report "+string(want), func() bool {
		r, err := svc.GetReport(id)
		if err != nil {
			return false
		}
		rep = r
		return r.Status == want
	})
	return rep
}

func TestCreateReport_EconomyCompletes(t *testing.T) {
	fake := testutil.NewFakeCompute(t)
	fake.SetEconomy(
		testutil.EconomyStep{Status: "pending", QueuePosition: calc.Int(2)},
		testutil.EconomyStep{Status: "pending", QueuePosition: calc.Int(1)},
		testutil.EconomyStep{Status: "completed", Result: []byte(`{"budget":{"budgetary_impact":-5}}`)},
	)
	svc := newTestService(t, fake)

	rep, err := svc.CreateReport(context.Background(), ReportRequest{
		CountryID: "uk",
		Region:    "country/scotland",
		Simulations: []handler.Simulation{
			{ID: "base", PolicyID: "1", PopulationType: "geography"},
			{ID: "reform", PolicyID: "9", PopulationType: "geography"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Status != model.ReportPending || len(rep.CalcIDs) != 1 || rep.CalcIDs[0] != rep.ID {
		t.Fatalf("created report = %+v", rep)
	}

	done := waitReport(t, svc, rep.ID, model.ReportComplete)
	if string(done.Output) != `{"budget":{"budgetary_impact":-5}}` {
		t.Fatalf("output = %s", done.Output)
	}
	if hits := fake.Hits("economy"); hits != 3 {
		t.Fatalf("economy hits = %d, want 3", hits)
	}
	st, _ := svc.GetCalculation(context.Background(), rep.ID)
	if st.Metadata == nil || st.Metadata.TargetType != calc.TargetReport {
		t.Fatalf("calculation metadata = %+v", st.Metadata)
	}
}

func TestCreateReport_HouseholdErrorMarksReport(t *testing.T) {
	fake := testutil.NewFakeCompute(t)
	fake.SetHousehold("hh-ok", `{"net_income":1}`)
	svc := newTestService(t, fake)

	rep, err := svc.CreateReport(context.Background(), ReportRequest{
		CountryID: "us",
		Simulations: []handler.Simulation{
			{ID: "s1", PolicyID: "1", PopulationID: "hh-ok", PopulationType: "household"},
			{ID: "s2", PolicyID: "2", PopulationID: "hh-missing", PopulationType: "household"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.CalcIDs) != 2 || rep.CalcIDs[0] != rep.ID+":s1" {
		t.Fatalf("calc ids = %v", rep.CalcIDs)
	}

	done := waitReport(t, svc, rep.ID, model.ReportError)
	if !strings.Contains(done.ErrorMessage, "unknown household") {
		t.Fatalf("error message = %q", done.ErrorMessage)
	}
	if len(done.Output) != 0 {
		t.Fatalf("errored report must not carry output: %s", done.Output)
	}
}

func TestGetReport_NotFound(t *testing.T) {
	svc := newTestService(t, testutil.NewFakeCompute(t))
	if _, err := svc.GetReport("missing"); errCode(err) != "NOT_FOUND" {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestRecoverPendingReports(t *testing.T) {
	fake := testutil.NewFakeCompute(t)
	fake.SetHousehold("hh-1", `{"net_income":7}`)
	svc := newTestService(t, fake)

	// Reports left pending by a previous run: one resumable, one unreadable.
	if err := svc.Engine.CreateReport(model.Report{
		ID:        "r-ok",
		CountryID: "us",
		CalcIDs:   []string{"r-ok:s1"},
		Request:   []byte(`{"country_id":"us","simulations":[{"id":"s1","policy_id":"1","population_id":"hh-1","population_type":"household"}]}`),
	}); err != nil {
		t.Fatal(err)
	}
	if err := svc.Engine.CreateReport(model.Report{
		ID:        "r-bad",
		CountryID: "us",
		Request:   []byte(`{"country_id":"us","simulations":[]}`),
	}); err != nil {
		t.Fatal(err)
	}

	resumed, err := svc.RecoverPendingReports(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if resumed != 1 {
		t.Fatalf("resumed = %d, want 1", resumed)
	}

	done := waitReport(t, svc, "r-ok", model.ReportComplete)
	if string(done.Output) != `{"net_income":7}` {
		t.Fatalf("output = %s", done.Output)
	}
	bad, _ := svc.GetReport("r-bad")
	if bad.Status != model.ReportError {
		t.Fatalf("unreadable report status = %s", bad.Status)
	}

	// Nothing left to resume.
	if resumed, _ := svc.RecoverPendingReports(context.Background()); resumed != 0 {
		t.Fatalf("second sweep resumed %d", resumed)
	}
}

func TestCreateReport_RejectsDuplicateSimulationIDs(t *testing.T) {
	fake := testutil.NewFakeCompute(t)
	fake.SetHousehold("hh-1", `{"net_income":1}`)
	svc := newTestService(t, fake)

	_, err := svc.CreateReport(context.Background(), ReportRequest{
		CountryID: "us",
		Simulations: []handler.Simulation{
			{ID: "s1", PolicyID: "1", PopulationID: "hh-1", PopulationType: "household"},
			{ID: "s1", PolicyID: "2", PopulationID: "hh-1", PopulationType: "household"},
		},
	})
	if errCode(err) != "INVALID_ARGUMENT" || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("err = %v, want duplicate id rejection", err)
	}
	if n := svc.Watcher.ActiveCount(); n != 0 {
		t.Fatalf("active watches = %d", n)
	}
	if hits := fake.Hits("household"); hits != 0 {
		t.Fatalf("household hits = %d", hits)
	}
	pending, err := svc.Engine.ListReportsByStatus(model.ReportPending)
	if err != nil || len(pending) != 0 {
		t.Fatalf("pending reports = %v %v", pending, err)
	}
}
