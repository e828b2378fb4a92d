package service

import (
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/policyengine/calcd/internal/config"
	"github.com/policyengine/calcd/internal/countries"
	"github.com/policyengine/calcd/internal/eventlog"
	"github.com/policyengine/calcd/internal/handler"
	"github.com/policyengine/calcd/internal/metacache"
	"github.com/policyengine/calcd/internal/metrics"
	"github.com/policyengine/calcd/internal/orchestrator"
	"github.com/policyengine/calcd/internal/remote"
	"github.com/policyengine/calcd/internal/resultcache"
	"github.com/policyengine/calcd/internal/state"
	"github.com/policyengine/calcd/internal/testutil"
	"github.com/policyengine/calcd/internal/watcher"
)

// newTestService wires a CalcService against a fake compute service with
// real persistence in temp dirs.
func newTestService(t *testing.T, fake *testutil.FakeCompute) *CalcService {
	t.Helper()

	engine, closer, err := state.PersistenceBootstrap(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { closer.Close() })

	runtimeCfg := &atomic.Pointer[config.RuntimeConfig]{}
	rc := config.NewDefaultRuntimeConfig()
	rc.HouseholdTimeout = config.Duration(5 * time.Second)
	rc.RequestTimeout = config.Duration(5 * time.Second)
	rc.EconomyPollInterval = config.Duration(10 * time.Millisecond)
	runtimeCfg.Store(rc)

	client := remote.NewClient(
		fake.URL(),
		func() time.Duration { return runtimeCfg.Load().HouseholdTimeout.Std() },
		func() time.Duration { return runtimeCfg.Load().RequestTimeout.Std() },
		func() string { return runtimeCfg.Load().UserAgent },
	)
	catalog := countries.Default()

	eventRepo := eventlog.NewRepo(t.TempDir())
	if err := eventRepo.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { eventRepo.Close() })
	events := eventlog.NewService(eventlog.ServiceConfig{Repo: eventRepo, FlushInterval: 10 * time.Millisecond})
	events.Start()
	t.Cleanup(events.Stop)

	results := resultcache.New(64, time.Minute)
	t.Cleanup(results.Close)
	metricsRepo, err := metrics.NewMetricsRepo(filepath.Join(t.TempDir(), "metrics.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { metricsRepo.Close() })
	metricsMgr := metrics.NewManager(metrics.ManagerConfig{Repo: metricsRepo, BucketSeconds: 3600})
	snapshots := NewSnapshotStore(engine)
	hooks := TransitionHooks{Events: events, Snapshots: snapshots, Results: results, Metrics: metricsMgr}

	orch := orchestrator.New(orchestrator.Options{Restorer: snapshots, OnTransition: hooks.OnTransition})
	t.Cleanup(orch.Close)
	w := watcher.New(orch, engine)
	t.Cleanup(w.Close)

	meta := metacache.New(client, engine, 8)
	t.Cleanup(meta.Close)

	svc := &CalcService{
		Engine: engine,
		Orch:   orch,
		Handlers: handler.Set{
			Household: handler.NewHousehold(client, catalog),
			Economy:   handler.NewEconomy(client, catalog, func() time.Duration { return runtimeCfg.Load().EconomyPollInterval.Std() }),
		},
		Catalog:    catalog,
		Metadata:   meta,
		Watcher:    w,
		Events:     eventRepo,
		Results:    results,
		Snapshots:  snapshots,
		Metrics:    metricsMgr,
		RuntimeCfg: runtimeCfg,
	}
	t.Cleanup(svc.Close)
	return svc
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func errCode(err error) string {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Code
	}
	return ""
}
