package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/policyengine/calcd/internal/api"
	"github.com/policyengine/calcd/internal/buildinfo"
	"github.com/policyengine/calcd/internal/config"
	"github.com/policyengine/calcd/internal/countries"
	"github.com/policyengine/calcd/internal/eventlog"
	"github.com/policyengine/calcd/internal/handler"
	"github.com/policyengine/calcd/internal/metacache"
	"github.com/policyengine/calcd/internal/metrics"
	"github.com/policyengine/calcd/internal/orchestrator"
	"github.com/policyengine/calcd/internal/remote"
	"github.com/policyengine/calcd/internal/resultcache"
	"github.com/policyengine/calcd/internal/service"
	"github.com/policyengine/calcd/internal/state"
	"github.com/policyengine/calcd/internal/watcher"
)

type calcdApp struct {
	envCfg      *config.EnvConfig
	runtimeCfg  *atomic.Pointer[config.RuntimeConfig]
	svc         *service.CalcService
	refresher   *metacache.Refresher
	eventRepo   *eventlog.Repo
	eventSvc    *eventlog.Service
	metricsRepo *metrics.MetricsRepo
	metricsMgr  *metrics.Manager
	flushWorker *state.SnapshotFlushWorker
	apiSrv      *api.Server
	listener    net.Listener
	sweepStop   chan struct{}
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	if msg := adminTokenWarning(envCfg.AdminToken); msg != "" {
		log.Printf("[config] WARNING: %s", msg)
	}

	engine, dbCloser, err := state.PersistenceBootstrap(envCfg.StateDir, envCfg.CacheDir)
	if err != nil {
		return fmt.Errorf("persistence bootstrap: %w", err)
	}
	log.Println("Persistence bootstrap complete")

	app, err := newCalcdApp(envCfg, engine)
	if err != nil {
		_ = dbCloser.Close()
		return err
	}
	app.startBackgroundServices()

	serverErrCh, err := app.startServer()
	if err != nil {
		app.shutdown(context.Background())
		_ = dbCloser.Close()
		return err
	}
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if err := dbCloser.Close(); err != nil {
		log.Printf("Persistence close error: %v", err)
	}
	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func loadCatalog(path string) (*countries.Catalog, error) {
	if path == "" {
		return countries.Default(), nil
	}
	catalog, err := countries.Load(path)
	if err != nil {
		return nil, fmt.Errorf("country catalog: %w", err)
	}
	log.Printf("Loaded country catalog from %s", path)
	return catalog, nil
}

func newCalcdApp(envCfg *config.EnvConfig, engine *state.StateEngine) (*calcdApp, error) {
	app := &calcdApp{
		envCfg:     envCfg,
		runtimeCfg: &atomic.Pointer[config.RuntimeConfig]{},
		sweepStop:  make(chan struct{}),
	}
	app.runtimeCfg.Store(config.NewDefaultRuntimeConfig())
	snapshot := func() *config.RuntimeConfig { return app.runtimeCfg.Load() }

	catalog, err := loadCatalog(envCfg.CountryCatalogPath)
	if err != nil {
		return nil, err
	}

	client := remote.NewClient(
		envCfg.APIBaseURL,
		func() time.Duration { return snapshot().HouseholdTimeout.Std() },
		func() time.Duration { return snapshot().RequestTimeout.Std() },
		func() string { return snapshot().UserAgent },
	)
	client.Headers = envCfg.ExtraHeaders

	meta := metacache.New(client, engine, envCfg.MetadataFrontEntries)
	app.refresher = metacache.NewRefresher(meta, envCfg.MetadataRefreshSchedule, envCfg.MetadataRefreshTimeout)

	app.eventRepo = eventlog.NewRepo(envCfg.LogDir)
	if err := app.eventRepo.Open(); err != nil {
		meta.Close()
		return nil, fmt.Errorf("event log repo open: %w", err)
	}
	app.eventSvc = eventlog.NewService(eventlog.ServiceConfig{
		Repo:          app.eventRepo,
		QueueSize:     envCfg.EventLogQueueSize,
		FlushBatch:    envCfg.EventLogFlushBatch,
		FlushInterval: envCfg.EventLogFlushInterval,
		Retention:     envCfg.EventLogRetention,
	})

	app.metricsRepo, err = metrics.NewMetricsRepo(filepath.Join(envCfg.LogDir, "metrics.db"))
	if err != nil {
		meta.Close()
		_ = app.eventRepo.Close()
		return nil, fmt.Errorf("metrics repo open: %w", err)
	}

	results := resultcache.New(envCfg.ResultCacheEntries, envCfg.ResultCacheTTL)
	snapshots := service.NewSnapshotStore(engine)
	hooks := service.TransitionHooks{Events: app.eventSvc, Snapshots: snapshots, Results: results}
	// hooks is completed below once the orchestrator exists; the closure
	// reads the final value.
	orch := orchestrator.New(orchestrator.Options{
		Restorer:     snapshots,
		OnTransition: func(tr orchestrator.Transition) { hooks.OnTransition(tr) },
	})

	app.metricsMgr = metrics.NewManager(metrics.ManagerConfig{
		Repo:                app.metricsRepo,
		DurationBinMs:       envCfg.MetricDurationBinMS,
		DurationOverflowMs:  envCfg.MetricDurationOverflowMS,
		BucketSeconds:       envCfg.MetricBucketSeconds,
		RealtimeCapacity:    envCfg.MetricRealtimeRetentionSeconds / envCfg.MetricRealtimeIntervalSeconds,
		RealtimeIntervalSec: envCfg.MetricRealtimeIntervalSeconds,
		Activity:            orch,
	})
	hooks.Metrics = app.metricsMgr

	app.flushWorker = state.NewSnapshotFlushWorker(engine, snapshots.Readers(), state.FlushPolicy{
		Threshold: envCfg.SnapshotFlushThreshold,
		Interval:  envCfg.SnapshotFlushInterval,
	})

	app.svc = &service.CalcService{
		Engine: engine,
		Orch:   orch,
		Handlers: handler.Set{
			Household: handler.NewHousehold(client, catalog),
			Economy: handler.NewEconomy(client, catalog, func() time.Duration {
				return snapshot().EconomyPollInterval.Std()
			}),
		},
		Catalog:    catalog,
		Metadata:   meta,
		Refresher:  app.refresher,
		Watcher:    watcher.New(orch, engine),
		Events:     app.eventRepo,
		Results:    results,
		Snapshots:  snapshots,
		Metrics:    app.metricsMgr,
		RuntimeCfg: app.runtimeCfg,
		Info: service.SystemInfo{
			Version:   buildinfo.Version,
			GitCommit: buildinfo.GitCommit,
			BuildTime: buildinfo.BuildTime,
			StartedAt: time.Now().UTC(),
		},
	}

	app.apiSrv = api.NewServer(
		envCfg.ListenAddress,
		envCfg.Port,
		envCfg.AdminToken,
		int64(envCfg.APIMaxBodyBytes),
		app.svc,
	)
	return app, nil
}

// adminTokenWarning describes what is wrong with token, or returns "".
func adminTokenWarning(token string) string {
	switch {
	case token == "":
		return "CALCD_ADMIN_TOKEN is empty, API authentication is disabled"
	case config.IsWeakToken(token):
		return "CALCD_ADMIN_TOKEN is weak, use a long random value"
	}
	return ""
}

func (a *calcdApp) startBackgroundServices() {
	// Sinks first, so no transition is lost once calculations resume.
	a.eventSvc.Start()
	log.Println("Event log service started")

	a.flushWorker.Start()
	log.Println("Snapshot flush worker started")

	a.metricsMgr.Start()
	log.Println("Metrics manager started")

	a.refresher.Start()
	log.Println("Metadata refresher started")

	n, err := a.svc.RecoverPendingReports(context.Background())
	if err != nil {
		log.Printf("Warning: recover pending reports: %v", err)
	} else if n > 0 {
		log.Printf("Resumed %d pending reports", n)
	}
	go a.svc.RunReportSweep(a.sweepStop)
	log.Println("Report sweep started")
}

func (a *calcdApp) startServer() (<-chan error, error) {
	addr := formatListenAddress(a.envCfg.ListenAddress, a.envCfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("api server listen: %w", err)
	}
	a.listener = ln

	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("calcd API server starting on http://%s", addr)
		if err := a.apiSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	return serverErrCh, nil
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("Received server runtime error (%v), shutting down...", err)
		return err
	}
}

func formatListenAddress(listenAddress string, port int) string {
	return net.JoinHostPort(listenAddress, strconv.Itoa(port))
}

func (a *calcdApp) shutdown(ctx context.Context) {
	if a.listener != nil {
		if err := a.apiSrv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		log.Println("API server stopped")
	}

	// Stop in order: event sources first, then sinks, then persistence.
	close(a.sweepStop)
	a.refresher.Stop()
	log.Println("Metadata refresher stopped")

	a.svc.Watcher.Close()
	a.svc.Orch.Close()
	log.Println("Orchestrator stopped")

	a.metricsMgr.Stop()
	if err := a.metricsRepo.Close(); err != nil {
		log.Printf("Metrics repo close error: %v", err)
	}
	log.Println("Metrics manager stopped")

	a.eventSvc.Stop()
	if err := a.eventRepo.Close(); err != nil {
		log.Printf("Event log repo close error: %v", err)
	}
	log.Println("Event log closed")

	a.svc.Close() // background metadata refreshes
	a.svc.Results.Close()
	a.svc.Metadata.Close()

	a.flushWorker.Stop() // final snapshot flush before DB close
	log.Println("Server stopped")
}
