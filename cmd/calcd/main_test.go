package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/policyengine/calcd/internal/config"
	"github.com/policyengine/calcd/internal/state"
	"github.com/policyengine/calcd/internal/testutil"
)

func newTestEnvConfig(t *testing.T, apiBaseURL string) *config.EnvConfig {
	t.Helper()
	return &config.EnvConfig{
		CacheDir:                t.TempDir(),
		StateDir:                t.TempDir(),
		LogDir:                  t.TempDir(),
		ListenAddress:           "127.0.0.1",
		Port:                    0,
		APIMaxBodyBytes:         1 << 20,
		APIBaseURL:              apiBaseURL,
		MetadataRefreshSchedule: "*/30 * * * *",
		MetadataRefreshTimeout:  time.Minute,
		MetadataFrontEntries:    8,
		ResultCacheEntries:      64,
		ResultCacheTTL:          time.Hour,
		SnapshotFlushThreshold:  16,
		SnapshotFlushInterval:   time.Second,
		EventLogQueueSize:       64,
		EventLogFlushBatch:      16,
		EventLogFlushInterval:   50 * time.Millisecond,
		EventLogRetention:       time.Hour,

		MetricBucketSeconds:            300,
		MetricRealtimeIntervalSeconds:  5,
		MetricRealtimeRetentionSeconds: 3600,
		MetricDurationBinMS:            1000,
		MetricDurationOverflowMS:       300000,
	}
}

func TestLoadCatalog(t *testing.T) {
	cat, err := loadCatalog("")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cat.Lookup("us"); !ok {
		t.Fatal("default catalog should contain us")
	}

	if _, err := loadCatalog(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for a missing catalog file")
	}
}

func TestCalcdApp_StartServeShutdown(t *testing.T) {
	fake := testutil.NewFakeCompute(t)
	envCfg := newTestEnvConfig(t, fake.URL())

	engine, closer, err := state.PersistenceBootstrap(envCfg.StateDir, envCfg.CacheDir)
	if err != nil {
		t.Fatalf("PersistenceBootstrap: %v", err)
	}
	defer closer.Close()

	app, err := newCalcdApp(envCfg, engine)
	if err != nil {
		t.Fatalf("newCalcdApp: %v", err)
	}
	app.startBackgroundServices()
	if _, err := app.startServer(); err != nil {
		t.Fatalf("startServer: %v", err)
	}

	resp, err := http.Get("http://" + app.listener.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Fatalf("healthz: status=%d body=%s", resp.StatusCode, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if _, err := os.Stat(filepath.Join(envCfg.LogDir, "metrics.db")); err != nil {
		t.Fatalf("metrics db not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(envCfg.LogDir, "events.db")); err != nil {
		t.Fatalf("event log db not created: %v", err)
	}
}

func TestAdminTokenWarning(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"empty", "", "disabled"},
		{"weak", "password", "weak"},
		{"strong", "a9f73d18e5249b6a35f7419d11c603e2", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := adminTokenWarning(tt.token)
			if tt.want == "" {
				if got != "" {
					t.Fatalf("unexpected warning: %q", got)
				}
				return
			}
			if !strings.Contains(got, tt.want) {
				t.Fatalf("warning = %q, want it to mention %q", got, tt.want)
			}
		})
	}
}
