// Package config handles environment-based configuration loading and runtime config models.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/net/http/httpguts"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	CacheDir string
	StateDir string
	LogDir   string

	// Network
	ListenAddress   string
	Port            int
	APIMaxBodyBytes int
	AdminToken      string

	// Compute service
	APIBaseURL         string
	ExtraHeaders       map[string]string
	CountryCatalogPath string

	// Metadata cache
	MetadataRefreshSchedule string
	MetadataRefreshTimeout  time.Duration
	MetadataFrontEntries    int

	// Result cache
	ResultCacheEntries int
	ResultCacheTTL     time.Duration

	// Status snapshot persistence
	SnapshotFlushThreshold int
	SnapshotFlushInterval  time.Duration

	// Event log
	EventLogQueueSize     int
	EventLogFlushBatch    int
	EventLogFlushInterval time.Duration
	EventLogRetention     time.Duration

	// Metrics
	MetricBucketSeconds            int
	MetricRealtimeIntervalSeconds  int
	MetricRealtimeRetentionSeconds int
	MetricDurationBinMS            int
	MetricDurationOverflowMS       int
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any variable is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.CacheDir = envStr("CALCD_CACHE_DIR", "/var/cache/calcd")
	cfg.StateDir = envStr("CALCD_STATE_DIR", "/var/lib/calcd")
	cfg.LogDir = envStr("CALCD_LOG_DIR", "/var/log/calcd")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("CALCD_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("CALCD_PORT", 8080, &errs)
	cfg.APIMaxBodyBytes = envInt("CALCD_API_MAX_BODY_BYTES", 1<<20, &errs)
	cfg.AdminToken = envStr("CALCD_ADMIN_TOKEN", "")

	// --- Compute service ---
	cfg.APIBaseURL = strings.TrimSpace(envStr("CALCD_API_BASE_URL", "https://api.policyengine.org"))
	cfg.ExtraHeaders = envStringMap("CALCD_EXTRA_HEADERS", &errs)
	cfg.CountryCatalogPath = strings.TrimSpace(envStr("CALCD_COUNTRY_CATALOG", ""))

	// --- Metadata cache ---
	cfg.MetadataRefreshSchedule = envStr("CALCD_METADATA_REFRESH_SCHEDULE", "*/30 * * * *")
	cfg.MetadataRefreshTimeout = envDuration("CALCD_METADATA_REFRESH_TIMEOUT", 2*time.Minute, &errs)
	cfg.MetadataFrontEntries = envInt("CALCD_METADATA_FRONT_ENTRIES", 16, &errs)

	// --- Result cache ---
	cfg.ResultCacheEntries = envInt("CALCD_RESULT_CACHE_ENTRIES", 1024, &errs)
	cfg.ResultCacheTTL = envDuration("CALCD_RESULT_CACHE_TTL", time.Hour, &errs)

	// --- Snapshots ---
	cfg.SnapshotFlushThreshold = envInt("CALCD_SNAPSHOT_FLUSH_THRESHOLD", 256, &errs)
	cfg.SnapshotFlushInterval = envDuration("CALCD_SNAPSHOT_FLUSH_INTERVAL", 10*time.Second, &errs)

	// --- Event log ---
	cfg.EventLogQueueSize = envInt("CALCD_EVENT_LOG_QUEUE_SIZE", 4096, &errs)
	cfg.EventLogFlushBatch = envInt("CALCD_EVENT_LOG_FLUSH_BATCH", 256, &errs)
	cfg.EventLogFlushInterval = envDuration("CALCD_EVENT_LOG_FLUSH_INTERVAL", 5*time.Second, &errs)
	cfg.EventLogRetention = envDuration("CALCD_EVENT_LOG_RETENTION", 7*24*time.Hour, &errs)

	// --- Metrics ---
	cfg.MetricBucketSeconds = envInt("CALCD_METRIC_BUCKET_SECONDS", 300, &errs)
	cfg.MetricRealtimeIntervalSeconds = envInt("CALCD_METRIC_REALTIME_INTERVAL_SECONDS", 5, &errs)
	cfg.MetricRealtimeRetentionSeconds = envInt("CALCD_METRIC_REALTIME_RETENTION_SECONDS", 3600, &errs)
	cfg.MetricDurationBinMS = envInt("CALCD_METRIC_DURATION_BIN_MS", 1000, &errs)
	cfg.MetricDurationOverflowMS = envInt("CALCD_METRIC_DURATION_OVERFLOW_MS", 300000, &errs)

	// --- Validation ---
	if cfg.ListenAddress == "" {
		errs = append(errs, "CALCD_LISTEN_ADDRESS must not be empty")
	}
	validatePort("CALCD_PORT", cfg.Port, &errs)
	validatePositive("CALCD_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)

	if u, err := url.Parse(cfg.APIBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("CALCD_API_BASE_URL: must be an http/https absolute URL, got %q", cfg.APIBaseURL))
	}
	for name, value := range cfg.ExtraHeaders {
		if !httpguts.ValidHeaderFieldName(name) {
			errs = append(errs, fmt.Sprintf("CALCD_EXTRA_HEADERS: invalid header name %q", name))
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			errs = append(errs, fmt.Sprintf("CALCD_EXTRA_HEADERS: invalid value for header %q", name))
		}
	}

	if _, err := cron.ParseStandard(cfg.MetadataRefreshSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("CALCD_METADATA_REFRESH_SCHEDULE: invalid cron expression %q: %v", cfg.MetadataRefreshSchedule, err))
	}
	validatePositiveDuration("CALCD_METADATA_REFRESH_TIMEOUT", cfg.MetadataRefreshTimeout, &errs)
	validatePositive("CALCD_METADATA_FRONT_ENTRIES", cfg.MetadataFrontEntries, &errs)

	validatePositive("CALCD_RESULT_CACHE_ENTRIES", cfg.ResultCacheEntries, &errs)
	validatePositiveDuration("CALCD_RESULT_CACHE_TTL", cfg.ResultCacheTTL, &errs)

	validatePositive("CALCD_SNAPSHOT_FLUSH_THRESHOLD", cfg.SnapshotFlushThreshold, &errs)
	validatePositiveDuration("CALCD_SNAPSHOT_FLUSH_INTERVAL", cfg.SnapshotFlushInterval, &errs)

	validatePositive("CALCD_EVENT_LOG_QUEUE_SIZE", cfg.EventLogQueueSize, &errs)
	validatePositive("CALCD_EVENT_LOG_FLUSH_BATCH", cfg.EventLogFlushBatch, &errs)
	validatePositiveDuration("CALCD_EVENT_LOG_FLUSH_INTERVAL", cfg.EventLogFlushInterval, &errs)
	validatePositiveDuration("CALCD_EVENT_LOG_RETENTION", cfg.EventLogRetention, &errs)

	validatePositive("CALCD_METRIC_BUCKET_SECONDS", cfg.MetricBucketSeconds, &errs)
	validatePositive("CALCD_METRIC_REALTIME_INTERVAL_SECONDS", cfg.MetricRealtimeIntervalSeconds, &errs)
	validatePositive("CALCD_METRIC_REALTIME_RETENTION_SECONDS", cfg.MetricRealtimeRetentionSeconds, &errs)
	validatePositive("CALCD_METRIC_DURATION_BIN_MS", cfg.MetricDurationBinMS, &errs)
	validatePositive("CALCD_METRIC_DURATION_OVERFLOW_MS", cfg.MetricDurationOverflowMS, &errs)
	if cfg.MetricDurationOverflowMS < cfg.MetricDurationBinMS {
		errs = append(errs, "CALCD_METRIC_DURATION_OVERFLOW_MS must be >= CALCD_METRIC_DURATION_BIN_MS")
	}

	// Queue size must be >= 2x batch size
	if cfg.EventLogQueueSize < 2*cfg.EventLogFlushBatch {
		errs = append(errs, "CALCD_EVENT_LOG_QUEUE_SIZE must be at least 2x CALCD_EVENT_LOG_FLUSH_BATCH")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envStringMap(key string, errs *[]string) map[string]string {
	v := os.Getenv(key)
	if v == "" {
		return map[string]string{}
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid JSON string object %q", key, v))
		return map[string]string{}
	}
	if out == nil {
		return map[string]string{}
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %s", name, value))
	}
}
