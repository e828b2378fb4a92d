package service

import (
	"strings"
	"time"

	"github.com/policyengine/calcd/internal/calc"
	"github.com/policyengine/calcd/internal/metrics"
)

// MetricsWindow is a [From, To] time range for metrics queries.
type MetricsWindow struct {
	From time.Time
	To   time.Time
}

// RealtimeMetrics is the realtime sample series, newest first.
type RealtimeMetrics struct {
	IntervalSeconds int                      `json:"interval_seconds"`
	Items           []metrics.RealtimeSample `json:"items"`
}

// MetricsHistory is the bucketed history of one scope.
type MetricsHistory struct {
	BucketSeconds int                         `json:"bucket_seconds"`
	CalcType      string                      `json:"calc_type,omitempty"`
	Counts        []metrics.CalcBucketRow     `json:"counts"`
	Durations     []metrics.DurationBucketRow `json:"durations"`
}

// MetricsTotals are the cumulative counters since process start.
type MetricsTotals struct {
	Global metrics.CountersSnapshot            `json:"global"`
	ByType map[string]metrics.CountersSnapshot `json:"by_type"`
}

func (s *CalcService) requireMetrics() error {
	if s.Metrics == nil {
		return unavailable("metrics are disabled", nil)
	}
	return nil
}

func validateWindow(w MetricsWindow) error {
	if w.From.After(w.To) {
		return invalidArg("from: must not be after to")
	}
	return nil
}

func parseMetricsCalcType(raw string) (string, error) {
	t := strings.ToLower(strings.TrimSpace(raw))
	if t == "" {
		return metrics.GlobalScope, nil
	}
	if !calc.CalcType(t).IsValid() {
		return "", invalidArg("calc_type: must be household or economy")
	}
	return t, nil
}

// GetRealtimeMetrics returns realtime samples inside w.
func (s *CalcService) GetRealtimeMetrics(w MetricsWindow) (*RealtimeMetrics, error) {
	if err := s.requireMetrics(); err != nil {
		return nil, err
	}
	if err := validateWindow(w); err != nil {
		return nil, err
	}
	items := s.Metrics.Ring().Query(w.From, w.To)
	if items == nil {
		items = []metrics.RealtimeSample{}
	}
	return &RealtimeMetrics{IntervalSeconds: s.Metrics.RealtimeIntervalSeconds(), Items: items}, nil
}

// GetMetricsHistory returns bucketed counts and duration histograms inside
// w for calcType ("" for all types).
func (s *CalcService) GetMetricsHistory(w MetricsWindow, calcType string) (*MetricsHistory, error) {
	if err := s.requireMetrics(); err != nil {
		return nil, err
	}
	if err := validateWindow(w); err != nil {
		return nil, err
	}
	scope, err := parseMetricsCalcType(calcType)
	if err != nil {
		return nil, err
	}
	from, to := w.From.Unix(), w.To.Unix()
	counts, err := s.Metrics.QueryHistory(from, to, scope)
	if err != nil {
		return nil, internal("query metrics history", err)
	}
	durations, err := s.Metrics.QueryDurations(from, to, scope)
	if err != nil {
		return nil, internal("query duration history", err)
	}
	if counts == nil {
		counts = []metrics.CalcBucketRow{}
	}
	if durations == nil {
		durations = []metrics.DurationBucketRow{}
	}
	return &MetricsHistory{
		BucketSeconds: s.Metrics.BucketSeconds(),
		CalcType:      scope,
		Counts:        counts,
		Durations:     durations,
	}, nil
}

// GetMetricsTotals returns cumulative counters since process start.
func (s *CalcService) GetMetricsTotals() (*MetricsTotals, error) {
	if err := s.requireMetrics(); err != nil {
		return nil, err
	}
	c := s.Metrics.Collector()
	return &MetricsTotals{Global: c.Snapshot(), ByType: c.ScopeSnapshots()}, nil
}
