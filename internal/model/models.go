// Package model defines domain structs shared across the persistence layer.
package model

import "encoding/json"

// ReportStatus is the lifecycle state of a persisted report.
type ReportStatus string

const (
	ReportPending  ReportStatus = "pending"
	ReportComplete ReportStatus = "complete"
	ReportError    ReportStatus = "error"
)

// Report is a multi-calculation output record owned by the host process.
type Report struct {
	ID        string       `json:"id"`
	CountryID string       `json:"country_id"`
	Status    ReportStatus `json:"status"`
	CalcIDs   []string     `json:"calc_ids"`
	// Request is the creation request, kept so calculations can be rebuilt
	// after a restart.
	Request      json.RawMessage `json:"request,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAtNs  int64           `json:"created_at_ns"`
	UpdatedAtNs  int64           `json:"updated_at_ns"`
}

// CacheMetadata records which metadata version is stored for a country.
type CacheMetadata struct {
	CountryID   string `json:"country_id"`
	Version     string `json:"version"`
	VersionID   string `json:"version_id"`
	Loaded      bool   `json:"loaded"`
	TimestampNs int64  `json:"timestamp_ns"`
}

// MetadataRow is one reference entity (variable, dataset or parameter).
type MetadataRow struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// MetadataBundle is the full set of reference entities for one country.
type MetadataBundle struct {
	Variables  []MetadataRow
	Datasets   []MetadataRow
	Parameters []MetadataRow
}

// StatusSnapshot is the last known status of a calculation, kept so a
// restarted process can restore it.
type StatusSnapshot struct {
	CalcID      string          `json:"calc_id"`
	StatusJSON  json.RawMessage `json:"status"`
	UpdatedAtNs int64           `json:"updated_at_ns"`
}

// CalcEvent is one recorded status transition.
type CalcEvent struct {
	ID        string   `json:"id"`
	CalcID    string   `json:"calc_id"`
	TsNs      int64    `json:"ts_ns"`
	FromState string   `json:"from_state"`
	ToState   string   `json:"to_state"`
	Progress  *float64 `json:"progress,omitempty"`
	ErrorCode string   `json:"error_code,omitempty"`
	Message   string   `json:"message,omitempty"`
}
