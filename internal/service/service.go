// Package service implements the operations the HTTP API exposes. Handlers
// call its methods; business logic lives here, not in handlers.
package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/policyengine/calcd/internal/calc"
	"github.com/policyengine/calcd/internal/config"
	"github.com/policyengine/calcd/internal/countries"
	"github.com/policyengine/calcd/internal/eventlog"
	"github.com/policyengine/calcd/internal/handler"
	"github.com/policyengine/calcd/internal/metacache"
	"github.com/policyengine/calcd/internal/metrics"
	"github.com/policyengine/calcd/internal/orchestrator"
	"github.com/policyengine/calcd/internal/resultcache"
	"github.com/policyengine/calcd/internal/state"
	"github.com/policyengine/calcd/internal/watcher"
)

// ServiceError wraps an error with a code for API response mapping.
type ServiceError struct {
	Code    string // INVALID_ARGUMENT, NOT_FOUND, CONFLICT, UNAVAILABLE, INTERNAL
	Message string
	Err     error
}

func (e *ServiceError) Error() string { return e.Message }
func (e *ServiceError) Unwrap() error { return e.Err }

func invalidArg(msg string) *ServiceError {
	return &ServiceError{Code: "INVALID_ARGUMENT", Message: msg}
}

func notFound(msg string) *ServiceError {
	return &ServiceError{Code: "NOT_FOUND", Message: msg}
}

func conflict(msg string) *ServiceError {
	return &ServiceError{Code: "CONFLICT", Message: msg}
}

func unavailable(msg string, err error) *ServiceError {
	return &ServiceError{Code: "UNAVAILABLE", Message: msg, Err: err}
}

func internal(msg string, err error) *ServiceError {
	return &ServiceError{Code: "INTERNAL", Message: msg, Err: err}
}

// fromCalcError maps a handler validation error to a service error.
func fromCalcError(err error) error {
	var ce *calc.CalcError
	if errors.As(err, &ce) && ce.Code == calc.ErrCodeInvalidRequest {
		return invalidArg(ce.Message)
	}
	return internal("build calculation", err)
}

// SystemInfo contains version and runtime information.
type SystemInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime string    `json:"build_time"`
	StartedAt time.Time `json:"started_at"`
}

// CalcService wires the calculation components together.
type CalcService struct {
	Engine     *state.StateEngine
	Orch       *orchestrator.Orchestrator
	Handlers   handler.Set
	Catalog    *countries.Catalog
	Metadata   *metacache.Cache
	Refresher  *metacache.Refresher
	Watcher    *watcher.Watcher
	Events     *eventlog.Repo
	Results    *resultcache.Cache
	Snapshots  *SnapshotStore
	Metrics    *metrics.Manager
	RuntimeCfg *atomic.Pointer[config.RuntimeConfig]
	Info       SystemInfo

	configMu sync.Mutex
	nowFn    func() time.Time

	// Background metadata refreshes started by calculations.
	warmMu     sync.Mutex
	warming    map[string]bool
	warmCtx    context.Context
	warmCancel context.CancelFunc
	warmClosed bool
	warmWG     sync.WaitGroup
}

func (s *CalcService) now() time.Time {
	if s.nowFn != nil {
		return s.nowFn()
	}
	return time.Now()
}
