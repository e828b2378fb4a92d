package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"

	"github.com/policyengine/calcd/internal/config"
)

// runtimeConfigAllowedFields is the set of JSON field names that can be patched.
var runtimeConfigAllowedFields = map[string]bool{
	"user_agent":            true,
	"household_timeout":     true,
	"request_timeout":       true,
	"economy_poll_interval": true,
}

// GetSystemInfo returns version information.
func (s *CalcService) GetSystemInfo() SystemInfo {
	return s.Info
}

// GetRuntimeConfig returns the current runtime config.
func (s *CalcService) GetRuntimeConfig() *config.RuntimeConfig {
	if s.RuntimeCfg == nil {
		return config.NewDefaultRuntimeConfig()
	}
	if cfg := s.RuntimeCfg.Load(); cfg != nil {
		return cfg
	}
	return config.NewDefaultRuntimeConfig()
}

func parseRuntimeConfigPatch(patchJSON json.RawMessage, out *config.RuntimeConfig) *ServiceError {
	var rawPatch map[string]json.RawMessage
	if err := json.Unmarshal(patchJSON, &rawPatch); err != nil {
		return invalidArg("invalid JSON: " + err.Error())
	}
	if len(rawPatch) == 0 {
		return invalidArg("empty patch")
	}
	for key, raw := range rawPatch {
		if !runtimeConfigAllowedFields[key] {
			return invalidArg(fmt.Sprintf("unknown or read-only field: %q", key))
		}
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return invalidArg(fmt.Sprintf("null value not allowed for field: %q", key))
		}
	}

	dec := json.NewDecoder(bytes.NewReader(patchJSON))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return invalidArg("validation failed: " + err.Error())
	}
	return nil
}

// PatchRuntimeConfig applies a partial patch to the runtime config. The
// patch must be a non-empty object and null values are rejected. The new
// config takes effect for the next remote request.
func (s *CalcService) PatchRuntimeConfig(patchJSON json.RawMessage) (*config.RuntimeConfig, error) {
	if s.RuntimeCfg == nil {
		return nil, unavailable("runtime config is not hot-updatable", nil)
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()

	current := s.GetRuntimeConfig()
	next := *current
	if verr := parseRuntimeConfigPatch(patchJSON, &next); verr != nil {
		return nil, verr
	}
	if err := next.Validate(); err != nil {
		return nil, invalidArg(err.Error())
	}

	s.RuntimeCfg.Store(&next)
	log.Printf("[service] runtime config updated: household_timeout=%s request_timeout=%s economy_poll_interval=%s",
		next.HouseholdTimeout.Std(), next.RequestTimeout.Std(), next.EconomyPollInterval.Std())
	return &next, nil
}
