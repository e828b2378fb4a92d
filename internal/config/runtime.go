package config

import (
	"fmt"
	"strings"
	"time"
)

// RuntimeConfig holds hot-updatable settings. The remote client and the
// economy handler read it on every request through an atomic pointer.
type RuntimeConfig struct {
	UserAgent string `json:"user_agent"`

	// HouseholdTimeout bounds one household calculation request.
	HouseholdTimeout Duration `json:"household_timeout"`
	// RequestTimeout bounds every other request to the compute service.
	RequestTimeout Duration `json:"request_timeout"`
	// EconomyPollInterval is the delay between economy status polls.
	EconomyPollInterval Duration `json:"economy_poll_interval"`
}

// NewDefaultRuntimeConfig returns a RuntimeConfig populated with defaults.
func NewDefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		UserAgent:           "calcd",
		HouseholdTimeout:    Duration(240 * time.Second),
		RequestTimeout:      Duration(30 * time.Second),
		EconomyPollInterval: Duration(2 * time.Second),
	}
}

// Validate checks value ranges.
func (c *RuntimeConfig) Validate() error {
	if strings.TrimSpace(c.UserAgent) == "" {
		return fmt.Errorf("user_agent: must be non-empty")
	}
	if c.HouseholdTimeout.Std() < time.Second {
		return fmt.Errorf("household_timeout: must be >= 1s")
	}
	if c.RequestTimeout.Std() < time.Second {
		return fmt.Errorf("request_timeout: must be >= 1s")
	}
	if c.EconomyPollInterval.Std() < 100*time.Millisecond {
		return fmt.Errorf("economy_poll_interval: must be >= 100ms")
	}
	return nil
}
