package service

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/policyengine/calcd/internal/calc"
	"github.com/policyengine/calcd/internal/metacache"
)

// MetadataResponse is the reference metadata of one country.
type MetadataResponse struct {
	*metacache.Metadata
	FromCache bool `json:"from_cache"`
}

// MetadataValidity reports whether the stored metadata matches the server.
type MetadataValidity struct {
	CountryID string `json:"country_id"`
	Valid     bool   `json:"valid"`
}

// MetadataStatus summarizes the refresh schedule.
type MetadataStatus struct {
	Countries            []string `json:"countries"`
	NextScheduledRefresh string   `json:"next_scheduled_refresh,omitempty"`
}

func (s *CalcService) checkCountry(countryID string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(countryID))
	if _, ok := s.Catalog.Lookup(id); !ok {
		return "", notFound("unknown country: " + countryID)
	}
	return id, nil
}

// metadataError maps a metadata cache failure. Remote failures are
// reported as UNAVAILABLE; the caller may retry.
func metadataError(msg string, err error) error {
	var ce *calc.CalcError
	if errors.As(err, &ce) || errors.As(err, new(calc.Classifier)) {
		return unavailable(msg+": "+calc.ClassifyError(err).Message, err)
	}
	return internal(msg, err)
}

// GetMetadata returns the reference metadata of a country, refreshing the
// stored copy when the server has a newer version.
func (s *CalcService) GetMetadata(ctx context.Context, countryID string) (*MetadataResponse, error) {
	id, err := s.checkCountry(countryID)
	if err != nil {
		return nil, err
	}
	md, fromCache, err := s.Metadata.Load(ctx, id)
	if err != nil {
		return nil, metadataError("load metadata", err)
	}
	return &MetadataResponse{Metadata: md, FromCache: fromCache}, nil
}

// CheckMetadataValidity compares the stored metadata version with the
// server's without loading anything.
func (s *CalcService) CheckMetadataValidity(ctx context.Context, countryID string) (*MetadataValidity, error) {
	id, err := s.checkCountry(countryID)
	if err != nil {
		return nil, err
	}
	valid, err := s.Metadata.IsValid(ctx, id)
	if err != nil {
		return nil, metadataError("check metadata version", err)
	}
	return &MetadataValidity{CountryID: id, Valid: valid}, nil
}

// InvalidateMetadata marks the stored metadata of a country as stale.
func (s *CalcService) InvalidateMetadata(countryID string) error {
	id, err := s.checkCountry(countryID)
	if err != nil {
		return err
	}
	if err := s.Metadata.Invalidate(id); err != nil {
		return internal("invalidate metadata", err)
	}
	return nil
}

// GetMetadataStatus lists the countries with stored metadata and the next
// scheduled refresh.
func (s *CalcService) GetMetadataStatus() (*MetadataStatus, error) {
	known, err := s.Metadata.KnownCountries()
	if err != nil {
		return nil, internal("list metadata", err)
	}
	if known == nil {
		known = []string{}
	}
	out := &MetadataStatus{Countries: known}
	if s.Refresher != nil {
		if t := s.Refresher.NextRun(); !t.IsZero() {
			out.NextScheduledRefresh = t.UTC().Format(time.RFC3339Nano)
		}
	}
	return out, nil
}

// RefreshMetadataNow refreshes every stored country immediately (blocks).
func (s *CalcService) RefreshMetadataNow() error {
	if s.Refresher == nil {
		return unavailable("metadata refresh is disabled", nil)
	}
	if err := s.Refresher.RefreshNow(); err != nil {
		return metadataError("refresh metadata", err)
	}
	return nil
}

// metadataWarmTimeout bounds one background metadata refresh.
const metadataWarmTimeout = 2 * time.Minute

// warmMetadata brings the reference metadata of countryID up to date in the
// background so it matches the server version a calculation runs against.
// Failures are logged and never block the calculation. At most one refresh
// per country is in flight.
func (s *CalcService) warmMetadata(countryID string) {
	id := strings.ToLower(strings.TrimSpace(countryID))
	if s.Metadata == nil || id == "" {
		return
	}
	s.warmMu.Lock()
	if s.warmClosed || s.warming[id] {
		s.warmMu.Unlock()
		return
	}
	if s.warming == nil {
		s.warming = make(map[string]bool)
		s.warmCtx, s.warmCancel = context.WithCancel(context.Background())
	}
	s.warming[id] = true
	s.warmWG.Add(1)
	base := s.warmCtx
	s.warmMu.Unlock()

	go func() {
		defer s.warmWG.Done()
		defer func() {
			s.warmMu.Lock()
			delete(s.warming, id)
			s.warmMu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(base, metadataWarmTimeout)
		defer cancel()
		if _, _, err := s.Metadata.Load(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[service] metadata refresh for %s failed: %v", id, err)
		}
	}()
}

// Close stops background metadata refreshes and waits for them to exit.
// It must run before the metadata cache is closed.
func (s *CalcService) Close() {
	s.warmMu.Lock()
	s.warmClosed = true
	if s.warmCancel != nil {
		s.warmCancel()
	}
	s.warmMu.Unlock()
	s.warmWG.Wait()
}
