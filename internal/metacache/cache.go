// Package metacache keeps a versioned local copy of per-country reference
// metadata (variables, datasets, parameters). A country's copy is valid only
// while its stored version pair equals the one the server reports.
package metacache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/policyengine/calcd/internal/calc"
	"github.com/policyengine/calcd/internal/model"
	"github.com/policyengine/calcd/internal/remote"
	"github.com/policyengine/calcd/internal/state"
)

// Fetcher is the subset of the remote client the cache needs.
type Fetcher interface {
	FetchMetadataVersion(ctx context.Context, countryID string) (*remote.VersionInfo, error)
	FetchReferenceMetadata(ctx context.Context, countryID string) (*remote.ReferenceMetadata, error)
}

// Store is the persistent side of the cache.
type Store interface {
	GetCacheMetadata(countryID string) (*model.CacheMetadata, error)
	InvalidateCacheMetadata(countryID string) error
	ReplaceCountry(countryID string, bundle model.MetadataBundle, meta model.CacheMetadata) error
	GetAll(table state.MetadataTable, countryID string) ([]model.MetadataRow, error)
	ListCacheMetadata() ([]model.CacheMetadata, error)
}

// Metadata is the full reference metadata of one country.
type Metadata struct {
	CountryID  string                     `json:"country_id"`
	Version    string                     `json:"version"`
	VersionID  string                     `json:"version_id"`
	Variables  map[string]json.RawMessage `json:"variables"`
	Datasets   map[string]json.RawMessage `json:"datasets"`
	Parameters map[string]json.RawMessage `json:"parameters"`
	LoadedAt   time.Time                  `json:"loaded_at"`
}

// Cache serves reference metadata from the store when it is current and
// refreshes it from the server otherwise. Loads are serialized per country.
type Cache struct {
	fetcher Fetcher
	store   Store
	locks   *xsync.Map[string, chan struct{}]
	front   otter.Cache[string, *Metadata]
	nowFn   func() time.Time
}

// New creates a Cache. maxCountries bounds the in-memory front cache.
func New(fetcher Fetcher, store Store, maxCountries int) *Cache {
	if fetcher == nil || store == nil {
		panic("metacache: New requires non-nil fetcher and store")
	}
	if maxCountries <= 0 {
		maxCountries = 16
	}
	front, err := otter.MustBuilder[string, *Metadata](maxCountries).
		Cost(func(_ string, _ *Metadata) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("metacache: failed to create front cache: " + err.Error())
	}
	return &Cache{
		fetcher: fetcher,
		store:   store,
		locks:   xsync.NewMap[string, chan struct{}](),
		front:   front,
		nowFn:   time.Now,
	}
}

// Close releases the front cache.
func (c *Cache) Close() {
	c.front.Close()
}

// IsValid reports whether the stored copy for countryID exists, is fully
// loaded and carries exactly the server's current version pair. Failures of
// the version call are returned, not swallowed.
func (c *Cache) IsValid(ctx context.Context, countryID string) (bool, error) {
	meta, err := c.store.GetCacheMetadata(countryID)
	if err != nil {
		return false, fmt.Errorf("read cache metadata %s: %w", countryID, err)
	}
	if meta == nil || !meta.Loaded {
		return false, nil
	}
	current, err := c.fetcher.FetchMetadataVersion(ctx, countryID)
	if err != nil {
		return false, err
	}
	return sameVersion(meta, current), nil
}

func sameVersion(meta *model.CacheMetadata, v *remote.VersionInfo) bool {
	return meta.Version == v.Version && meta.VersionID == v.VersionID
}

// Load returns the reference metadata of countryID. fromCache is true when
// no entity fetch was needed. On a stale copy the stored record is first
// invalidated, the three entity sets are fetched and the country is replaced
// in one transaction. A failed write yields a retryable CacheWriteFailure and
// leaves the record not loaded.
func (c *Cache) Load(ctx context.Context, countryID string) (md *Metadata, fromCache bool, err error) {
	unlock, err := c.lock(ctx, countryID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	valid, err := c.IsValid(ctx, countryID)
	if err != nil {
		return nil, false, err
	}
	if valid {
		md, err := c.readStored(countryID)
		if err != nil {
			return nil, false, err
		}
		return md, true, nil
	}

	if err := c.store.InvalidateCacheMetadata(countryID); err != nil {
		return nil, false, cacheWriteFailure(countryID, err)
	}
	c.front.Delete(countryID)

	ref, err := c.fetcher.FetchReferenceMetadata(ctx, countryID)
	if err != nil {
		return nil, false, err
	}

	now := c.nowFn()
	bundle := model.MetadataBundle{
		Variables:  toRows(ref.Variables),
		Datasets:   toRows(ref.Datasets),
		Parameters: toRows(ref.Parameters),
	}
	record := model.CacheMetadata{
		CountryID:   countryID,
		Version:     ref.Version,
		VersionID:   ref.VersionID,
		Loaded:      true,
		TimestampNs: now.UnixNano(),
	}
	if err := c.store.ReplaceCountry(countryID, bundle, record); err != nil {
		return nil, false, cacheWriteFailure(countryID, err)
	}

	md = &Metadata{
		CountryID:  countryID,
		Version:    ref.Version,
		VersionID:  ref.VersionID,
		Variables:  ref.Variables,
		Datasets:   ref.Datasets,
		Parameters: ref.Parameters,
		LoadedAt:   now,
	}
	c.front.Set(countryID, md)
	log.Printf("[metacache] loaded %s version=%s (%d variables, %d datasets, %d parameters)",
		countryID, ref.Version, len(ref.Variables), len(ref.Datasets), len(ref.Parameters))
	return md, false, nil
}

// Invalidate marks the stored copy of countryID as not loaded so the next
// Load refetches it.
func (c *Cache) Invalidate(countryID string) error {
	unlock, err := c.lock(context.Background(), countryID)
	if err != nil {
		return err
	}
	defer unlock()

	c.front.Delete(countryID)
	if err := c.store.InvalidateCacheMetadata(countryID); err != nil {
		return fmt.Errorf("invalidate %s: %w", countryID, err)
	}
	return nil
}

// KnownCountries lists every country that has a stored version record.
func (c *Cache) KnownCountries() ([]string, error) {
	records, err := c.store.ListCacheMetadata()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.CountryID)
	}
	return ids, nil
}

// readStored serves a valid copy, preferring the front cache when it holds
// the same version as the store.
func (c *Cache) readStored(countryID string) (*Metadata, error) {
	record, err := c.store.GetCacheMetadata(countryID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("cache metadata %s vanished", countryID)
	}
	if md, ok := c.front.Get(countryID); ok && md.Version == record.Version && md.VersionID == record.VersionID {
		return md, nil
	}

	md := &Metadata{
		CountryID: countryID,
		Version:   record.Version,
		VersionID: record.VersionID,
		LoadedAt:  time.Unix(0, record.TimestampNs),
	}
	targets := map[state.MetadataTable]*map[string]json.RawMessage{
		state.TableVariables:  &md.Variables,
		state.TableDatasets:   &md.Datasets,
		state.TableParameters: &md.Parameters,
	}
	for _, table := range state.MetadataTables {
		rows, err := c.store.GetAll(table, countryID)
		if err != nil {
			return nil, fmt.Errorf("read %s for %s: %w", table, countryID, err)
		}
		*targets[table] = fromRows(rows)
	}
	c.front.Set(countryID, md)
	return md, nil
}

// lock acquires the per-country load slot, giving up when ctx ends.
func (c *Cache) lock(ctx context.Context, countryID string) (func(), error) {
	slot, _ := c.locks.LoadOrStore(countryID, make(chan struct{}, 1))
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func cacheWriteFailure(countryID string, err error) error {
	log.Printf("[metacache] write for %s failed: %v", countryID, err)
	return calc.NewError(calc.ErrCodeCacheWriteFailure, true, "metadata cache write for %s failed: %v", countryID, err)
}

func toRows(m map[string]json.RawMessage) []model.MetadataRow {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([]model.MetadataRow, 0, len(names))
	for _, name := range names {
		rows = append(rows, model.MetadataRow{Name: name, Data: m[name]})
	}
	return rows
}

func fromRows(rows []model.MetadataRow) map[string]json.RawMessage {
	m := make(map[string]json.RawMessage, len(rows))
	for _, r := range rows {
		m[r.Name] = r.Data
	}
	return m
}
