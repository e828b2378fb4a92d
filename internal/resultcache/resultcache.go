// Package resultcache remembers completed calculation results by request
// descriptor, so an identical request can be answered without a remote call.
package resultcache

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/maypok86/otter"

	"github.com/policyengine/calcd/internal/calc"
)

// DefaultTTL bounds how long a result is reused.
const DefaultTTL = time.Hour

// Cache is a bounded TTL cache of results keyed by calc.Params.Key.
type Cache struct {
	cache otter.Cache[calc.Key, json.RawMessage]
}

// New creates a Cache holding at most maxEntries results for ttl.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c, err := otter.MustBuilder[calc.Key, json.RawMessage](maxEntries).
		Cost(func(_ calc.Key, _ json.RawMessage) uint32 { return 1 }).
		WithTTL(ttl).
		Build()
	if err != nil {
		panic("resultcache: failed to create cache: " + err.Error())
	}
	return &Cache{cache: c}
}

// Lookup returns a copy of the cached result for the descriptor.
func (c *Cache) Lookup(calcType calc.CalcType, params calc.Params) (json.RawMessage, bool) {
	v, ok := c.cache.Get(params.Key(calcType))
	if !ok {
		return nil, false
	}
	return bytes.Clone(v), true
}

// Store caches result for the descriptor. Empty results are ignored.
func (c *Cache) Store(calcType calc.CalcType, params calc.Params, result json.RawMessage) {
	if len(result) == 0 {
		return
	}
	c.cache.Set(params.Key(calcType), bytes.Clone(result))
}

// Forget drops the cached result for the descriptor.
func (c *Cache) Forget(calcType calc.CalcType, params calc.Params) {
	c.cache.Delete(params.Key(calcType))
}

// Observe stores the result of a completed calculation. It is meant to be
// fed from the orchestrator's transition hook; transitions without a
// descriptor (restored or seeded statuses) are skipped.
func (c *Cache) Observe(params *calc.Params, st calc.Status) {
	if params == nil || st.State != calc.StateComplete || st.Metadata == nil {
		return
	}
	c.Store(st.Metadata.CalcType, *params, st.Result)
}

// Len returns the number of cached results.
func (c *Cache) Len() int {
	return c.cache.Size()
}

// Close releases the cache's background resources.
func (c *Cache) Close() {
	c.cache.Close()
}
