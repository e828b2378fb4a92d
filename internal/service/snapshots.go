package service

import (
	"context"
	"fmt"

	gojson "github.com/goccy/go-json"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/policyengine/calcd/internal/calc"
	"github.com/policyengine/calcd/internal/model"
	"github.com/policyengine/calcd/internal/state"
)

// SnapshotStore keeps the latest status of every calculation in memory and
// marks it dirty for the background flush to cache.db. It also restores
// statuses written by a previous run.
type SnapshotStore struct {
	engine *state.StateEngine
	latest *xsync.Map[string, model.StatusSnapshot]
}

// NewSnapshotStore creates a SnapshotStore over engine.
func NewSnapshotStore(engine *state.StateEngine) *SnapshotStore {
	return &SnapshotStore{
		engine: engine,
		latest: xsync.NewMap[string, model.StatusSnapshot](),
	}
}

// Record stores st as the latest status of calcID. Statuses before the
// first start carry nothing worth restoring and are skipped.
func (s *SnapshotStore) Record(calcID string, st calc.Status, atNs int64) {
	if st.State == calc.StateInitializing || st.State == calc.StateIdle {
		return
	}
	raw, err := gojson.Marshal(st)
	if err != nil {
		return
	}
	s.latest.Store(calcID, model.StatusSnapshot{CalcID: calcID, StatusJSON: raw, UpdatedAtNs: atNs})
	s.engine.MarkStatusSnapshot(calcID)
}

// Forget drops calcID from memory and from cache.db on the next flush.
func (s *SnapshotStore) Forget(calcID string) {
	s.latest.Delete(calcID)
	s.engine.MarkStatusSnapshotDelete(calcID)
}

// Readers returns the flush-time callbacks for state.SnapshotFlushWorker.
func (s *SnapshotStore) Readers() state.CacheReaders {
	return state.CacheReaders{
		ReadStatusSnapshot: func(calcID string) *model.StatusSnapshot {
			snap, ok := s.latest.Load(calcID)
			if !ok {
				return nil
			}
			return &snap
		},
	}
}

// Restore implements orchestrator.Restorer.
func (s *SnapshotStore) Restore(_ context.Context, calcID string) (*calc.Status, error) {
	snap, ok := s.latest.Load(calcID)
	if !ok {
		stored, err := s.engine.GetStatusSnapshot(calcID)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, nil
		}
		snap = *stored
	}
	var st calc.Status
	if err := gojson.Unmarshal(snap.StatusJSON, &st); err != nil {
		return nil, fmt.Errorf("decode status snapshot %s: %w", calcID, err)
	}
	return &st, nil
}
