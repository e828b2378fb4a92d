package state

import (
	"fmt"
	"log"

	"github.com/policyengine/calcd/internal/model"
)

// CacheReaders provides callbacks for reading current in-memory values at flush time.
// If a reader returns nil for a key marked OpUpsert, the key is
// treated as a delete (the object was removed between mark and flush).
type CacheReaders struct {
	ReadStatusSnapshot func(calcID string) *model.StatusSnapshot
}

// StateEngine is the single write entry point for all persistence operations.
// Strong-persist data (reports) goes through transactional writes to
// state.db. Reference metadata is written to cache.db by whole-country
// replacement. Status snapshots are marked dirty and batch-flushed to cache.db.
type StateEngine struct {
	*StateRepo
	*CacheRepo

	dirtyStatus *DirtySet[string]
}

// newStateEngine creates a StateEngine with the given repos.
func newStateEngine(stateRepo *StateRepo, cacheRepo *CacheRepo) *StateEngine {
	return &StateEngine{
		StateRepo:   stateRepo,
		CacheRepo:   cacheRepo,
		dirtyStatus: NewDirtySet[string](),
	}
}

// MarkStatusSnapshot schedules the current snapshot of calcID for writing.
func (e *StateEngine) MarkStatusSnapshot(calcID string) { e.dirtyStatus.Mark(calcID, OpUpsert) }

// MarkStatusSnapshotDelete schedules removal of the snapshot of calcID.
func (e *StateEngine) MarkStatusSnapshotDelete(calcID string) { e.dirtyStatus.Mark(calcID, OpDelete) }

// DirtyCount returns the number of pending snapshot writes.
func (e *StateEngine) DirtyCount() int {
	return e.dirtyStatus.Len()
}

// classifyDirtySet splits a drained dirty-set snapshot into upsert values and
// delete keys. For OpUpsert entries, the reader is called to fetch the current
// in-memory value; a nil return is treated as a delete.
func classifyDirtySet[K comparable, V any](
	drained map[K]DirtyOp,
	reader func(K) *V,
) (upserts []V, deletes []K) {
	for key, op := range drained {
		if op == OpDelete {
			deletes = append(deletes, key)
			continue
		}
		v := reader(key)
		if v == nil {
			deletes = append(deletes, key)
		} else {
			upserts = append(upserts, *v)
		}
	}
	return
}

// FlushDirtySets drains the dirty set, reads current values via readers,
// and batch-writes to cache.db in a single transaction.
// On failure, the drained entries are merged back.
func (e *StateEngine) FlushDirtySets(readers CacheReaders) error {
	drained := e.dirtyStatus.Drain()
	if len(drained) == 0 {
		return nil
	}

	upserts, deletes := classifyDirtySet(drained, readers.ReadStatusSnapshot)
	if err := e.CacheRepo.FlushTx(FlushOps{
		UpsertStatusSnapshots: upserts,
		DeleteStatusSnapshots: deletes,
	}); err != nil {
		e.dirtyStatus.Restore(drained)
		return fmt.Errorf("flush: %w", err)
	}

	log.Printf("[state] flushed status snapshots: upserts=%d, deletes=%d", len(upserts), len(deletes))
	return nil
}
