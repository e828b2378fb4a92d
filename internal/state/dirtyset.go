package state

import "sync"

// DirtyOp is the pending write for one snapshot key.
type DirtyOp int

const (
	// OpUpsert writes whatever the reader returns at flush time.
	OpUpsert DirtyOp = iota
	// OpDelete removes the persisted row.
	OpDelete
)

// DirtySet records which keys need a write and of what kind. The last mark
// for a key wins. Values are never stored here.
type DirtySet[K comparable] struct {
	mu    sync.Mutex
	marks map[K]DirtyOp
}

// NewDirtySet returns an empty set.
func NewDirtySet[K comparable]() *DirtySet[K] {
	return &DirtySet[K]{marks: make(map[K]DirtyOp)}
}

// Mark records op for key, replacing any earlier mark.
func (d *DirtySet[K]) Mark(key K, op DirtyOp) {
	d.mu.Lock()
	d.marks[key] = op
	d.mu.Unlock()
}

// Drain hands the current marks to the caller and starts a fresh set.
func (d *DirtySet[K]) Drain() map[K]DirtyOp {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.marks
	d.marks = make(map[K]DirtyOp, len(out)/2)
	return out
}

// Restore puts back marks from a failed flush. Keys marked again since the
// drain keep their newer mark.
func (d *DirtySet[K]) Restore(drained map[K]DirtyOp) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, op := range drained {
		if _, ok := d.marks[k]; !ok {
			d.marks[k] = op
		}
	}
}

// Len returns the number of keys awaiting a write.
func (d *DirtySet[K]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.marks)
}
