package state

import (
	"log"
	"sync"
	"time"
)

// FlushPolicy decides when dirty status snapshots are written out: as soon as
// Threshold keys are dirty, or once Interval has passed since the last write.
// Conditions are evaluated every CheckTick.
type FlushPolicy struct {
	Threshold int
	Interval  time.Duration
	CheckTick time.Duration
}

// DefaultFlushPolicy is used for zero-valued policy fields.
var DefaultFlushPolicy = FlushPolicy{
	Threshold: 256,
	Interval:  10 * time.Second,
	CheckTick: time.Second,
}

func (p FlushPolicy) withDefaults() FlushPolicy {
	if p.Threshold <= 0 {
		p.Threshold = DefaultFlushPolicy.Threshold
	}
	if p.Interval <= 0 {
		p.Interval = DefaultFlushPolicy.Interval
	}
	if p.CheckTick <= 0 {
		p.CheckTick = DefaultFlushPolicy.CheckTick
	}
	return p
}

func (p FlushPolicy) due(dirty int, sinceLast time.Duration) bool {
	return dirty > 0 && (dirty >= p.Threshold || sinceLast >= p.Interval)
}

// SnapshotFlushWorker writes dirty status snapshots to cache.db in the
// background. Stop performs one last flush.
type SnapshotFlushWorker struct {
	engine  *StateEngine
	readers CacheReaders
	policy  FlushPolicy

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSnapshotFlushWorker creates a worker. readers.ReadStatusSnapshot is required.
func NewSnapshotFlushWorker(engine *StateEngine, readers CacheReaders, policy FlushPolicy) *SnapshotFlushWorker {
	if readers.ReadStatusSnapshot == nil {
		panic("state: NewSnapshotFlushWorker requires ReadStatusSnapshot")
	}
	return &SnapshotFlushWorker{
		engine:  engine,
		readers: readers,
		policy:  policy.withDefaults(),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background goroutine.
func (w *SnapshotFlushWorker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop signals the worker, waits for it, and flushes what is left.
func (w *SnapshotFlushWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *SnapshotFlushWorker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.policy.CheckTick)
	defer ticker.Stop()
	lastFlush := time.Now()

	for {
		select {
		case <-w.stopCh:
			w.flush()
			return
		case <-ticker.C:
			if w.policy.due(w.engine.DirtyCount(), time.Since(lastFlush)) {
				w.flush()
				lastFlush = time.Now()
			}
		}
	}
}

func (w *SnapshotFlushWorker) flush() {
	if err := w.engine.FlushDirtySets(w.readers); err != nil {
		log.Printf("[state] snapshot flush failed, will retry: %v", err)
	}
}
