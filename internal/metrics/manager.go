package metrics

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// ActivityProvider reports how many calculations are running and tracked.
type ActivityProvider interface {
	ActivityCounts() (active, tracked int)
}

// ManagerConfig configures the Manager.
type ManagerConfig struct {
	Repo                *MetricsRepo
	DurationBinMs       int
	DurationOverflowMs  int
	BucketSeconds       int
	RealtimeCapacity    int
	RealtimeIntervalSec int
	Activity            ActivityProvider
}

// Manager is the central metrics coordinator. It owns the Collector,
// BucketAggregator, RealtimeRing and MetricsRepo; background tickers drive
// realtime sampling and bucket flushes.
type Manager struct {
	collector *Collector
	bucket    *BucketAggregator
	ring      *RealtimeRing
	repo      *MetricsRepo
	activity  ActivityProvider

	realtimeInterval time.Duration
	bucketSeconds    int

	// Baselines for deriving per-sample and per-bucket deltas from the
	// cumulative collector counters.
	sampleMu   sync.Mutex
	prevSample CountersSnapshot
	bucketMu   sync.Mutex
	prevBucket map[string]CountersSnapshot

	// pendingTasks is an ordered retry queue for failed persistence writes.
	pendingMu    sync.Mutex
	pendingTasks []*persistTask

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type persistTask struct {
	Bucket    *BucketFlushData
	Durations map[string][]int64
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	realtimeSec := cfg.RealtimeIntervalSec
	if realtimeSec <= 0 {
		realtimeSec = 5
	}
	bucketSec := cfg.BucketSeconds
	if bucketSec <= 0 {
		bucketSec = 300
	}
	return &Manager{
		collector:        NewCollector(cfg.DurationBinMs, cfg.DurationOverflowMs),
		bucket:           NewBucketAggregator(bucketSec),
		ring:             NewRealtimeRing(cfg.RealtimeCapacity),
		repo:             cfg.Repo,
		activity:         cfg.Activity,
		realtimeInterval: time.Duration(realtimeSec) * time.Second,
		bucketSeconds:    bucketSec,
		prevBucket:       make(map[string]CountersSnapshot),
		stopCh:           make(chan struct{}),
	}
}

// Start launches background tickers for realtime sampling and bucket flushing.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.realtimeLoop()
	go m.bucketLoop()
}

// Stop signals background workers to stop, flushes any remaining bucket data, and waits.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()

		m.aggregateCollectorDeltasIntoBucket()
		if data := m.bucket.ForceFlush(); data != nil {
			m.enqueuePersistTask(m.buildPersistTask(data))
		}
		m.drainPendingTasks(3, 500*time.Millisecond)
	})
}

// --- Event handlers ---

// OnCalcStarted records a calculation entering pending.
func (m *Manager) OnCalcStarted(calcType string) {
	m.collector.RecordStarted(calcType)
}

// OnCalcFinished records a calculation reaching a terminal state.
func (m *Manager) OnCalcFinished(ev CalcFinishedEvent) {
	m.collector.RecordFinished(ev)
}

// --- Query methods ---

// Collector returns the underlying collector for snapshot access.
func (m *Manager) Collector() *Collector { return m.collector }

// Ring returns the realtime ring buffer.
func (m *Manager) Ring() *RealtimeRing { return m.ring }

// BucketSeconds returns the configured bucket duration in seconds.
func (m *Manager) BucketSeconds() int { return m.bucketSeconds }

// RealtimeIntervalSeconds returns the realtime sampling interval in seconds.
func (m *Manager) RealtimeIntervalSeconds() int { return int(m.realtimeInterval / time.Second) }

// QueryHistory returns persisted count buckets in [fromUnix, toUnix] with
// the in-progress bucket merged in.
func (m *Manager) QueryHistory(fromUnix, toUnix int64, calcType string) ([]CalcBucketRow, error) {
	if m.repo == nil {
		return nil, fmt.Errorf("metrics repo is nil")
	}
	m.aggregateCollectorDeltasIntoBucket()
	m.flushPendingTasks()

	rows, err := m.repo.QueryCalcBuckets(fromUnix, toUnix, calcType)
	if err != nil {
		return nil, err
	}

	start, cur := m.bucket.SnapshotCounts(calcType)
	if start < fromUnix || start > toUnix || cur.isZero() {
		return rows, nil
	}
	for i := range rows {
		if rows[i].BucketStartUnix == start {
			rows[i].Started += cur.Started
			rows[i].Completed += cur.Completed
			rows[i].Errored += cur.Errored
			return rows, nil
		}
	}
	rows = append(rows, CalcBucketRow{
		BucketStartUnix: start,
		CalcType:        calcType,
		Started:         cur.Started,
		Completed:       cur.Completed,
		Errored:         cur.Errored,
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].BucketStartUnix < rows[j].BucketStartUnix })
	return rows, nil
}

// QueryDurations returns persisted duration histograms in [fromUnix, toUnix].
func (m *Manager) QueryDurations(fromUnix, toUnix int64, calcType string) ([]DurationBucketRow, error) {
	if m.repo == nil {
		return nil, fmt.Errorf("metrics repo is nil")
	}
	m.flushPendingTasks()
	return m.repo.QueryDurationBuckets(fromUnix, toUnix, calcType)
}

// --- Background loops ---

func (m *Manager) realtimeLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.realtimeInterval)
	defer ticker.Stop()

	for {
		select {
		case ts := <-ticker.C:
			m.takeSample(ts)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) bucketLoop() {
	defer m.wg.Done()

	// Align the first tick to the next bucket boundary.
	now := time.Now().Unix()
	bucketSec := int64(m.bucketSeconds)
	nextBoundary := ((now / bucketSec) + 1) * bucketSec
	initial := time.NewTimer(time.Duration(nextBoundary-now) * time.Second)
	defer initial.Stop()

	select {
	case <-initial.C:
		m.flushBucket(time.Now())
	case <-m.stopCh:
		return
	}

	ticker := time.NewTicker(time.Duration(m.bucketSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ts := <-ticker.C:
			m.flushBucket(ts)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) takeSample(ts time.Time) {
	snap := m.collector.Snapshot()

	m.sampleMu.Lock()
	started := nonNegativeDelta(snap.Started, m.prevSample.Started)
	finished := nonNegativeDelta(snap.Completed+snap.Errored, m.prevSample.Completed+m.prevSample.Errored)
	m.prevSample = snap
	m.sampleMu.Unlock()

	secs := m.realtimeInterval.Seconds()
	sample := RealtimeSample{
		Timestamp:      ts,
		StartedPerSec:  float64(started) / secs,
		FinishedPerSec: float64(finished) / secs,
	}
	if m.activity != nil {
		sample.Active, sample.Tracked = m.activity.ActivityCounts()
	}
	m.ring.Push(sample)
}

func (m *Manager) flushBucket(now time.Time) {
	m.aggregateCollectorDeltasIntoBucket()
	if data := m.bucket.MaybeFlush(now); data != nil {
		m.enqueuePersistTask(m.buildPersistTask(data))
	}
	m.flushPendingTasks()
}

// aggregateCollectorDeltasIntoBucket moves counter growth since the last
// call into the current bucket.
func (m *Manager) aggregateCollectorDeltasIntoBucket() {
	m.bucketMu.Lock()
	defer m.bucketMu.Unlock()

	for calcType, cur := range m.collector.ScopeSnapshots() {
		prev := m.prevBucket[calcType]
		m.bucket.AddCounts(calcType,
			nonNegativeDelta(cur.Started, prev.Started),
			nonNegativeDelta(cur.Completed, prev.Completed),
			nonNegativeDelta(cur.Errored, prev.Errored),
		)
		m.prevBucket[calcType] = cur
	}
}

func nonNegativeDelta(current, previous int64) int64 {
	delta := current - previous
	if delta < 0 {
		return 0
	}
	return delta
}

func (m *Manager) buildPersistTask(data *BucketFlushData) *persistTask {
	return &persistTask{
		Bucket:    data,
		Durations: m.collector.SwapDurationBuckets(),
	}
}

func (m *Manager) writePersistTask(task *persistTask) error {
	if task == nil || task.Bucket == nil {
		return nil
	}
	if m.repo == nil {
		return fmt.Errorf("metrics repo is nil")
	}
	return m.repo.WriteBucket(task.Bucket, task.Durations)
}

func (m *Manager) enqueuePersistTask(task *persistTask) {
	m.pendingMu.Lock()
	m.pendingTasks = append(m.pendingTasks, task)
	m.pendingMu.Unlock()
}

func (m *Manager) peekPendingTask() (*persistTask, bool) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if len(m.pendingTasks) == 0 {
		return nil, false
	}
	return m.pendingTasks[0], true
}

func (m *Manager) popPendingTask() {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if len(m.pendingTasks) == 0 {
		return
	}
	m.pendingTasks[0] = nil
	m.pendingTasks = m.pendingTasks[1:]
}

func (m *Manager) flushPendingTasks() {
	for {
		task, ok := m.peekPendingTask()
		if !ok {
			return
		}
		if err := m.writePersistTask(task); err != nil {
			log.Printf("[metrics] bucket persistence failed, will retry next tick: %v", err)
			return
		}
		m.popPendingTask()
	}
}

func (m *Manager) drainPendingTasks(maxAttempts int, retryDelay time.Duration) {
	for {
		task, ok := m.peekPendingTask()
		if !ok {
			return
		}
		var err error
		for attempt := 0; attempt < maxAttempts; attempt++ {
			if err = m.writePersistTask(task); err == nil {
				break
			}
			log.Printf("[metrics] shutdown persistence attempt %d failed: %v", attempt+1, err)
			if attempt+1 < maxAttempts {
				time.Sleep(retryDelay)
			}
		}
		if err != nil {
			return
		}
		m.popPendingTask()
	}
}
