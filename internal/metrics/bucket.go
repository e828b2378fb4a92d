package metrics

import (
	"sync"
	"time"
)

// BucketAggregator accumulates calculation counts within time buckets
// aligned to bucketSeconds boundaries. Thread-safe.
type BucketAggregator struct {
	mu            sync.Mutex
	bucketSeconds int64

	currentStart int64
	counts       map[string]*countAccum // calc type -> accum (GlobalScope = all)
}

type countAccum struct {
	Started   int64
	Completed int64
	Errored   int64
}

func (a countAccum) isZero() bool {
	return a.Started == 0 && a.Completed == 0 && a.Errored == 0
}

// BucketFlushData holds the accumulated data for a completed bucket.
type BucketFlushData struct {
	BucketStartUnix int64
	Counts          map[string]countAccum
}

// NewBucketAggregator creates an aggregator with the given bucket width.
func NewBucketAggregator(bucketSeconds int) *BucketAggregator {
	if bucketSeconds <= 0 {
		bucketSeconds = 300
	}
	now := time.Now().Unix()
	return &BucketAggregator{
		bucketSeconds: int64(bucketSeconds),
		currentStart:  (now / int64(bucketSeconds)) * int64(bucketSeconds),
		counts:        make(map[string]*countAccum),
	}
}

// AddCounts records count deltas for calcType and the global scope.
func (b *BucketAggregator) AddCounts(calcType string, started, completed, errored int64) {
	if started == 0 && completed == 0 && errored == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	scopes := []string{GlobalScope}
	if calcType != GlobalScope {
		scopes = append(scopes, calcType)
	}
	for _, s := range scopes {
		acc := b.get(s)
		acc.Started += started
		acc.Completed += completed
		acc.Errored += errored
	}
}

// SnapshotCounts returns the current bucket start and its accumulated
// counts for calcType without resetting.
func (b *BucketAggregator) SnapshotCounts(calcType string) (int64, countAccum) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if acc, ok := b.counts[calcType]; ok {
		return b.currentStart, *acc
	}
	return b.currentStart, countAccum{}
}

// MaybeFlush returns the accumulated data and starts a new bucket once now
// has moved past the current bucket boundary. Otherwise it returns nil.
func (b *BucketAggregator) MaybeFlush(now time.Time) *BucketFlushData {
	b.mu.Lock()
	defer b.mu.Unlock()

	nowUnix := now.Unix()
	if nowUnix < b.currentStart+b.bucketSeconds {
		return nil
	}
	data := b.takeLocked()
	b.currentStart = (nowUnix / b.bucketSeconds) * b.bucketSeconds
	return data
}

// ForceFlush returns accumulated data for the current bucket regardless of
// boundary, or nil when nothing was recorded. Used during shutdown.
func (b *BucketAggregator) ForceFlush() *BucketFlushData {
	b.mu.Lock()
	defer b.mu.Unlock()

	empty := true
	for _, acc := range b.counts {
		if !acc.isZero() {
			empty = false
			break
		}
	}
	if empty {
		return nil
	}
	return b.takeLocked()
}

func (b *BucketAggregator) takeLocked() *BucketFlushData {
	data := &BucketFlushData{
		BucketStartUnix: b.currentStart,
		Counts:          make(map[string]countAccum, len(b.counts)),
	}
	for k, v := range b.counts {
		data.Counts[k] = *v
	}
	b.counts = make(map[string]*countAccum)
	return data
}

func (b *BucketAggregator) get(key string) *countAccum {
	acc, ok := b.counts[key]
	if !ok {
		acc = &countAccum{}
		b.counts[key] = acc
	}
	return acc
}
