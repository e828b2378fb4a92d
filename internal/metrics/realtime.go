package metrics

import (
	"sync"
	"time"
)

// defaultRealtimeCapacity keeps one hour of samples at the default 5s interval.
const defaultRealtimeCapacity = 720

// RealtimeSample is the orchestrator load observed at one sampling tick.
type RealtimeSample struct {
	Timestamp time.Time `json:"ts"`
	// Active counts calculations with a live run loop; Tracked also counts
	// finished ones not yet cleaned up.
	Active  int `json:"active"`
	Tracked int `json:"tracked"`
	// Rates over the preceding sample interval.
	StartedPerSec  float64 `json:"started_per_sec"`
	FinishedPerSec float64 `json:"finished_per_sec"`
}

// RealtimeRing keeps the most recent samples in push order, dropping the
// oldest once full.
type RealtimeRing struct {
	mu    sync.RWMutex
	buf   []RealtimeSample
	next  int
	count int
}

// NewRealtimeRing creates a ring holding up to capacity samples.
func NewRealtimeRing(capacity int) *RealtimeRing {
	if capacity <= 0 {
		capacity = defaultRealtimeCapacity
	}
	return &RealtimeRing{buf: make([]RealtimeSample, capacity)}
}

// newest returns the i-th most recent sample. Callers hold mu.
func (r *RealtimeRing) newest(i int) RealtimeSample {
	n := len(r.buf)
	return r.buf[(r.next-1-i+n)%n]
}

// Push appends s.
func (r *RealtimeRing) Push(s RealtimeSample) {
	r.mu.Lock()
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	r.count = min(r.count+1, len(r.buf))
	r.mu.Unlock()
}

// Query returns the samples with from <= ts <= to, newest first.
func (r *RealtimeRing) Query(from, to time.Time) []RealtimeSample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []RealtimeSample
	for i := range r.count {
		s := r.newest(i)
		if s.Timestamp.Before(from) {
			break
		}
		if s.Timestamp.After(to) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Latest returns the most recent sample, if any.
func (r *RealtimeRing) Latest() (RealtimeSample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return RealtimeSample{}, false
	}
	return r.newest(0), true
}
