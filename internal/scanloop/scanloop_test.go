package scanloop

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestCadenceNext(t *testing.T) {
	tests := []struct {
		name     string
		c        Cadence
		min, max time.Duration
	}{
		{"zero falls back to one second", Cadence{}, time.Second, time.Second},
		{"no jitter", Cadence{Min: 5 * time.Millisecond}, 5 * time.Millisecond, 5 * time.Millisecond},
		{"jitter bounded", Cadence{Min: time.Second, Jitter: time.Second}, time.Second, 2*time.Second - 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 50; i++ {
				d := tt.c.next()
				if d < tt.min || d > tt.max {
					t.Fatalf("next() = %v, want [%v, %v]", d, tt.min, tt.max)
				}
			}
		})
	}
}

func TestRun_TicksUntilStopped(t *testing.T) {
	var calls atomic.Int32
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		Run(stop, Cadence{Min: 5 * time.Millisecond}, func() { calls.Add(1) })
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after stop")
	}
	if calls.Load() < 3 {
		t.Fatalf("calls = %d, want >= 3", calls.Load())
	}
}
