package state

import (
	"fmt"
	"sync"
	"testing"
)

func TestDirtySet_LastMarkWins(t *testing.T) {
	cases := []struct {
		name  string
		marks []DirtyOp
		want  DirtyOp
	}{
		{"upsert only", []DirtyOp{OpUpsert}, OpUpsert},
		{"delete only", []DirtyOp{OpDelete}, OpDelete},
		{"upsert then delete", []DirtyOp{OpUpsert, OpDelete}, OpDelete},
		{"delete then upsert", []DirtyOp{OpDelete, OpUpsert}, OpUpsert},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ds := NewDirtySet[string]()
			for _, op := range tc.marks {
				ds.Mark("calc-1", op)
			}
			if ds.Len() != 1 {
				t.Fatalf("len: got %d, want 1", ds.Len())
			}
			if got := ds.Drain()["calc-1"]; got != tc.want {
				t.Fatalf("op: got %v, want %v", got, tc.want)
			}
			if ds.Len() != 0 {
				t.Fatalf("len after drain: got %d", ds.Len())
			}
		})
	}
}

func TestDirtySet_RestoreKeepsNewerMarks(t *testing.T) {
	ds := NewDirtySet[string]()
	ds.Mark("a", OpUpsert)
	ds.Mark("b", OpUpsert)
	drained := ds.Drain()

	// "a" re-dirtied as delete after the drain: the failed flush must not
	// resurrect the older upsert.
	ds.Mark("a", OpDelete)
	ds.Restore(drained)

	snap := ds.Drain()
	if snap["a"] != OpDelete {
		t.Fatalf("a: got %v, want OpDelete", snap["a"])
	}
	if snap["b"] != OpUpsert {
		t.Fatalf("b: got %v, want OpUpsert", snap["b"])
	}
}

func TestDirtySet_ConcurrentMarks(t *testing.T) {
	ds := NewDirtySet[string]()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				ds.Mark(fmt.Sprintf("calc-%d-%d", w, i), OpUpsert)
			}
		}(w)
	}

	total := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			total += len(ds.Drain())
			if total != 800 {
				t.Fatalf("drained %d keys, want 800", total)
			}
			return
		default:
			total += len(ds.Drain())
		}
	}
}
