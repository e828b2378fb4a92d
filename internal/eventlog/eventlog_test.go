package eventlog

import (
	"testing"
	"time"

	"github.com/policyengine/calcd/internal/calc"
	"github.com/policyengine/calcd/internal/model"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	repo := NewRepo(t.TempDir())
	if err := repo.Open(); err != nil {
		t.Fatalf("repo.Open: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestRepo_InsertListPrune(t *testing.T) {
	repo := newTestRepo(t)

	events := []model.CalcEvent{
		{ID: "e2", CalcID: "c1", TsNs: 20, FromState: "pending", ToState: "complete", Progress: calc.Float(100)},
		{ID: "e1", CalcID: "c1", TsNs: 10, FromState: "idle", ToState: "pending"},
		{ID: "e3", CalcID: "c2", TsNs: 30, FromState: "pending", ToState: "error", ErrorCode: "Timeout", Message: "too slow"},
	}
	n, err := repo.InsertBatch(events)
	if err != nil || n != 3 {
		t.Fatalf("insert: n=%d err=%v", n, err)
	}
	n, err = repo.InsertBatch(events[:1])
	if err != nil || n != 0 {
		t.Fatalf("duplicate insert: n=%d err=%v", n, err)
	}

	got, err := repo.ListByCalc("c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "e1" || got[1].ID != "e2" {
		t.Fatalf("list order: %+v", got)
	}
	if got[0].Progress != nil || got[1].Progress == nil || *got[1].Progress != 100 {
		t.Fatalf("progress round trip: %+v %+v", got[0].Progress, got[1].Progress)
	}

	removed, err := repo.Prune(25)
	if err != nil || removed != 2 {
		t.Fatalf("prune: removed=%d err=%v", removed, err)
	}
	left, _ := repo.ListByCalc("c2", 10)
	if len(left) != 1 || left[0].ErrorCode != "Timeout" {
		t.Fatalf("after prune: %+v", left)
	}
}

func TestService_StopDrainsQueue(t *testing.T) {
	repo := newTestRepo(t)
	svc := NewService(ServiceConfig{Repo: repo, FlushBatch: 1000, FlushInterval: time.Hour})
	svc.Start()

	svc.EmitTransition("c1", calc.StateIdle, calc.Status{State: calc.StatePending, Progress: calc.Float(0)})
	svc.EmitTransition("c1", calc.StatePending, calc.Status{
		State: calc.StateError,
		Error: calc.NewError(calc.ErrCodeHTTP, true, "502 Bad Gateway"),
	})
	svc.Stop()
	svc.Stop()

	got, err := repo.ListByCalc("c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("events: %+v", got)
	}
	last := got[len(got)-1]
	if last.ToState != "error" || last.ErrorCode != "Http" || last.Message != "502 Bad Gateway" {
		t.Fatalf("error event: %+v", last)
	}
	if got[0].ID == "" || got[0].ID == got[1].ID {
		t.Fatalf("event ids must be unique: %q %q", got[0].ID, got[1].ID)
	}
}

func TestService_EmitDropsOnOverflow(t *testing.T) {
	svc := NewService(ServiceConfig{Repo: newTestRepo(t), QueueSize: 1})
	// Not started: the queue never drains.
	svc.Emit(model.CalcEvent{ID: "a"})
	done := make(chan struct{})
	go func() {
		svc.Emit(model.CalcEvent{ID: "b"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full queue")
	}
}
