package state

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/policyengine/calcd/internal/model"
)

// helper: create a migrated state.db in a temp dir and return its StateRepo.
func newTestStateRepo(t *testing.T) *StateRepo {
	t.Helper()
	db, err := OpenDB(t.TempDir() + "/state.db")
	if err != nil {
		t.Fatal(err)
	}
	if err := MigrateStateDB(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return newStateRepo(db)
}

func TestStateRepo_CreateAndGetReport(t *testing.T) {
	repo := newTestStateRepo(t)

	rep := model.Report{
		ID:          "r1",
		CountryID:   "us",
		CalcIDs:     []string{"r1-baseline", "r1-reform"},
		CreatedAtNs: 10,
		UpdatedAtNs: 10,
	}
	if err := repo.CreateReport(rep); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetReport("r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.ReportPending {
		t.Fatalf("status: got %q, want pending", got.Status)
	}
	if !reflect.DeepEqual(got.CalcIDs, rep.CalcIDs) {
		t.Fatalf("calc ids: got %v", got.CalcIDs)
	}
	if got.Output != nil {
		t.Fatalf("output: got %s, want nil", got.Output)
	}

	if err := repo.CreateReport(rep); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate create: got %v, want ErrConflict", err)
	}
	if _, err := repo.GetReport("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: got %v, want ErrNotFound", err)
	}
}

func TestStateRepo_MarkReportIsIdempotent(t *testing.T) {
	repo := newTestStateRepo(t)
	if err := repo.CreateReport(model.Report{ID: "r1", CountryID: "uk"}); err != nil {
		t.Fatal(err)
	}

	marked, err := repo.MarkReportComplete("r1", []byte(`{"budget":1}`), 20)
	if err != nil || !marked {
		t.Fatalf("first mark: marked=%v err=%v", marked, err)
	}
	marked, err = repo.MarkReportComplete("r1", []byte(`{"budget":2}`), 30)
	if err != nil || marked {
		t.Fatalf("second mark: marked=%v err=%v", marked, err)
	}
	marked, err = repo.MarkReportError("r1", "late failure", 40)
	if err != nil || marked {
		t.Fatalf("error after complete: marked=%v err=%v", marked, err)
	}

	got, err := repo.GetReport("r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.ReportComplete || string(got.Output) != `{"budget":1}` || got.UpdatedAtNs != 20 {
		t.Fatalf("report changed after first mark: %+v", got)
	}

	if _, err := repo.MarkReportError("missing", "x", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing report: got %v, want ErrNotFound", err)
	}
}

func TestStateRepo_ConcurrentMarksTransitionOnce(t *testing.T) {
	repo := newTestStateRepo(t)
	if err := repo.CreateReport(model.Report{ID: "r1", CountryID: "us"}); err != nil {
		t.Fatal(err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var marked bool
			var err error
			if i%2 == 0 {
				marked, err = repo.MarkReportComplete("r1", []byte(`{}`), int64(i))
			} else {
				marked, err = repo.MarkReportError("r1", "boom", int64(i))
			}
			if err != nil {
				t.Errorf("mark %d: %v", i, err)
			}
			if marked {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("transitions: got %d, want exactly 1", wins.Load())
	}
}

func TestStateRepo_ListReportsByStatus(t *testing.T) {
	repo := newTestStateRepo(t)
	for i, id := range []string{"a", "b", "c"} {
		if err := repo.CreateReport(model.Report{ID: id, CountryID: "us", CreatedAtNs: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := repo.MarkReportError("b", "failed", 5); err != nil {
		t.Fatal(err)
	}

	pending, err := repo.ListReportsByStatus(model.ReportPending)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, r := range pending {
		ids = append(ids, r.ID)
	}
	if !reflect.DeepEqual(ids, []string{"a", "c"}) {
		t.Fatalf("pending ids: got %v", ids)
	}
}
