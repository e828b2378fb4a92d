package state

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/policyengine/calcd/internal/model"
)

func newTestCacheRepo(t *testing.T) *CacheRepo {
	t.Helper()
	db, err := OpenDB(t.TempDir() + "/cache.db")
	if err != nil {
		t.Fatal(err)
	}
	if err := MigrateCacheDB(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return newCacheRepo(db)
}

func rows(pairs ...string) []model.MetadataRow {
	var out []model.MetadataRow
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, model.MetadataRow{Name: pairs[i], Data: json.RawMessage(pairs[i+1])})
	}
	return out
}

func TestCacheRepo_ClearAndLoadIsPerCountry(t *testing.T) {
	repo := newTestCacheRepo(t)

	if err := repo.ClearAndLoad(TableVariables, "us", rows("age", `{"unit":"year"}`, "income", `{"unit":"usd"}`)); err != nil {
		t.Fatal(err)
	}
	if err := repo.ClearAndLoad(TableVariables, "uk", rows("age", `{"unit":"year"}`)); err != nil {
		t.Fatal(err)
	}
	if err := repo.ClearAndLoad(TableVariables, "us", rows("wealth", `{}`)); err != nil {
		t.Fatal(err)
	}

	us, err := repo.GetAll(TableVariables, "us")
	if err != nil {
		t.Fatal(err)
	}
	if len(us) != 1 || us[0].Name != "wealth" {
		t.Fatalf("us rows: %+v", us)
	}
	uk, err := repo.GetAll(TableVariables, "uk")
	if err != nil {
		t.Fatal(err)
	}
	if len(uk) != 1 {
		t.Fatalf("uk rows must be untouched: %+v", uk)
	}

	data, err := repo.Get(TableVariables, "uk", "age")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"unit":"year"}` {
		t.Fatalf("get: %s", data)
	}
	if _, err := repo.Get(TableVariables, "us", "age"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cleared row: got %v, want ErrNotFound", err)
	}
}

func TestCacheRepo_RejectsUnknownTable(t *testing.T) {
	repo := newTestCacheRepo(t)
	if _, err := repo.GetAll(MetadataTable("reports; DROP TABLE x"), "us"); err == nil {
		t.Fatal("expected error for unknown table")
	}
	if err := repo.ClearAndLoad(MetadataTable("nope"), "us", nil); err == nil {
		t.Fatal("expected error for unknown table")
	}
}

func TestCacheRepo_CacheMetadataLifecycle(t *testing.T) {
	repo := newTestCacheRepo(t)

	got, err := repo.GetCacheMetadata("us")
	if err != nil || got != nil {
		t.Fatalf("absent record: got %+v, %v", got, err)
	}
	// Invalidating a missing record is a no-op.
	if err := repo.InvalidateCacheMetadata("us"); err != nil {
		t.Fatal(err)
	}

	meta := model.CacheMetadata{CountryID: "us", Version: "1.0", VersionID: "a", Loaded: true, TimestampNs: 5}
	if err := repo.SetCacheMetadata(meta); err != nil {
		t.Fatal(err)
	}
	got, err = repo.GetCacheMetadata("us")
	if err != nil {
		t.Fatal(err)
	}
	if *got != meta {
		t.Fatalf("round trip: got %+v, want %+v", *got, meta)
	}

	if err := repo.InvalidateCacheMetadata("us"); err != nil {
		t.Fatal(err)
	}
	got, _ = repo.GetCacheMetadata("us")
	if got.Loaded || got.Version != "1.0" {
		t.Fatalf("after invalidate: %+v", got)
	}

	if err := repo.SetCacheMetadata(model.CacheMetadata{CountryID: "ca", Version: "2", VersionID: "b"}); err != nil {
		t.Fatal(err)
	}
	all, err := repo.ListCacheMetadata()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].CountryID != "ca" || all[1].CountryID != "us" {
		t.Fatalf("list: %+v", all)
	}
}

func TestCacheRepo_ReplaceCountry(t *testing.T) {
	repo := newTestCacheRepo(t)
	if err := repo.ClearAndLoad(TableDatasets, "us", rows("stale", `{}`)); err != nil {
		t.Fatal(err)
	}

	bundle := model.MetadataBundle{
		Variables:  rows("age", `{}`, "income", `{}`),
		Datasets:   rows("cps", `{}`),
		Parameters: rows("gov.ctc", `{}`),
	}
	meta := model.CacheMetadata{Version: "3", VersionID: "z", TimestampNs: 9}
	if err := repo.ReplaceCountry("us", bundle, meta); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetCacheMetadata("us")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || !got.Loaded || got.Version != "3" || got.VersionID != "z" {
		t.Fatalf("metadata after replace: %+v", got)
	}
	datasets, _ := repo.GetAll(TableDatasets, "us")
	if len(datasets) != 1 || datasets[0].Name != "cps" {
		t.Fatalf("datasets: %+v", datasets)
	}
	vars, _ := repo.GetAll(TableVariables, "us")
	if len(vars) != 2 {
		t.Fatalf("variables: %+v", vars)
	}
}

func TestCacheRepo_ReplaceCountryRollsBackOnFailure(t *testing.T) {
	repo := newTestCacheRepo(t)
	meta := model.CacheMetadata{Version: "1", VersionID: "a"}
	if err := repo.ReplaceCountry("us", model.MetadataBundle{Variables: rows("age", `{}`)}, meta); err != nil {
		t.Fatal(err)
	}
	if err := repo.InvalidateCacheMetadata("us"); err != nil {
		t.Fatal(err)
	}

	// Parameters table gone: the third step fails, so the whole replacement
	// must roll back.
	if _, err := repo.db.Exec("DROP TABLE metadata_parameters"); err != nil {
		t.Fatal(err)
	}
	err := repo.ReplaceCountry("us", model.MetadataBundle{Variables: rows("income", `{}`)}, model.CacheMetadata{Version: "2", VersionID: "b"})
	if err == nil {
		t.Fatal("expected replace to fail")
	}

	got, _ := repo.GetCacheMetadata("us")
	if got.Loaded || got.Version != "1" {
		t.Fatalf("metadata must be untouched: %+v", got)
	}
	vars, _ := repo.GetAll(TableVariables, "us")
	if len(vars) != 1 || vars[0].Name != "age" {
		t.Fatalf("variables must be untouched: %+v", vars)
	}
}

func TestCacheRepo_StatusSnapshots(t *testing.T) {
	repo := newTestCacheRepo(t)
	snaps := []model.StatusSnapshot{
		{CalcID: "c1", StatusJSON: json.RawMessage(`{"status":"complete"}`), UpdatedAtNs: 1},
		{CalcID: "c2", StatusJSON: json.RawMessage(`{"status":"error"}`), UpdatedAtNs: 2},
	}
	if err := repo.BulkUpsertStatusSnapshots(snaps); err != nil {
		t.Fatal(err)
	}
	if err := repo.BulkDeleteStatusSnapshots([]string{"c2"}); err != nil {
		t.Fatal(err)
	}

	all, err := repo.LoadAllStatusSnapshots()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].CalcID != "c1" {
		t.Fatalf("snapshots: %+v", all)
	}
	s, err := repo.GetStatusSnapshot("c1")
	if err != nil || s == nil || string(s.StatusJSON) != `{"status":"complete"}` {
		t.Fatalf("get snapshot: %+v, %v", s, err)
	}
	s, err = repo.GetStatusSnapshot("c2")
	if err != nil || s != nil {
		t.Fatalf("deleted snapshot: %+v, %v", s, err)
	}
}
