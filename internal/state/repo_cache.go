package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/policyengine/calcd/internal/model"
)

// CacheRepo wraps cache.db: reference metadata per country, its version
// record, and calculation status snapshots.
type CacheRepo struct {
	db *sql.DB
}

// newCacheRepo creates a CacheRepo for the given cache.db connection.
func newCacheRepo(db *sql.DB) *CacheRepo {
	return &CacheRepo{db: db}
}

// --- metadata entity tables ---

// Get returns one entity by name. Returns ErrNotFound when absent.
func (r *CacheRepo) Get(table MetadataTable, countryID, name string) (json.RawMessage, error) {
	if !table.Valid() {
		return nil, fmt.Errorf("unknown metadata table %q", table)
	}
	var data string
	err := r.db.QueryRow(
		fmt.Sprintf("SELECT data_json FROM %s WHERE country_id = ? AND name = ?", table),
		countryID, name,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// GetAll returns every entity of a country, ordered by name.
func (r *CacheRepo) GetAll(table MetadataTable, countryID string) ([]model.MetadataRow, error) {
	if !table.Valid() {
		return nil, fmt.Errorf("unknown metadata table %q", table)
	}
	rows, err := r.db.Query(
		fmt.Sprintf("SELECT name, data_json FROM %s WHERE country_id = ? ORDER BY name", table),
		countryID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.MetadataRow
	for rows.Next() {
		var row model.MetadataRow
		var data string
		if err := rows.Scan(&row.Name, &data); err != nil {
			return nil, err
		}
		row.Data = json.RawMessage(data)
		result = append(result, row)
	}
	return result, rows.Err()
}

// ClearAndLoad replaces all entities of a country in one table.
func (r *CacheRepo) ClearAndLoad(table MetadataTable, countryID string, rows []model.MetadataRow) error {
	if !table.Valid() {
		return fmt.Errorf("unknown metadata table %q", table)
	}
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := clearAndLoadTx(tx, table, countryID, rows); err != nil {
		return err
	}
	return tx.Commit()
}

func clearAndLoadTx(tx *sql.Tx, table MetadataTable, countryID string, rows []model.MetadataRow) error {
	if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE country_id = ?", table), countryID); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	insertSQL := fmt.Sprintf(`INSERT INTO %s (country_id, name, data_json) VALUES (?, ?, ?)
		ON CONFLICT(country_id, name) DO UPDATE SET data_json = excluded.data_json`, table)
	if err := bulkExecTx(tx, insertSQL, len(rows), func(s *sql.Stmt, i int) error {
		_, err := s.Exec(countryID, rows[i].Name, string(rows[i].Data))
		return err
	}); err != nil {
		return fmt.Errorf("load %s: %w", table, err)
	}
	return nil
}

// --- cache_metadata ---

// GetCacheMetadata returns the version record of a country, or nil if none.
func (r *CacheRepo) GetCacheMetadata(countryID string) (*model.CacheMetadata, error) {
	var m model.CacheMetadata
	var loaded int
	err := r.db.QueryRow(
		"SELECT country_id, version, version_id, loaded, timestamp_ns FROM cache_metadata WHERE country_id = ?",
		countryID,
	).Scan(&m.CountryID, &m.Version, &m.VersionID, &loaded, &m.TimestampNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan cache_metadata: %w", err)
	}
	m.Loaded = loaded != 0
	return &m, nil
}

// SetCacheMetadata inserts or replaces the version record of a country.
func (r *CacheRepo) SetCacheMetadata(m model.CacheMetadata) error {
	_, err := r.db.Exec(upsertCacheMetadataSQL, m.CountryID, m.Version, m.VersionID, boolToInt(m.Loaded), m.TimestampNs)
	return err
}

// InvalidateCacheMetadata marks the country's record as not loaded.
// A missing record is not an error.
func (r *CacheRepo) InvalidateCacheMetadata(countryID string) error {
	_, err := r.db.Exec("UPDATE cache_metadata SET loaded = 0 WHERE country_id = ?", countryID)
	return err
}

// ListCacheMetadata returns every version record, ordered by country.
func (r *CacheRepo) ListCacheMetadata() ([]model.CacheMetadata, error) {
	rows, err := r.db.Query("SELECT country_id, version, version_id, loaded, timestamp_ns FROM cache_metadata ORDER BY country_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.CacheMetadata
	for rows.Next() {
		var m model.CacheMetadata
		var loaded int
		if err := rows.Scan(&m.CountryID, &m.Version, &m.VersionID, &loaded, &m.TimestampNs); err != nil {
			return nil, err
		}
		m.Loaded = loaded != 0
		result = append(result, m)
	}
	return result, rows.Err()
}

// ReplaceCountry clears and reloads all three entity tables of a country and
// writes its version record in a single transaction. The record is written
// with Loaded=true; on any failure nothing is committed.
func (r *CacheRepo) ReplaceCountry(countryID string, bundle model.MetadataBundle, meta model.CacheMetadata) error {
	meta.CountryID = countryID
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	sets := map[MetadataTable][]model.MetadataRow{
		TableVariables:  bundle.Variables,
		TableDatasets:   bundle.Datasets,
		TableParameters: bundle.Parameters,
	}
	for _, table := range MetadataTables {
		if err := clearAndLoadTx(tx, table, meta.CountryID, sets[table]); err != nil {
			return err
		}
	}

	meta.Loaded = true
	if _, err := tx.Exec(upsertCacheMetadataSQL, meta.CountryID, meta.Version, meta.VersionID, 1, meta.TimestampNs); err != nil {
		return fmt.Errorf("write cache_metadata: %w", err)
	}
	return tx.Commit()
}

// --- calc_status ---

// BulkUpsertStatusSnapshots batch-inserts or updates status snapshots.
func (r *CacheRepo) BulkUpsertStatusSnapshots(snaps []model.StatusSnapshot) error {
	return bulkExecRows(r, upsertStatusSnapshotSQL, snaps, func(stmt *sql.Stmt, s model.StatusSnapshot) error {
		_, err := stmt.Exec(s.CalcID, string(s.StatusJSON), s.UpdatedAtNs)
		return err
	})
}

// BulkDeleteStatusSnapshots batch-deletes status snapshots by calc id.
func (r *CacheRepo) BulkDeleteStatusSnapshots(calcIDs []string) error {
	return bulkExecRows(r, deleteStatusSnapshotSQL, calcIDs, func(stmt *sql.Stmt, id string) error {
		_, err := stmt.Exec(id)
		return err
	})
}

// GetStatusSnapshot returns the stored snapshot of a calculation, or nil.
func (r *CacheRepo) GetStatusSnapshot(calcID string) (*model.StatusSnapshot, error) {
	var s model.StatusSnapshot
	var data string
	err := r.db.QueryRow("SELECT calc_id, status_json, updated_at_ns FROM calc_status WHERE calc_id = ?", calcID).
		Scan(&s.CalcID, &data, &s.UpdatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.StatusJSON = json.RawMessage(data)
	return &s, nil
}

// LoadAllStatusSnapshots reads every stored snapshot.
func (r *CacheRepo) LoadAllStatusSnapshots() ([]model.StatusSnapshot, error) {
	rows, err := r.db.Query("SELECT calc_id, status_json, updated_at_ns FROM calc_status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.StatusSnapshot
	for rows.Next() {
		var s model.StatusSnapshot
		var data string
		if err := rows.Scan(&s.CalcID, &data, &s.UpdatedAtNs); err != nil {
			return nil, err
		}
		s.StatusJSON = json.RawMessage(data)
		result = append(result, s)
	}
	return result, rows.Err()
}

// --- internal helpers ---

// bulkExecTx runs a prepared statement within an existing transaction for n rows.
func bulkExecTx(tx *sql.Tx, query string, n int, execFn func(stmt *sql.Stmt, i int) error) error {
	if n == 0 {
		return nil
	}

	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if err := execFn(stmt, i); err != nil {
			return fmt.Errorf("exec row %d: %w", i, err)
		}
	}
	return nil
}

// bulkExec runs a prepared statement in its own transaction for n rows.
func (r *CacheRepo) bulkExec(query string, n int, execFn func(stmt *sql.Stmt, i int) error) error {
	if n == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := bulkExecTx(tx, query, n, execFn); err != nil {
		return err
	}
	return tx.Commit()
}

func bulkExecRows[T any](
	r *CacheRepo,
	query string,
	rows []T,
	execFn func(stmt *sql.Stmt, row T) error,
) error {
	return r.bulkExec(query, len(rows), func(stmt *sql.Stmt, i int) error {
		return execFn(stmt, rows[i])
	})
}

// FlushOps holds the upsert/delete slices for a single-transaction cache flush.
type FlushOps struct {
	UpsertStatusSnapshots []model.StatusSnapshot
	DeleteStatusSnapshots []string
}

// FlushTx applies all ops in one transaction.
func (r *CacheRepo) FlushTx(ops FlushOps) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer tx.Rollback()

	if err := bulkExecTx(tx, upsertStatusSnapshotSQL, len(ops.UpsertStatusSnapshots), func(s *sql.Stmt, i int) error {
		snap := ops.UpsertStatusSnapshots[i]
		_, err := s.Exec(snap.CalcID, string(snap.StatusJSON), snap.UpdatedAtNs)
		return err
	}); err != nil {
		return fmt.Errorf("upsert_calc_status: %w", err)
	}
	if err := bulkExecTx(tx, deleteStatusSnapshotSQL, len(ops.DeleteStatusSnapshots), func(s *sql.Stmt, i int) error {
		_, err := s.Exec(ops.DeleteStatusSnapshots[i])
		return err
	}); err != nil {
		return fmt.Errorf("delete_calc_status: %w", err)
	}

	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const (
	upsertCacheMetadataSQL = `INSERT INTO cache_metadata (country_id, version, version_id, loaded, timestamp_ns)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(country_id) DO UPDATE SET
			version      = excluded.version,
			version_id   = excluded.version_id,
			loaded       = excluded.loaded,
			timestamp_ns = excluded.timestamp_ns`

	upsertStatusSnapshotSQL = `INSERT INTO calc_status (calc_id, status_json, updated_at_ns)
		 VALUES (?, ?, ?)
		 ON CONFLICT(calc_id) DO UPDATE SET
			status_json   = excluded.status_json,
			updated_at_ns = excluded.updated_at_ns`

	deleteStatusSnapshotSQL = "DELETE FROM calc_status WHERE calc_id = ?"
)
