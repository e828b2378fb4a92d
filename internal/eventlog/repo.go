package eventlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/policyengine/calcd/internal/model"
	"github.com/policyengine/calcd/internal/state"
)

// Repo stores events in logDir/events.db.
type Repo struct {
	logDir string
	db     *sql.DB
}

// NewRepo creates a Repo rooted at logDir. Call Open before use.
func NewRepo(logDir string) *Repo {
	return &Repo{logDir: logDir}
}

// Open opens (or creates) the event database.
func (r *Repo) Open() error {
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return fmt.Errorf("eventlog repo mkdir %s: %w", r.logDir, err)
	}
	db, err := state.OpenDB(filepath.Join(r.logDir, "events.db"))
	if err != nil {
		return err
	}
	if _, err := db.Exec(CreateDDL); err != nil {
		db.Close()
		return fmt.Errorf("eventlog repo init: %w", err)
	}
	r.db = db
	return nil
}

// Close closes the database.
func (r *Repo) Close() error {
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

// InsertBatch writes events in a single transaction and returns how many
// rows were inserted. Duplicate ids are ignored.
func (r *Repo) InsertBatch(events []model.CalcEvent) (int, error) {
	if r.db == nil {
		return 0, fmt.Errorf("eventlog repo: not open")
	}
	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("eventlog repo begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO calc_events
		(id, calc_id, ts_ns, from_state, to_state, progress, error_code, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("eventlog repo prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, e := range events {
		var progress sql.NullFloat64
		if e.Progress != nil {
			progress = sql.NullFloat64{Float64: *e.Progress, Valid: true}
		}
		res, err := stmt.Exec(e.ID, e.CalcID, e.TsNs, e.FromState, e.ToState, progress, e.ErrorCode, e.Message)
		if err != nil {
			return 0, fmt.Errorf("eventlog repo insert %s: %w", e.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("eventlog repo commit: %w", err)
	}
	return inserted, nil
}

// ListByCalc returns up to limit events of one calculation, oldest first.
func (r *Repo) ListByCalc(calcID string, limit int) ([]model.CalcEvent, error) {
	if r.db == nil {
		return nil, fmt.Errorf("eventlog repo: not open")
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 10000 {
		limit = 10000
	}
	rows, err := r.db.Query(`SELECT id, calc_id, ts_ns, from_state, to_state, progress, error_code, message
		FROM calc_events WHERE calc_id = ? ORDER BY ts_ns ASC, id ASC LIMIT ?`, calcID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.CalcEvent
	for rows.Next() {
		var e model.CalcEvent
		var progress sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.CalcID, &e.TsNs, &e.FromState, &e.ToState, &progress, &e.ErrorCode, &e.Message); err != nil {
			return nil, err
		}
		if progress.Valid {
			p := progress.Float64
			e.Progress = &p
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// Prune deletes events older than cutoffNs and returns how many were removed.
func (r *Repo) Prune(cutoffNs int64) (int64, error) {
	if r.db == nil {
		return 0, fmt.Errorf("eventlog repo: not open")
	}
	res, err := r.db.Exec("DELETE FROM calc_events WHERE ts_ns < ?", cutoffNs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
