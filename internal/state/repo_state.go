package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	gojson "github.com/goccy/go-json"

	"github.com/policyengine/calcd/internal/model"
)

// StateRepo wraps state.db and provides transactional CRUD for reports.
// All writes are serialized by an internal mutex.
type StateRepo struct {
	db *sql.DB
	mu sync.Mutex
}

// newStateRepo creates a StateRepo for the given state.db connection.
func newStateRepo(db *sql.DB) *StateRepo {
	return &StateRepo{db: db}
}

// CreateReport inserts a new report. An existing id yields ErrConflict.
func (r *StateRepo) CreateReport(rep model.Report) error {
	if rep.Status == "" {
		rep.Status = model.ReportPending
	}
	calcIDs := rep.CalcIDs
	if calcIDs == nil {
		calcIDs = []string{}
	}
	idsJSON, err := gojson.Marshal(calcIDs)
	if err != nil {
		return fmt.Errorf("encode report calc ids: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		INSERT INTO reports (id, country_id, status, calc_ids_json, request_json, output_json, error_message, created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, rep.ID, rep.CountryID, string(rep.Status), string(idsJSON), string(rep.Request), string(rep.Output),
		rep.ErrorMessage, rep.CreatedAtNs, rep.UpdatedAtNs)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("report %s: %w", rep.ID, ErrConflict)
	}
	return nil
}

const selectReportSQL = `SELECT id, country_id, status, calc_ids_json, request_json, output_json, error_message, created_at_ns, updated_at_ns FROM reports`

// GetReport loads a report by id. Returns ErrNotFound when absent.
func (r *StateRepo) GetReport(id string) (*model.Report, error) {
	row := r.db.QueryRow(selectReportSQL+" WHERE id = ?", id)
	rep, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// ListReportsByStatus returns every report in the given status, oldest first.
func (r *StateRepo) ListReportsByStatus(status model.ReportStatus) ([]model.Report, error) {
	rows, err := r.db.Query(selectReportSQL+" WHERE status = ? ORDER BY created_at_ns", string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rep)
	}
	return result, rows.Err()
}

// MarkReportComplete stores output and moves a pending report to complete.
// It reports whether this call performed the transition; marking a report
// that already left pending is a no-op.
func (r *StateRepo) MarkReportComplete(id string, output json.RawMessage, updatedAtNs int64) (bool, error) {
	return r.markReport(id, model.ReportComplete, string(output), "", updatedAtNs)
}

// MarkReportError moves a pending report to error with the given message.
// Same idempotency as MarkReportComplete.
func (r *StateRepo) MarkReportError(id string, message string, updatedAtNs int64) (bool, error) {
	return r.markReport(id, model.ReportError, "", message, updatedAtNs)
}

func (r *StateRepo) markReport(id string, status model.ReportStatus, output, message string, updatedAtNs int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		UPDATE reports
		SET status = ?, output_json = ?, error_message = ?, updated_at_ns = ?
		WHERE id = ? AND status = ?
	`, string(status), output, message, updatedAtNs, id, string(model.ReportPending))
	if err != nil {
		return false, fmt.Errorf("mark report %s %s: %w", id, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM reports WHERE id = ?", id).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	return false, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(s rowScanner) (*model.Report, error) {
	var (
		rep     model.Report
		status  string
		idsJSON string
		request string
		output  string
	)
	if err := s.Scan(&rep.ID, &rep.CountryID, &status, &idsJSON, &request, &output,
		&rep.ErrorMessage, &rep.CreatedAtNs, &rep.UpdatedAtNs); err != nil {
		return nil, err
	}
	rep.Status = model.ReportStatus(status)
	if err := gojson.Unmarshal([]byte(idsJSON), &rep.CalcIDs); err != nil {
		return nil, fmt.Errorf("decode report %s calc_ids_json: %w", rep.ID, err)
	}
	if request != "" {
		rep.Request = json.RawMessage(request)
	}
	if output != "" {
		rep.Output = json.RawMessage(output)
	}
	return &rep, nil
}
