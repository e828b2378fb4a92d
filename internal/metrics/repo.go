package metrics

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	gojson "github.com/goccy/go-json"

	"github.com/policyengine/calcd/internal/state"
)

// MetricsDBDDL defines the schema for metrics.db. calc_type ” is the
// global scope.
const MetricsDBDDL = `
CREATE TABLE IF NOT EXISTS metric_calc_bucket (
	bucket_start_unix INTEGER NOT NULL,
	calc_type         TEXT NOT NULL,
	started           INTEGER NOT NULL DEFAULT 0,
	completed         INTEGER NOT NULL DEFAULT 0,
	errored           INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (bucket_start_unix, calc_type)
);

CREATE TABLE IF NOT EXISTS metric_calc_duration_bucket (
	bucket_start_unix INTEGER NOT NULL,
	calc_type         TEXT NOT NULL,
	buckets_json      TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (bucket_start_unix, calc_type)
);
`

// MetricsRepo handles persistence of metric buckets to metrics.db.
type MetricsRepo struct {
	db *sql.DB
}

// NewMetricsRepo opens (or creates) metrics.db at the given path and initializes the schema.
func NewMetricsRepo(path string) (*MetricsRepo, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("metrics repo mkdir: %w", err)
	}
	db, err := state.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("metrics repo open: %w", err)
	}
	if _, err := db.Exec(MetricsDBDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("metrics repo init: %w", err)
	}
	return &MetricsRepo{db: db}, nil
}

// Close closes the database.
func (r *MetricsRepo) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// WriteBucket persists one bucket's counts and duration histograms in a
// single transaction. Rewriting a bucket replaces its rows.
func (r *MetricsRepo) WriteBucket(data *BucketFlushData, durations map[string][]int64) error {
	if data == nil {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("metrics repo begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for calcType, acc := range data.Counts {
		_, err = tx.Exec(`INSERT INTO metric_calc_bucket (bucket_start_unix, calc_type, started, completed, errored)
			VALUES (?,?,?,?,?) ON CONFLICT(bucket_start_unix, calc_type)
			DO UPDATE SET started = excluded.started, completed = excluded.completed, errored = excluded.errored`,
			data.BucketStartUnix, calcType, acc.Started, acc.Completed, acc.Errored)
		if err != nil {
			return fmt.Errorf("metrics repo upsert calc bucket: %w", err)
		}
	}
	for calcType, buckets := range durations {
		if allZero(buckets) {
			continue
		}
		raw, err := gojson.Marshal(buckets)
		if err != nil {
			return fmt.Errorf("metrics repo encode durations: %w", err)
		}
		_, err = tx.Exec(`INSERT INTO metric_calc_duration_bucket (bucket_start_unix, calc_type, buckets_json)
			VALUES (?,?,?) ON CONFLICT(bucket_start_unix, calc_type)
			DO UPDATE SET buckets_json = excluded.buckets_json`,
			data.BucketStartUnix, calcType, string(raw))
		if err != nil {
			return fmt.Errorf("metrics repo upsert duration bucket: %w", err)
		}
	}
	return tx.Commit()
}

func allZero(v []int64) bool {
	for _, n := range v {
		if n != 0 {
			return false
		}
	}
	return true
}

// CalcBucketRow holds a single calculation count bucket.
type CalcBucketRow struct {
	BucketStartUnix int64  `json:"bucket_start_unix"`
	CalcType        string `json:"calc_type,omitempty"`
	Started         int64  `json:"started"`
	Completed       int64  `json:"completed"`
	Errored         int64  `json:"errored"`
}

// QueryCalcBuckets returns count buckets in [from, to] for calcType
// (GlobalScope for all types), ordered by bucket start.
func (r *MetricsRepo) QueryCalcBuckets(from, to int64, calcType string) ([]CalcBucketRow, error) {
	rows, err := r.db.Query(`SELECT bucket_start_unix, calc_type, started, completed, errored
		FROM metric_calc_bucket
		WHERE bucket_start_unix >= ? AND bucket_start_unix <= ? AND calc_type = ?
		ORDER BY bucket_start_unix`, from, to, calcType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []CalcBucketRow
	for rows.Next() {
		var row CalcBucketRow
		if err := rows.Scan(&row.BucketStartUnix, &row.CalcType, &row.Started, &row.Completed, &row.Errored); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// DurationBucketRow holds one duration histogram bucket.
type DurationBucketRow struct {
	BucketStartUnix int64   `json:"bucket_start_unix"`
	CalcType        string  `json:"calc_type,omitempty"`
	Buckets         []int64 `json:"buckets"`
}

// QueryDurationBuckets returns duration histograms in [from, to] for calcType.
func (r *MetricsRepo) QueryDurationBuckets(from, to int64, calcType string) ([]DurationBucketRow, error) {
	rows, err := r.db.Query(`SELECT bucket_start_unix, calc_type, buckets_json
		FROM metric_calc_duration_bucket
		WHERE bucket_start_unix >= ? AND bucket_start_unix <= ? AND calc_type = ?
		ORDER BY bucket_start_unix`, from, to, calcType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []DurationBucketRow
	for rows.Next() {
		var (
			row DurationBucketRow
			raw string
		)
		if err := rows.Scan(&row.BucketStartUnix, &row.CalcType, &raw); err != nil {
			return nil, err
		}
		if err := gojson.Unmarshal([]byte(raw), &row.Buckets); err != nil {
			return nil, fmt.Errorf("decode duration bucket %d: %w", row.BucketStartUnix, err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
