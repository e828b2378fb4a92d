// Package eventlog records calculation status transitions. Events are
// queued without blocking the orchestrator and written to SQLite in batches.
package eventlog

// CreateDDL defines the schema of the event database.
const CreateDDL = `
CREATE TABLE IF NOT EXISTS calc_events (
	id          TEXT PRIMARY KEY,
	calc_id     TEXT NOT NULL,
	ts_ns       INTEGER NOT NULL,
	from_state  TEXT NOT NULL DEFAULT '',
	to_state    TEXT NOT NULL,
	progress    REAL,
	error_code  TEXT NOT NULL DEFAULT '',
	message     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_calc_events_calc_ts ON calc_events(calc_id, ts_ns);
CREATE INDEX IF NOT EXISTS idx_calc_events_ts_ns   ON calc_events(ts_ns);
`
