// Package state implements the persistence layer: SQLite repos for reports,
// reference metadata and calculation status snapshots, the dirty-set flush
// and bootstrap.
package state

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// OpenDB opens (or creates) a SQLite database at path with recommended pragmas:
// WAL journal mode, synchronous=NORMAL, foreign_keys=ON, busy_timeout=5000.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	return db, nil
}

// MetadataTable names one of the reference entity tables in cache.db.
type MetadataTable string

const (
	TableVariables  MetadataTable = "metadata_variables"
	TableDatasets   MetadataTable = "metadata_datasets"
	TableParameters MetadataTable = "metadata_parameters"
)

// MetadataTables lists every entity table in replacement order.
var MetadataTables = []MetadataTable{TableVariables, TableDatasets, TableParameters}

// Valid reports whether t names a known entity table. Table names are
// interpolated into SQL, so every query path checks this first.
func (t MetadataTable) Valid() bool {
	switch t {
	case TableVariables, TableDatasets, TableParameters:
		return true
	}
	return false
}
