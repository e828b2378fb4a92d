package state

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// persistenceCloser holds DB handles for cleanup. Implements io.Closer.
type persistenceCloser struct {
	stateDB *sql.DB
	cacheDB *sql.DB
}

func (c *persistenceCloser) Close() error {
	return errors.Join(c.stateDB.Close(), c.cacheDB.Close())
}

// PersistenceBootstrap initializes both databases, runs consistency repair,
// and returns a ready-to-use StateEngine plus an io.Closer for the DB handles.
//
// Steps:
//  1. Open/create state.db and cache.db with recommended pragmas.
//  2. Apply embedded migrations to both databases.
//  3. Drop metadata rows not covered by a loaded version record.
//  4. Construct and return StateEngine.
func PersistenceBootstrap(stateDir, cacheDir string) (engine *StateEngine, closer io.Closer, err error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create state dir %s: %w", stateDir, err)
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create cache dir %s: %w", cacheDir, err)
	}

	stateDB, err := OpenDB(filepath.Join(stateDir, "state.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open state.db: %w", err)
	}

	cacheDB, err := OpenDB(filepath.Join(cacheDir, "cache.db"))
	if err != nil {
		stateDB.Close()
		return nil, nil, fmt.Errorf("open cache.db: %w", err)
	}

	fail := func(format string, err error) (*StateEngine, io.Closer, error) {
		stateDB.Close()
		cacheDB.Close()
		return nil, nil, fmt.Errorf(format, err)
	}

	if err := MigrateStateDB(stateDB); err != nil {
		return fail("init state.db: %w", err)
	}
	if err := MigrateCacheDB(cacheDB); err != nil {
		return fail("init cache.db: %w", err)
	}
	if err := RepairConsistency(cacheDB); err != nil {
		return fail("repair consistency: %w", err)
	}

	engine = newStateEngine(newStateRepo(stateDB), newCacheRepo(cacheDB))
	return engine, &persistenceCloser{stateDB: stateDB, cacheDB: cacheDB}, nil
}
