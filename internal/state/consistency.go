package state

import (
	"database/sql"
	"fmt"
)

// RepairConsistency removes metadata rows that no loaded version record
// vouches for. Such rows are left behind when a country is invalidated and
// the process exits before the reload commits. All DELETEs execute in a
// single transaction.
func RepairConsistency(cacheDB *sql.DB) error {
	tx, err := cacheDB.Begin()
	if err != nil {
		return fmt.Errorf("begin repair tx: %w", err)
	}
	defer tx.Rollback()

	for i, table := range MetadataTables {
		stmt := fmt.Sprintf(`DELETE FROM %s
		 WHERE country_id NOT IN (SELECT country_id FROM cache_metadata WHERE loaded = 1)`, table)
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("repair step %d (%s): %w", i+1, table, err)
		}
	}

	return tx.Commit()
}
