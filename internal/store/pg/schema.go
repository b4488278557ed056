package pg

import (
	"database/sql"
	"errors"
	"fmt"
)

// requiredSchemaVersion is the migration version this binary expects. Bump it
// together with new files under migrations/.
const requiredSchemaVersion = 1

var (
	ErrSchemaOutdated = errors.New(`schema is outdated, run "openakita migrate up"`)
	ErrSchemaDirty    = errors.New(`schema is dirty from a failed migration, run "openakita migrate force"`)
	ErrSchemaAhead    = errors.New("schema is newer than this binary, upgrade openakita")
)

// checkSchema compares the schema_migrations bookkeeping table against the
// version this binary was built for. A fresh database without the table
// counts as outdated.
func checkSchema(db *sql.DB) error {
	var version uint64
	var dirty bool
	err := db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSchemaOutdated
		}
		// Missing table reads as an undefined_table error, not ErrNoRows.
		return fmt.Errorf("%w (no schema_migrations table: %v)", ErrSchemaOutdated, err)
	}

	switch {
	case dirty:
		return fmt.Errorf("%w (stuck at version %d)", ErrSchemaDirty, version)
	case version < requiredSchemaVersion:
		return fmt.Errorf("%w (have v%d, need v%d)", ErrSchemaOutdated, version, requiredSchemaVersion)
	case version > requiredSchemaVersion:
		return fmt.Errorf("%w (have v%d, built for v%d)", ErrSchemaAhead, version, requiredSchemaVersion)
	}
	return nil
}
