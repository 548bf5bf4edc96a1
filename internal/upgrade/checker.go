// Package upgrade checks that a Postgres storage schema matches this binary.
package upgrade

import (
	"database/sql"
	"errors"
	"fmt"
)

// RequiredSchemaVersion is the migration version this binary's postgres
// storage expects. Bump it with every new file under store/pg/migrations.
const RequiredSchemaVersion uint = 1

// SchemaStatus represents the result of a schema compatibility check.
type SchemaStatus struct {
	CurrentVersion  uint
	RequiredVersion uint
	Dirty           bool
	Compatible      bool
	NeedsMigration  bool
}

var (
	ErrSchemaOutdated = errors.New("storage schema is outdated")
	ErrSchemaDirty    = errors.New("storage schema is dirty (failed migration)")
	ErrSchemaAhead    = errors.New("storage schema is newer than this binary")
)

// CheckSchema reads the golang-migrate bookkeeping table and compares it
// against RequiredSchemaVersion.
func CheckSchema(db *sql.DB) (*SchemaStatus, error) {
	var version uint
	var dirty bool

	err := db.QueryRow("SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	if err != nil {
		// No rows, or no table yet on a fresh database.
		return &SchemaStatus{
			RequiredVersion: RequiredSchemaVersion,
			NeedsMigration:  true,
		}, nil
	}
	return Evaluate(version, dirty, RequiredSchemaVersion), nil
}

// Evaluate classifies a migration version against required.
func Evaluate(version uint, dirty bool, required uint) *SchemaStatus {
	s := &SchemaStatus{
		CurrentVersion:  version,
		RequiredVersion: required,
		Dirty:           dirty,
	}
	if dirty {
		return s
	}
	switch {
	case version == required:
		s.Compatible = true
	case version < required:
		s.NeedsMigration = true
	}
	return s
}

// Err returns the sentinel error for an incompatible status, or nil.
func (s *SchemaStatus) Err() error {
	switch {
	case s.Compatible:
		return nil
	case s.Dirty:
		return ErrSchemaDirty
	case s.CurrentVersion > s.RequiredVersion:
		return ErrSchemaAhead
	default:
		return ErrSchemaOutdated
	}
}

// FormatError returns a user-friendly message for the given status.
func FormatError(s *SchemaStatus) string {
	if s.Dirty {
		prev := uint(0)
		if s.CurrentVersion > 0 {
			prev = s.CurrentVersion - 1
		}
		return fmt.Sprintf(
			"Storage schema is in a dirty state (version %d).\n"+
				"This usually means a migration failed partway.\n\n"+
				"  Fix:  turnkit migrate force %d\n"+
				"  Then: turnkit migrate up\n",
			s.CurrentVersion, prev,
		)
	}
	if s.CurrentVersion > s.RequiredVersion {
		return fmt.Sprintf(
			"Storage schema (v%d) is newer than this binary (requires v%d).\n"+
				"You may be running an older version of turnkit.\n",
			s.CurrentVersion, s.RequiredVersion,
		)
	}
	return fmt.Sprintf(
		"Storage schema is outdated: current v%d, required v%d.\n\n"+
			"  Run: turnkit migrate up\n",
		s.CurrentVersion, s.RequiredVersion,
	)
}
