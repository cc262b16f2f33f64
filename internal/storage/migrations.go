package storage

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// schemaVersion is the schema version the code expects. Bump it when adding
// a migration.
const schemaVersion = 3

// versionFileName is the sidecar file holding the applied schema version. It
// lives next to the database file rather than inside it so the marker
// survives a dropped or rebuilt table.
const versionFileName = "schema_version"

// migration is a single schema step. Each step must be safe to re-run: the
// version bump and the migration itself are not atomic across a process
// kill, so a step can observe a database it has already migrated.
type migration struct {
	version int
	name    string
	apply   func(*sql.Tx) error
}

var migrations = []migration{
	{1, "create base tables", migrateBaseTables},
	{2, "create activities table", migrateActivities},
	{3, "add location column to cached_trips", migrateTripLocation},
}

// RunMigrations brings the database schema up to the expected version,
// applying each pending migration exactly once in order.
func RunMigrations(db *DB) error {
	current, err := readSchemaVersion(db.Path())
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	if current > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, schemaVersion)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		log.Printf("Applying migration %d: %s", m.version, m.name)
		if err := db.Transaction(m.apply); err != nil {
			return fmt.Errorf("applying migration %d (%s): %w", m.version, m.name, err)
		}

		if err := writeSchemaVersion(db.Path(), m.version); err != nil {
			return fmt.Errorf("recording schema version %d: %w", m.version, err)
		}
	}

	return nil
}

func readSchemaVersion(dbPath string) (int, error) {
	data, err := os.ReadFile(versionFilePath(dbPath))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing version marker: %w", err)
	}
	return v, nil
}

func writeSchemaVersion(dbPath string, version int) error {
	return os.WriteFile(versionFilePath(dbPath), []byte(strconv.Itoa(version)+"\n"), 0644)
}

func versionFilePath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), versionFileName)
}

func migrateBaseTables(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS cached_trips (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			activity_id TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			eta DATETIME NOT NULL,
			grace_minutes INTEGER NOT NULL DEFAULT 0,
			checkin_token TEXT NOT NULL DEFAULT '',
			checkout_token TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			last_checkin_at DATETIME,
			checkin_count INTEGER NOT NULL DEFAULT 0,
			cached_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS pending_actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action_type TEXT NOT NULL,
			trip_id TEXT,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_pending_actions_trip ON pending_actions(trip_id);
	`)
	return err
}

func migrateActivities(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS activities (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			icon TEXT NOT NULL DEFAULT '',
			cached_at DATETIME NOT NULL
		)
	`)
	return err
}

func migrateTripLocation(tx *sql.Tx) error {
	// Idempotent: only add the column if a previous partially-applied run
	// didn't already.
	rows, err := tx.Query(`PRAGMA table_info(cached_trips)`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if name == "location" {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = tx.Exec(`ALTER TABLE cached_trips ADD COLUMN location TEXT`)
	return err
}
