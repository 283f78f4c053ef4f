package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Migration is one schema step. Migrations are listed in ascending Version
// order.
type Migration struct {
	Version     int
	Description string
	Up, Down    string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Cold history, compactions and committed roots",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Index transactions by commitment for dispute lookups",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS transactions (
    channel_id      BLOB NOT NULL,
    position        INTEGER NOT NULL,
    kind            TEXT NOT NULL CHECK (kind IN ('record', 'summary')),
    timestamp       INTEGER NOT NULL,
    old_commitment  BLOB NOT NULL,
    new_commitment  BLOB NOT NULL,
    metadata_hash   BLOB NOT NULL,
    merkle_root     BLOB NOT NULL,
    PRIMARY KEY (channel_id, position)
);

CREATE TABLE IF NOT EXISTS compactions (
    channel_id      BLOB NOT NULL,
    position        INTEGER NOT NULL,
    batch_size      INTEGER NOT NULL,
    codec           TEXT NOT NULL,
    batch           BLOB NOT NULL,
    created_at      INTEGER NOT NULL,
    PRIMARY KEY (channel_id, position),
    FOREIGN KEY (channel_id, position) REFERENCES transactions(channel_id, position)
);

CREATE TABLE IF NOT EXISTS channel_roots (
    channel_id      BLOB PRIMARY KEY,
    root            BLOB NOT NULL,
    committed_at    INTEGER NOT NULL
);
`

const migrationV1Down = `
DROP TABLE IF EXISTS channel_roots;
DROP TABLE IF EXISTS compactions;
DROP TABLE IF EXISTS transactions;
`

const migrationV2Up = `
CREATE INDEX IF NOT EXISTS idx_transactions_new_commitment ON transactions(new_commitment);
`

const migrationV2Down = `
DROP INDEX IF EXISTS idx_transactions_new_commitment;
`

const migrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version     INTEGER PRIMARY KEY,
    applied_at  INTEGER NOT NULL,
    description TEXT
)`

// inTx runs fn in a transaction, committing only when fn succeeds.
func inTx(db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// MigrateDB brings db up to the latest schema. Each step and its
// schema_migrations row commit together.
func MigrateDB(db *sql.DB) error {
	if _, err := db.Exec(migrationsTable); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	current, err := currentVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations[pendingFrom(current):] {
		err := inTx(db, func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.Up); err != nil {
				return fmt.Errorf("%s: %w", m.Description, err)
			}
			_, err := tx.Exec(
				"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
				m.Version, time.Now().UnixNano(), m.Description)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// pendingFrom is the index of the first migration newer than version.
func pendingFrom(version int) int {
	return sort.Search(len(migrations), func(i int) bool {
		return migrations[i].Version > version
	})
}

func currentVersion(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return v, nil
}

// RollbackMigration reverts the newest applied migration.
func RollbackMigration(db *sql.DB) error {
	current, err := currentVersion(db)
	if err != nil {
		return err
	}
	if current == 0 {
		return errors.New("no migrations to roll back")
	}
	i := pendingFrom(current) - 1
	if i < 0 || migrations[i].Version != current {
		return fmt.Errorf("migration %d not found", current)
	}
	m := migrations[i]

	err = inTx(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(m.Down); err != nil {
			return err
		}
		_, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current)
		return err
	})
	if err != nil {
		return fmt.Errorf("roll back migration %d: %w", current, err)
	}
	return nil
}

// SchemaVersion returns the applied schema version and the latest known one.
func SchemaVersion(db *sql.DB) (current, latest int, err error) {
	current, err = currentVersion(db)
	return current, migrations[len(migrations)-1].Version, err
}

var requiredTables = []string{"transactions", "compactions", "channel_roots", "schema_migrations"}

// ValidateSchema reports the first table the store needs that is missing.
func ValidateSchema(db *sql.DB) error {
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("list tables: %w", err)
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list tables: %w", err)
	}

	for _, t := range requiredTables {
		if !have[t] {
			return fmt.Errorf("missing required table: %s", t)
		}
	}
	return nil
}
