// SPDX-License-Identifier: AGPL-3.0-only
package store

import (
	"database/sql"
	"fmt"
)

// migration represents a single schema migration.
type migration struct {
	version int
	up      func(tx *sql.Tx) error
}

// migrations is the ordered list of schema migrations.
var migrations = []migration{
	{
		version: 1,
		up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE sessions (
					id         TEXT PRIMARY KEY,
					agent_id   TEXT NOT NULL,
					origin     TEXT DEFAULT '',
					started_at TEXT NOT NULL,
					ended_at   TEXT DEFAULT ''
				);
				CREATE TABLE turns (
					id         INTEGER PRIMARY KEY AUTOINCREMENT,
					session_id TEXT NOT NULL,
					prompt     TEXT DEFAULT '',
					output     TEXT DEFAULT '',
					error      TEXT DEFAULT '',
					start_time TEXT NOT NULL,
					end_time   TEXT NOT NULL,
					duration   TEXT DEFAULT ''
				);
				CREATE INDEX idx_turns_session_start ON turns (session_id, start_time DESC);
			`)
			return err
		},
	},
	{
		version: 2,
		up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE report_jobs (
					name            TEXT PRIMARY KEY,
					schedule        TEXT NOT NULL,
					prompt          TEXT NOT NULL,
					enabled         INTEGER NOT NULL DEFAULT 0,
					last_session_id TEXT DEFAULT '',
					created_at      TEXT NOT NULL,
					updated_at      TEXT NOT NULL
				)
			`)
			return err
		},
	},
}

// runMigrations ensures the schema_version table exists and runs any pending migrations.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	row := db.QueryRow("SELECT version FROM schema_version LIMIT 1")
	if err := row.Scan(&current); err != nil {
		if err != sql.ErrNoRows {
			return fmt.Errorf("read schema version: %w", err)
		}
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (0)"); err != nil {
			return fmt.Errorf("insert initial schema version: %w", err)
		}
		current = 0
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if err := m.up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec("UPDATE schema_version SET version = ?", m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("update schema version to %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}

	return nil
}
