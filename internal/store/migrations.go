package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "reclaimed_tabs: history of tabs closed by the scheduler",
		SQL: `
CREATE TABLE reclaimed_tabs (
    id             INTEGER PRIMARY KEY,
    handle         INTEGER NOT NULL,
    title          TEXT NOT NULL DEFAULT '',
    url            TEXT NOT NULL,
    icon           TEXT NOT NULL DEFAULT '',
    domain         TEXT NOT NULL DEFAULT '',
    score          REAL NOT NULL DEFAULT 0 CHECK (score >= 0 AND score <= 2),
    recovery_hint  TEXT NOT NULL DEFAULT '',
    reclaimed_at   INTEGER NOT NULL
);

CREATE INDEX idx_reclaimed_at     ON reclaimed_tabs(reclaimed_at DESC);
CREATE INDEX idx_reclaimed_domain ON reclaimed_tabs(domain);
`,
	},
	{
		Version:     2,
		Description: "metadata: key/value state such as the last browser session",
		SQL: `
CREATE TABLE metadata (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`,
	},
	{
		Version:     3,
		Description: "tab_scores: liveness scores kept across restarts within one browser session",
		SQL: `
CREATE TABLE tab_scores (
    tab_key     TEXT PRIMARY KEY,
    score       REAL NOT NULL CHECK (score >= 0 AND score <= 2),
    last_active INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
`,
	},
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		if err := db.apply(m); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) apply(m migration) error {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count); err != nil {
		return fmt.Errorf("check migration %d: %w", m.Version, err)
	}
	if count > 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
