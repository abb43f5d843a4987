package store

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	metaLastSessionKey    = "last_session_id"
	metaSessionStartedKey = "last_session_started"
)

// GetMeta returns the value stored under key and whether it exists.
func (db *DB) GetMeta(key string) (string, bool, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta stores value under key, replacing any previous value.
func (db *DB) SetMeta(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// BeginSession records sessionID as the current browser session and reports
// whether it differs from the previously recorded one. A new session discards
// every saved tab score.
func (db *DB) BeginSession(sessionID string) (bool, error) {
	prev, ok, err := db.GetMeta(metaLastSessionKey)
	if err != nil {
		return false, err
	}
	if ok && prev == sessionID {
		return false, nil
	}

	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin session: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for key, value := range map[string]string{
		metaLastSessionKey:    sessionID,
		metaSessionStartedKey: fmt.Sprint(now),
	} {
		if _, err := tx.Exec(`
			INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, value, now); err != nil {
			return false, fmt.Errorf("record session: %w", err)
		}
	}
	// Saved scores belong to the previous session's tabs.
	if _, err := tx.Exec(`DELETE FROM tab_scores`); err != nil {
		return false, fmt.Errorf("clear tab scores: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit session: %w", err)
	}
	return true, nil
}
