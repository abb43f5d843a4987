package store

import (
	"fmt"
	"time"
)

// TabScore is a tab's liveness score saved between daemon runs. Key is the
// browser's target id, which is stable for the life of a browser session.
type TabScore struct {
	Key        string
	Score      float64
	LastActive time.Time
}

// SaveScores replaces every saved score with scores.
func (db *DB) SaveScores(scores []TabScore) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin save scores: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tab_scores`); err != nil {
		return fmt.Errorf("clear tab scores: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO tab_scores (tab_key, score, last_active, updated_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare save scores: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, s := range scores {
		if _, err := stmt.Exec(s.Key, s.Score, s.LastActive.UnixMilli(), now); err != nil {
			return fmt.Errorf("save score %s: %w", s.Key, err)
		}
	}
	return tx.Commit()
}

// LoadScores returns the saved scores keyed by tab key.
func (db *DB) LoadScores() (map[string]TabScore, error) {
	rows, err := db.Query(`SELECT tab_key, score, last_active FROM tab_scores`)
	if err != nil {
		return nil, fmt.Errorf("load scores: %w", err)
	}
	defer rows.Close()

	out := make(map[string]TabScore)
	for rows.Next() {
		var (
			s  TabScore
			ms int64
		)
		if err := rows.Scan(&s.Key, &s.Score, &ms); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		s.LastActive = time.UnixMilli(ms)
		out[s.Key] = s
	}
	return out, rows.Err()
}
