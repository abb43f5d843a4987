package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ReclaimedTab is a tab closed by the scheduler, kept so it can be reopened.
type ReclaimedTab struct {
	ID           int64   `json:"id"`
	Handle       int64   `json:"handle"`
	Title        string  `json:"title"`
	URL          string  `json:"url"`
	Icon         string  `json:"icon,omitempty"`
	Domain       string  `json:"domain"`
	Score        float64 `json:"score"`
	RecoveryHint string  `json:"recovery_hint,omitempty"`
	ReclaimedAt  int64   `json:"reclaimed_at"` // unix millis
}

const reclaimedColumns = `id, handle, title, url, icon, domain, score, recovery_hint, reclaimed_at`

// AddReclaimed inserts t and sets its ID.
func (db *DB) AddReclaimed(t *ReclaimedTab) error {
	if t.ReclaimedAt == 0 {
		t.ReclaimedAt = time.Now().UnixMilli()
	}
	result, err := db.Exec(`
		INSERT INTO reclaimed_tabs (handle, title, url, icon, domain, score, recovery_hint, reclaimed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.Handle, t.Title, t.URL, t.Icon, t.Domain, t.Score, t.RecoveryHint, t.ReclaimedAt)
	if err != nil {
		return fmt.Errorf("add reclaimed tab: %w", err)
	}
	t.ID, _ = result.LastInsertId()
	return nil
}

// GetReclaimed returns one record, or nil if it does not exist.
func (db *DB) GetReclaimed(id int64) (*ReclaimedTab, error) {
	row := db.QueryRow(`SELECT `+reclaimedColumns+` FROM reclaimed_tabs WHERE id = ?`, id)
	t, err := scanReclaimed(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reclaimed tab: %w", err)
	}
	return t, nil
}

// ListReclaimed returns the most recently reclaimed tabs first.
// A limit <= 0 returns every record.
func (db *DB) ListReclaimed(limit int) ([]ReclaimedTab, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
		SELECT `+reclaimedColumns+` FROM reclaimed_tabs
		ORDER BY reclaimed_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list reclaimed tabs: %w", err)
	}
	defer rows.Close()

	tabs := []ReclaimedTab{}
	for rows.Next() {
		t, err := scanReclaimed(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reclaimed tab: %w", err)
		}
		tabs = append(tabs, *t)
	}
	return tabs, rows.Err()
}

// CountReclaimed returns the number of history records.
func (db *DB) CountReclaimed() (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM reclaimed_tabs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count reclaimed tabs: %w", err)
	}
	return n, nil
}

// DeleteReclaimed removes one record. Missing records are not an error.
func (db *DB) DeleteReclaimed(id int64) error {
	if _, err := db.Exec(`DELETE FROM reclaimed_tabs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete reclaimed tab: %w", err)
	}
	return nil
}

// ClearReclaimed removes every record and returns how many were removed.
func (db *DB) ClearReclaimed() (int64, error) {
	result, err := db.Exec(`DELETE FROM reclaimed_tabs`)
	if err != nil {
		return 0, fmt.Errorf("clear reclaimed tabs: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// PruneReclaimed removes records reclaimed before cutoff.
func (db *DB) PruneReclaimed(cutoff time.Time) (int64, error) {
	result, err := db.Exec(`DELETE FROM reclaimed_tabs WHERE reclaimed_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune reclaimed tabs: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReclaimed(s scanner) (*ReclaimedTab, error) {
	var t ReclaimedTab
	if err := s.Scan(&t.ID, &t.Handle, &t.Title, &t.URL, &t.Icon, &t.Domain, &t.Score, &t.RecoveryHint, &t.ReclaimedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
