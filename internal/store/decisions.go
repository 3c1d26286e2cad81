package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Decision is one immutable row of the routing decision log.
type Decision struct {
	ID         int64
	EntryID    string
	Signals    string // JSON snapshot of the seven signals
	Composite  float64
	Tier       Tier
	Confidence float64
	Reasoning  string
	Flagged    bool // set for fallback routings that need manual review
	CreatedAt  int64
}

func appendDecisionTx(tx *sql.Tx, d *Decision) error {
	if d.CreatedAt == 0 {
		d.CreatedAt = time.Now().UnixMilli()
	}
	res, err := tx.Exec(`
		INSERT INTO decisions (entry_id, signals, composite, tier, confidence, reasoning, flagged, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, d.EntryID, d.Signals, d.Composite, d.Tier, d.Confidence, d.Reasoning, boolInt(d.Flagged), d.CreatedAt)
	if err != nil {
		return err
	}
	d.ID, _ = res.LastInsertId()
	return nil
}

// AppendDecision writes a decision row outside of a routing transaction
// (pending re-evaluations, grace-window deletions, anomalies).
func (db *DB) AppendDecision(d *Decision) error {
	if d.CreatedAt == 0 {
		d.CreatedAt = time.Now().UnixMilli()
	}
	res, err := db.Exec(`
		INSERT INTO decisions (entry_id, signals, composite, tier, confidence, reasoning, flagged, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, d.EntryID, d.Signals, d.Composite, d.Tier, d.Confidence, d.Reasoning, boolInt(d.Flagged), d.CreatedAt)
	if err != nil {
		return fmt.Errorf("append decision: %w", err)
	}
	d.ID, _ = res.LastInsertId()
	return nil
}

// ListDecisions returns the decision history for an entry, oldest first.
func (db *DB) ListDecisions(entryID string) ([]Decision, error) {
	rows, err := db.Query(`
		SELECT id, entry_id, signals, composite, tier, confidence, reasoning, flagged, created_at
		FROM decisions WHERE entry_id = ?
		ORDER BY created_at ASC, id ASC
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		var d Decision
		var reasoning sql.NullString
		var flagged int
		if err := rows.Scan(&d.ID, &d.EntryID, &d.Signals, &d.Composite, &d.Tier,
			&d.Confidence, &reasoning, &flagged, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Reasoning = reasoning.String
		d.Flagged = flagged != 0
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// CountFlaggedDecisions returns how many decisions are awaiting manual review.
func (db *DB) CountFlaggedDecisions() (int, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM decisions WHERE flagged = 1`).Scan(&count)
	return count, err
}
