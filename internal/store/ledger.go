package store

import (
	"database/sql"
	"fmt"
	"time"
)

// LedgerDay is one day of token economics.
type LedgerDay struct {
	Day              string  `json:"day"` // YYYY-MM-DD
	TokensIn         int     `json:"tokens_in"`
	TokensOut        int     `json:"tokens_out"`
	EntriesProcessed int     `json:"entries_processed"`
	SavedRatio       float64 `json:"saved_ratio"`
}

// AddToLedger accumulates token counts for a day. tokensIn is the footprint
// before compaction, tokensOut after.
func (db *DB) AddToLedger(day string, tokensIn, tokensOut, entriesProcessed int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO token_ledger (day, tokens_in, tokens_out, entries_processed, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			tokens_in = tokens_in + excluded.tokens_in,
			tokens_out = tokens_out + excluded.tokens_out,
			entries_processed = entries_processed + excluded.entries_processed,
			updated_at = excluded.updated_at
	`, day, tokensIn, tokensOut, entriesProcessed, now)
	if err != nil {
		return fmt.Errorf("add to ledger: %w", err)
	}
	return nil
}

// GetLedger returns the token economics for a day. A day with no activity
// returns a zero-valued row rather than an error.
func (db *DB) GetLedger(day string) (*LedgerDay, error) {
	var l LedgerDay
	err := db.QueryRow(`
		SELECT day, tokens_in, tokens_out, entries_processed
		FROM token_ledger WHERE day = ?
	`, day).Scan(&l.Day, &l.TokensIn, &l.TokensOut, &l.EntriesProcessed)
	if err == sql.ErrNoRows {
		return &LedgerDay{Day: day}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger: %w", err)
	}
	if l.TokensIn > 0 {
		l.SavedRatio = float64(l.TokensIn-l.TokensOut) / float64(l.TokensIn)
	}
	return &l, nil
}
