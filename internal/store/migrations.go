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
		Description: "entries: tiered memory entries",
		SQL: `
CREATE TABLE entries (
    id                  TEXT PRIMARY KEY,
    tier                TEXT NOT NULL CHECK (tier IN ('fresh', 'focus', 'durable', 'reflex', 'critical')),
    phase               TEXT NOT NULL DEFAULT 'episodic' CHECK (phase IN ('episodic', 'compressed1', 'compressed2', 'semantic', 'pattern', 'intuitive', 'forgotten')),
    content             TEXT,
    token_count         INTEGER NOT NULL DEFAULT 0,

    -- Routing inputs
    importance          REAL NOT NULL DEFAULT 0.5,
    outcome             TEXT NOT NULL DEFAULT 'unknown' CHECK (outcome IN ('success', 'failure', 'unknown')),
    emotional_intensity REAL NOT NULL DEFAULT 0,
    urgency             REAL NOT NULL DEFAULT 0,

    -- Decay state
    strength            REAL NOT NULL DEFAULT 1.0,
    half_life_days      REAL NOT NULL DEFAULT 30,
    protected           INTEGER NOT NULL DEFAULT 0,
    stalled             INTEGER NOT NULL DEFAULT 0,
    archived            INTEGER NOT NULL DEFAULT 0,

    -- Routing snapshot
    routing_confidence  REAL,
    routing_signals     TEXT,

    access_count        INTEGER NOT NULL DEFAULT 0,
    created_at          INTEGER NOT NULL,
    last_accessed_at    INTEGER NOT NULL
);

CREATE INDEX idx_entries_tier     ON entries(tier);
CREATE INDEX idx_entries_phase    ON entries(phase);
CREATE INDEX idx_entries_strength ON entries(strength DESC);
CREATE INDEX idx_entries_archived ON entries(archived, created_at);
`,
	},
	{
		Version:     2,
		Description: "decisions: append-only routing decision log",
		SQL: `
CREATE TABLE decisions (
    id          INTEGER PRIMARY KEY,
    entry_id    TEXT NOT NULL,
    signals     TEXT NOT NULL,
    composite   REAL NOT NULL,
    tier        TEXT NOT NULL,
    confidence  REAL NOT NULL,
    reasoning   TEXT,
    flagged     INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL
);

CREATE INDEX idx_decisions_entry   ON decisions(entry_id);
CREATE INDEX idx_decisions_created ON decisions(created_at DESC);
`,
	},
	{
		Version:     3,
		Description: "compaction_queue: pending phase transitions",
		SQL: `
CREATE TABLE compaction_queue (
    id           INTEGER PRIMARY KEY,
    entry_id     TEXT NOT NULL,
    from_phase   TEXT NOT NULL,
    to_phase     TEXT NOT NULL,
    token_budget INTEGER NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'processing', 'done', 'stalled')),
    attempts     INTEGER NOT NULL DEFAULT 0,
    claimed_by   TEXT,
    claimed_at   INTEGER,
    not_before   INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL,

    FOREIGN KEY (entry_id) REFERENCES entries(id) ON DELETE CASCADE
);

CREATE INDEX idx_queue_status ON compaction_queue(status, not_before);
CREATE INDEX idx_queue_entry  ON compaction_queue(entry_id);
`,
	},
	{
		Version:     4,
		Description: "token_ledger: daily token economics",
		SQL: `
CREATE TABLE token_ledger (
    day               TEXT PRIMARY KEY,
    tokens_in         INTEGER NOT NULL DEFAULT 0,
    tokens_out        INTEGER NOT NULL DEFAULT 0,
    entries_processed INTEGER NOT NULL DEFAULT 0,
    updated_at        INTEGER NOT NULL
);
`,
	},
	{
		Version:     5,
		Description: "entry_edges: append-only lineage relationships",
		SQL: `
CREATE TABLE entry_edges (
    id         INTEGER PRIMARY KEY,
    from_id    TEXT NOT NULL,
    to_id      TEXT NOT NULL,
    relation   TEXT NOT NULL CHECK (relation IN ('evolved_from', 'merged_with')),
    created_at INTEGER NOT NULL
);

CREATE INDEX idx_edges_from ON entry_edges(from_id);
CREATE INDEX idx_edges_to   ON entry_edges(to_id);
`,
	},
	{
		Version:     6,
		Description: "entry_vectors: caller-supplied similarity vectors",
		SQL: `
CREATE TABLE entry_vectors (
    entry_id   TEXT PRIMARY KEY,
    embedding  BLOB NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (entry_id) REFERENCES entries(id) ON DELETE CASCADE
);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
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
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
