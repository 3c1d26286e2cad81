package store

import (
	"testing"
)

func TestOpenMemory(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	if db.Path != ":memory:" {
		t.Errorf("Path = %q, want :memory:", db.Path)
	}
}

func TestSchemaVersion(t *testing.T) {
	db := testDB(t)

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 6 {
		t.Errorf("SchemaVersion = %d, want 6", v)
	}
}

func TestTablesExist(t *testing.T) {
	db := testDB(t)

	tables := []string{
		"schema_versions", "entries", "decisions",
		"compaction_queue", "token_ledger", "entry_edges", "entry_vectors",
	}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestEntryTierConstraint(t *testing.T) {
	db := testDB(t)

	_, err := db.Exec(`
		INSERT INTO entries (id, tier, phase, created_at, last_accessed_at)
		VALUES ('x', 'bogus', 'episodic', 1, 1)
	`)
	if err == nil {
		t.Error("insert with unknown tier succeeded, want CHECK violation")
	}
}

func TestEntryPhaseConstraint(t *testing.T) {
	db := testDB(t)

	_, err := db.Exec(`
		INSERT INTO entries (id, tier, phase, created_at, last_accessed_at)
		VALUES ('x', 'fresh', 'bogus', 1, 1)
	`)
	if err == nil {
		t.Error("insert with unknown phase succeeded, want CHECK violation")
	}
}
