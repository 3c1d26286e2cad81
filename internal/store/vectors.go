package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// VectorRecord holds a caller-supplied similarity vector for an entry.
// The core never computes embeddings; vectors arrive with submit().
type VectorRecord struct {
	EntryID    string
	Embedding  []float64
	Dimensions int
	CreatedAt  int64
}

// encodeEmbedding converts a []float64 to a binary BLOB (8 bytes per float64).
func encodeEmbedding(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float64.
func decodeEmbedding(buf []byte) []float64 {
	n := len(buf) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

// SaveVector stores or replaces the vector for an entry.
func (db *DB) SaveVector(entryID string, embedding []float64) error {
	now := time.Now().UnixMilli()
	blob := encodeEmbedding(embedding)

	_, err := db.Exec(`
		INSERT INTO entry_vectors (entry_id, embedding, dimensions, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET embedding = ?, dimensions = ?, created_at = ?
	`, entryID, blob, len(embedding), now,
		blob, len(embedding), now)
	if err != nil {
		return fmt.Errorf("save vector: %w", err)
	}
	return nil
}

// GetVector returns the vector for an entry, or nil if none was supplied.
func (db *DB) GetVector(entryID string) (*VectorRecord, error) {
	var v VectorRecord
	var blob []byte

	err := db.QueryRow(`
		SELECT entry_id, embedding, dimensions, created_at
		FROM entry_vectors WHERE entry_id = ?
	`, entryID).Scan(&v.EntryID, &blob, &v.Dimensions, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vector: %w", err)
	}
	v.Embedding = decodeEmbedding(blob)
	return &v, nil
}

// AllVectors returns every stored vector record, used to rebuild the
// similarity index on startup.
func (db *DB) AllVectors() ([]VectorRecord, error) {
	rows, err := db.Query(`
		SELECT entry_id, embedding, dimensions, created_at
		FROM entry_vectors
	`)
	if err != nil {
		return nil, fmt.Errorf("all vectors: %w", err)
	}
	defer rows.Close()

	var records []VectorRecord
	for rows.Next() {
		var v VectorRecord
		var blob []byte
		if err := rows.Scan(&v.EntryID, &blob, &v.Dimensions, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		v.Embedding = decodeEmbedding(blob)
		records = append(records, v)
	}
	return records, rows.Err()
}

// DeleteVector removes the vector for an entry.
func (db *DB) DeleteVector(entryID string) error {
	_, err := db.Exec("DELETE FROM entry_vectors WHERE entry_id = ?", entryID)
	if err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}
