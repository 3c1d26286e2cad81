package store

import (
	"fmt"
	"time"
)

// Edge relations. The edge list is append-only: lineage is recorded over
// opaque IDs, never as live object references.
const (
	RelationEvolvedFrom = "evolved_from"
	RelationMergedWith  = "merged_with"
)

// Edge is one lineage relationship between two entries.
type Edge struct {
	ID        int64  `json:"id"`
	FromID    string `json:"from_id"`
	ToID      string `json:"to_id"`
	Relation  string `json:"relation"`
	CreatedAt int64  `json:"created_at"`
}

// AddEdge appends a lineage edge.
func (db *DB) AddEdge(fromID, toID, relation string) (*Edge, error) {
	if relation != RelationEvolvedFrom && relation != RelationMergedWith {
		return nil, fmt.Errorf("add edge: unknown relation %q", relation)
	}
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO entry_edges (from_id, to_id, relation, created_at)
		VALUES (?, ?, ?, ?)
	`, fromID, toID, relation, now)
	if err != nil {
		return nil, fmt.Errorf("add edge: %w", err)
	}
	id, _ := res.LastInsertId()
	return &Edge{ID: id, FromID: fromID, ToID: toID, Relation: relation, CreatedAt: now}, nil
}

// EdgesFrom returns the outgoing edges of an entry.
func (db *DB) EdgesFrom(entryID string) ([]Edge, error) {
	rows, err := db.Query(`
		SELECT id, from_id, to_id, relation, created_at
		FROM entry_edges WHERE from_id = ?
		ORDER BY created_at ASC, id ASC
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("edges from: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.ID, &e.FromID, &e.ToID, &e.Relation, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// Lineage walks outgoing edges breadth-first up to maxDepth hops.
// Cycles in the edge list terminate through the visited set.
func (db *DB) Lineage(entryID string, maxDepth int) ([]Edge, error) {
	if maxDepth <= 0 {
		return nil, nil
	}

	visited := map[string]bool{entryID: true}
	frontier := []string{entryID}
	var lineage []Edge

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			edges, err := db.EdgesFrom(id)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				lineage = append(lineage, e)
				if !visited[e.ToID] {
					visited[e.ToID] = true
					next = append(next, e.ToID)
				}
			}
		}
		frontier = next
	}
	return lineage, nil
}
