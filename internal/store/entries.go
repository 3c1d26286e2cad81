package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Tier is one of the five storage destinations for an entry.
type Tier string

const (
	TierFresh    Tier = "fresh"    // intake buffer, not yet routed
	TierFocus    Tier = "focus"    // working set
	TierDurable  Tier = "durable"  // general long-term, subject to decay
	TierReflex   Tier = "reflex"   // procedural / high-repetition
	TierCritical Tier = "critical" // protected, never decays
)

// ValidTier reports whether t names a known tier.
func ValidTier(t Tier) bool {
	switch t {
	case TierFresh, TierFocus, TierDurable, TierReflex, TierCritical:
		return true
	}
	return false
}

// Phase is the compaction stage of an entry. Phases are ordered; an entry
// only ever moves toward later (smaller-budget) phases.
type Phase string

const (
	PhaseEpisodic    Phase = "episodic"
	PhaseCompressed1 Phase = "compressed1"
	PhaseCompressed2 Phase = "compressed2"
	PhaseSemantic    Phase = "semantic"
	PhasePattern     Phase = "pattern"
	PhaseIntuitive   Phase = "intuitive"
	PhaseForgotten   Phase = "forgotten"
)

// phaseOrder maps each phase to its position in the compaction sequence.
var phaseOrder = map[Phase]int{
	PhaseEpisodic:    0,
	PhaseCompressed1: 1,
	PhaseCompressed2: 2,
	PhaseSemantic:    3,
	PhasePattern:     4,
	PhaseIntuitive:   5,
	PhaseForgotten:   6,
}

// phaseBudgets holds the fixed token budget for each phase.
var phaseBudgets = map[Phase]int{
	PhaseEpisodic:    500,
	PhaseCompressed1: 350,
	PhaseCompressed2: 250,
	PhaseSemantic:    150,
	PhasePattern:     75,
	PhaseIntuitive:   50,
	PhaseForgotten:   0,
}

// TokenBudget returns the fixed token budget for a phase.
func (p Phase) TokenBudget() int { return phaseBudgets[p] }

// Order returns the phase's position in the compaction sequence, or -1 if unknown.
func (p Phase) Order() int {
	o, ok := phaseOrder[p]
	if !ok {
		return -1
	}
	return o
}

// ValidPhase reports whether p names a known phase.
func ValidPhase(p Phase) bool {
	_, ok := phaseOrder[p]
	return ok
}

// Later reports whether p comes after other in the compaction sequence.
func (p Phase) Later(other Phase) bool { return p.Order() > other.Order() }

// Outcome is the tri-state result hint supplied with an entry.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeUnknown Outcome = "unknown"
)

// Entry is a single memory record.
type Entry struct {
	ID                 string
	Tier               Tier
	Phase              Phase
	Content            string
	TokenCount         int
	Importance         float64 // 0..1, caller hint
	Outcome            Outcome
	EmotionalIntensity float64 // 0..1
	Urgency            float64 // -1..1, caller hint, scaled by the router
	Strength           float64
	HalfLifeDays       float64
	Protected          bool
	Stalled            bool // compaction stalled after max attempts
	Archived           bool // below promotion threshold, awaiting grace expiry
	RoutingConfidence  float64
	RoutingSignals     string // JSON snapshot of the routing decision
	AccessCount        int
	CreatedAt          int64 // unix millis
	LastAccessedAt     int64 // unix millis
}

const entryColumns = `id, tier, phase, content, token_count,
	importance, outcome, emotional_intensity, urgency,
	strength, half_life_days, protected, stalled, archived,
	routing_confidence, routing_signals,
	access_count, created_at, last_accessed_at`

// CreateEntry inserts a new entry. Defaults: fresh tier, episodic phase,
// strength 1.0. CreatedAt/LastAccessedAt are set if zero.
func (db *DB) CreateEntry(e *Entry) error {
	now := time.Now().UnixMilli()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	if e.LastAccessedAt == 0 {
		e.LastAccessedAt = e.CreatedAt
	}
	if e.Tier == "" {
		e.Tier = TierFresh
	}
	if e.Phase == "" {
		e.Phase = PhaseEpisodic
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeUnknown
	}
	if e.Strength == 0 {
		e.Strength = 1.0
	}

	_, err := db.Exec(`
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Tier, e.Phase, e.Content, e.TokenCount,
		e.Importance, e.Outcome, e.EmotionalIntensity, e.Urgency,
		e.Strength, e.HalfLifeDays, boolInt(e.Protected), boolInt(e.Stalled), boolInt(e.Archived),
		e.RoutingConfidence, e.RoutingSignals,
		e.AccessCount, e.CreatedAt, e.LastAccessedAt)
	if err != nil {
		return fmt.Errorf("create entry: %w", err)
	}
	return nil
}

// GetEntry returns an entry by ID, or nil if not found.
func (db *DB) GetEntry(id string) (*Entry, error) {
	row := db.QueryRow(`SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// ListByTier returns entries in a tier, excluding archived ones,
// ordered by strength descending. limit <= 0 means no limit.
func (db *DB) ListByTier(tier Tier, limit int) ([]Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM entries WHERE tier = ? AND archived = 0 ORDER BY strength DESC, created_at DESC`
	args := []any{tier}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list by tier: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListDecayable returns a batch of entries from the durable and reflex tiers,
// oldest-accessed first. Critical is never decayed; fresh and focus have
// their own lifecycle.
func (db *DB) ListDecayable(limit int) ([]Entry, error) {
	rows, err := db.Query(`
		SELECT `+entryColumns+` FROM entries
		WHERE tier IN ('durable', 'reflex') AND archived = 0 AND phase != 'forgotten'
		ORDER BY last_accessed_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list decayable: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListUnrouted returns fresh entries that have not been routed or archived,
// oldest first.
func (db *DB) ListUnrouted(limit int) ([]Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM entries WHERE tier = 'fresh' AND archived = 0 ORDER BY created_at ASC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list unrouted: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// TouchEntry updates last_accessed_at and increments access_count.
func (db *DB) TouchEntry(id string, now int64) error {
	_, err := db.Exec(`
		UPDATE entries SET last_accessed_at = ?, access_count = access_count + 1
		WHERE id = ?
	`, now, id)
	if err != nil {
		return fmt.Errorf("touch entry: %w", err)
	}
	return nil
}

// UpdateStrength records a freshly computed strength value.
func (db *DB) UpdateStrength(id string, strength float64) error {
	_, err := db.Exec(`UPDATE entries SET strength = ? WHERE id = ?`, strength, id)
	if err != nil {
		return fmt.Errorf("update strength: %w", err)
	}
	return nil
}

// ErrProtected is returned by mutations that would decay, compact, or demote
// a protected entry.
var ErrProtected = fmt.Errorf("entry is protected")

// AdvancePhase moves an entry to a later phase with reduced content.
// It refuses to move protected entries or to move any entry to an earlier
// (larger-budget) phase.
func (db *DB) AdvancePhase(id string, to Phase, content string, tokenCount int) error {
	e, err := db.GetEntry(id)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("advance phase: entry %s not found", id)
	}
	if e.Protected {
		return fmt.Errorf("advance phase %s: %w", id, ErrProtected)
	}
	if !to.Later(e.Phase) {
		return fmt.Errorf("advance phase %s: %s is not later than %s", id, to, e.Phase)
	}
	if to == PhaseForgotten {
		content = "" // content discard is explicit at the terminal phase
		tokenCount = 0
	}

	_, err = db.Exec(`
		UPDATE entries SET phase = ?, content = ?, token_count = ?, stalled = 0
		WHERE id = ?
	`, to, content, tokenCount, id)
	if err != nil {
		return fmt.Errorf("advance phase: %w", err)
	}
	return nil
}

// MarkStalled flags an entry whose compaction exhausted its retry budget.
// The entry stays at its last successful phase.
func (db *DB) MarkStalled(id string) error {
	_, err := db.Exec(`UPDATE entries SET stalled = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark stalled: %w", err)
	}
	return nil
}

// MarkArchived flags a fresh entry that fell below the promotion threshold.
// It stays queryable by ID until the grace window expires.
func (db *DB) MarkArchived(id string) error {
	_, err := db.Exec(`UPDATE entries SET archived = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark archived: %w", err)
	}
	return nil
}

// DeleteArchivedBefore removes archived fresh entries created before the
// cutoff. Returns the IDs removed so the deletion can be logged.
func (db *DB) DeleteArchivedBefore(cutoff int64) ([]string, error) {
	rows, err := db.Query(`
		SELECT id FROM entries WHERE tier = 'fresh' AND archived = 1 AND created_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list archived: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan archived id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := db.Exec(`DELETE FROM entries WHERE id = ?`, id); err != nil {
			return ids, fmt.Errorf("delete archived %s: %w", id, err)
		}
	}
	return ids, nil
}

// DeleteEntry removes an entry outright. Used only by the explicit override API.
func (db *DB) DeleteEntry(id string) error {
	_, err := db.Exec(`DELETE FROM entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// Route atomically moves a fresh entry into its destination tier and appends
// the routing decision. Either all of it succeeds or the entry stays in the
// intake buffer unchanged.
func (db *DB) Route(id string, dest Tier, protected bool, d *Decision) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("route begin: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE entries SET tier = ?, protected = CASE WHEN protected = 1 THEN 1 ELSE ? END,
			routing_confidence = ?, routing_signals = ?
		WHERE id = ? AND tier = 'fresh'
	`, dest, boolInt(protected), d.Confidence, d.Signals, id)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("route update: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		tx.Rollback()
		return fmt.Errorf("route %s: not in intake buffer", id)
	}

	if err := appendDecisionTx(tx, d); err != nil {
		tx.Rollback()
		return fmt.Errorf("route decision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("route commit: %w", err)
	}
	return nil
}

// MoveTier moves an already-routed entry between tiers (override path).
// Demoting a protected entry out of critical is refused.
func (db *DB) MoveTier(id string, dest Tier, d *Decision) error {
	e, err := db.GetEntry(id)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("move tier: entry %s not found", id)
	}
	if e.Protected && dest != TierCritical {
		return fmt.Errorf("move tier %s: %w", id, ErrProtected)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("move tier begin: %w", err)
	}
	protected := e.Protected || dest == TierCritical
	if _, err := tx.Exec(`UPDATE entries SET tier = ?, protected = ? WHERE id = ?`,
		dest, boolInt(protected), id); err != nil {
		tx.Rollback()
		return fmt.Errorf("move tier update: %w", err)
	}
	if err := appendDecisionTx(tx, d); err != nil {
		tx.Rollback()
		return fmt.Errorf("move tier decision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("move tier commit: %w", err)
	}
	return nil
}

// TierStat holds observability counts for one tier.
type TierStat struct {
	Count    int `json:"count"`
	Capacity int `json:"capacity"` // 0 = unbounded
}

// TierCounts returns the entry count per tier, excluding archived entries.
func (db *DB) TierCounts() (map[Tier]int, error) {
	rows, err := db.Query(`SELECT tier, COUNT(*) FROM entries WHERE archived = 0 GROUP BY tier`)
	if err != nil {
		return nil, fmt.Errorf("tier counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[Tier]int)
	for rows.Next() {
		var t Tier
		var c int
		if err := rows.Scan(&t, &c); err != nil {
			return nil, fmt.Errorf("scan tier count: %w", err)
		}
		counts[t] = c
	}
	return counts, rows.Err()
}

// SignalsJSON marshals a signal map for the routing snapshot column.
func SignalsJSON(signals map[string]float64) string {
	b, _ := json.Marshal(signals)
	return string(b)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var content, signals sql.NullString
	var confidence sql.NullFloat64
	var protected, stalled, archived int
	err := row.Scan(&e.ID, &e.Tier, &e.Phase, &content, &e.TokenCount,
		&e.Importance, &e.Outcome, &e.EmotionalIntensity, &e.Urgency,
		&e.Strength, &e.HalfLifeDays, &protected, &stalled, &archived,
		&confidence, &signals,
		&e.AccessCount, &e.CreatedAt, &e.LastAccessedAt)
	if err != nil {
		return nil, err
	}
	e.Content = content.String
	e.RoutingSignals = signals.String
	e.RoutingConfidence = confidence.Float64
	e.Protected = protected != 0
	e.Stalled = stalled != 0
	e.Archived = archived != 0
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}
