package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/stratadb/strata/internal/compact"
	"github.com/stratadb/strata/internal/index"
	"github.com/stratadb/strata/internal/store"
)

// Domain errors. No error here ever results in silent data loss: the only
// sanctioned deletions are grace-window expiry and forgotten-phase content
// discard, both logged.
var (
	ErrNotFound           = errors.New("entry not found")
	ErrProtectedViolation = errors.New("protected entry cannot be decayed, compacted, or demoted")
	ErrCompactionFailed   = errors.New("compaction failed")
)

// DefaultGraceWindow is how long a sub-threshold entry is retained before
// its logged deletion.
const DefaultGraceWindow = 24 * time.Hour

// admission floor: durable-bound entries at or above this composite are
// also admitted to the working set.
const focusAdmitComposite = 0.75

// Options configures an Engine.
type Options struct {
	WorkingSetCapacity int
	IntakeTTL          time.Duration
	GraceWindow        time.Duration
	Now                func() time.Time // injected clock, defaults to time.Now
	Logger             *slog.Logger
}

// Engine is the memory core service. All collaborators are injected;
// there is no global state.
type Engine struct {
	db        *store.DB
	intake    *Intake
	ws        *WorkingSet
	router    *Router
	idx       index.Index
	compactor compact.Compactor
	log       *slog.Logger
	nowFn     func() time.Time
	grace     time.Duration
}

// New creates an Engine with its intake buffer, working set, and router.
func New(db *store.DB, idx index.Index, compactor compact.Compactor, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = DefaultGraceWindow
	}
	if compactor == nil {
		compactor = compact.Truncate{}
	}

	eng := &Engine{
		db:        db,
		router:    NewRouter(),
		idx:       idx,
		compactor: compactor,
		log:       opts.Logger,
		nowFn:     opts.Now,
		grace:     opts.GraceWindow,
	}
	eng.ws = NewWorkingSet(opts.WorkingSetCapacity, opts.Now)
	eng.intake = NewIntake(db, idx, opts.IntakeTTL, eng.onIntakeExpire)
	return eng
}

// Intake exposes the intake buffer (nearest-neighbor lookup, rehydrate).
func (eng *Engine) Intake() *Intake { return eng.intake }

// WorkingSet exposes the working set keeper (admit, touch, status).
func (eng *Engine) WorkingSet() *WorkingSet { return eng.ws }

// Metadata carries the caller-supplied hints for a new entry.
type Metadata struct {
	Importance         float64   `json:"importance"`
	Outcome            string    `json:"outcome"`
	EmotionalIntensity float64   `json:"emotional_intensity"`
	Urgency            float64   `json:"urgency"`
	HalfLifeDays       float64   `json:"half_life_days"`
	Vector             []float64 `json:"vector"`
}

// Submit writes a new entry to the intake buffer and routes it synchronously.
// Returns the entry ID.
func (eng *Engine) Submit(ctx context.Context, content string, meta Metadata) (string, error) {
	now := eng.nowFn()

	outcome := store.Outcome(meta.Outcome)
	if outcome == "" {
		outcome = store.OutcomeUnknown
	}
	halfLife := meta.HalfLifeDays
	if halfLife <= 0 {
		halfLife = DefaultHalfLifeDays
	}

	e := &store.Entry{
		ID:                 uuid.NewString(),
		Tier:               store.TierFresh,
		Phase:              store.PhaseEpisodic,
		Content:            content,
		TokenCount:         compact.EstimateTokens(content),
		Importance:         meta.Importance,
		Outcome:            outcome,
		EmotionalIntensity: meta.EmotionalIntensity,
		Urgency:            meta.Urgency,
		Strength:           1.0,
		HalfLifeDays:       halfLife,
		CreatedAt:          now.UnixMilli(),
		LastAccessedAt:     now.UnixMilli(),
	}

	if err := eng.intake.Add(ctx, e, meta.Vector); err != nil {
		return "", fmt.Errorf("intake add: %w", err)
	}

	if err := eng.routeEntry(ctx, e, meta.Vector); err != nil {
		// The entry stays safely in the intake buffer; the next cycle
		// retries the routing.
		eng.log.Warn("routing deferred", "entry", e.ID, "error", err)
	}
	return e.ID, nil
}

// routeEntry classifies an entry and applies the decision atomically.
func (eng *Engine) routeEntry(ctx context.Context, e *store.Entry, vec []float64) error {
	novelty := eng.noveltyFor(ctx, e.ID, vec)
	d := eng.router.Classify(e, novelty)
	return eng.applyDecision(e, d)
}

// noveltyFor derives the novelty signal as the inverse of the best
// similarity among existing entries. Without a vector the signal is neutral.
func (eng *Engine) noveltyFor(ctx context.Context, selfID string, vec []float64) float64 {
	if len(vec) == 0 || eng.idx == nil {
		return 0.5
	}
	neighbors, err := eng.intake.Nearest(ctx, vec, 2)
	if err != nil {
		eng.log.Warn("nearest lookup failed", "error", err)
		return 0.5
	}
	best := 0.0
	for _, n := range neighbors {
		if n.EntryID == selfID {
			continue
		}
		if n.Similarity > best {
			best = n.Similarity
		}
	}
	return clamp(1-best, 0, 1)
}

func (eng *Engine) applyDecision(e *store.Entry, d Decision) error {
	row := &store.Decision{
		EntryID:    e.ID,
		Signals:    d.SignalsJSON(),
		Composite:  d.Composite,
		Tier:       d.Tier,
		Confidence: d.Confidence,
		Reasoning:  d.Reasoning,
		Flagged:    d.Flagged,
		CreatedAt:  eng.nowFn().UnixMilli(),
	}

	switch {
	case d.Pending:
		// Stays in the intake buffer; the decision row records why.
		row.Tier = store.TierFresh
		return eng.db.AppendDecision(row)

	case d.Discard:
		row.Tier = store.TierFresh
		if err := eng.db.MarkArchived(e.ID); err != nil {
			return err
		}
		eng.intake.Remove(e.ID)
		return eng.db.AppendDecision(row)

	default:
		if err := eng.db.Route(e.ID, d.Tier, d.Protected, row); err != nil {
			return err
		}
		eng.intake.Remove(e.ID)
		eng.log.Info("routed", "entry", e.ID, "tier", d.Tier, "composite", d.Composite, "confidence", d.Confidence)

		// High-composite durable entries also enter the working set.
		if d.Tier == store.TierDurable && d.Composite >= focusAdmitComposite {
			eng.admitToFocus(e.ID)
		}
		return nil
	}
}

// admitToFocus moves an entry into the working set (focus tier). An evicted
// item is always re-homed in the intake buffer, never dropped.
func (eng *Engine) admitToFocus(id string) {
	e, err := eng.db.GetEntry(id)
	if err != nil || e == nil {
		return
	}

	d := &store.Decision{
		EntryID:    id,
		Signals:    e.RoutingSignals,
		Composite:  0,
		Tier:       store.TierFocus,
		Confidence: e.RoutingConfidence,
		Reasoning:  "admitted to working set",
		CreatedAt:  eng.nowFn().UnixMilli(),
	}
	if err := eng.db.MoveTier(id, store.TierFocus, d); err != nil {
		eng.log.Warn("focus admit failed", "entry", id, "error", err)
		return
	}
	e.Tier = store.TierFocus

	if evicted := eng.ws.Admit(*e); evicted != nil {
		eng.rehomeEvicted(evicted)
	}
}

func (eng *Engine) rehomeEvicted(e *store.Entry) {
	d := &store.Decision{
		EntryID:    e.ID,
		Signals:    e.RoutingSignals,
		Tier:       store.TierFresh,
		Confidence: e.RoutingConfidence,
		Reasoning:  "evicted from working set, re-homed to intake",
		CreatedAt:  eng.nowFn().UnixMilli(),
	}
	if err := eng.db.MoveTier(e.ID, store.TierFresh, d); err != nil {
		eng.log.Error("re-home failed", "entry", e.ID, "error", err)
		return
	}
	e.Tier = store.TierFresh
	eng.intake.Readmit(*e)
}

// Touch boosts a working-set item and records the access on the entry.
func (eng *Engine) Touch(id string) error {
	if !eng.ws.Touch(id) {
		return fmt.Errorf("touch %s: %w", id, ErrNotFound)
	}
	return eng.db.TouchEntry(id, eng.nowFn().UnixMilli())
}

// onIntakeExpire is the cache-expiry hook: an unrouted entry that crossed
// its TTL is force-routed rather than dropped.
func (eng *Engine) onIntakeExpire(id string) {
	e, err := eng.db.GetEntry(id)
	if err != nil || e == nil {
		return
	}
	if e.Tier != store.TierFresh || e.Archived {
		return // already routed or archived; eviction was deliberate
	}
	vec := eng.loadVector(id)
	if err := eng.routeEntry(context.Background(), e, vec); err != nil {
		eng.log.Warn("force-route on expiry failed", "entry", id, "error", err)
	}
}

func (eng *Engine) loadVector(id string) []float64 {
	v, err := eng.db.GetVector(id)
	if err != nil || v == nil {
		return nil
	}
	return v.Embedding
}

// QueryOpts controls Query behavior.
type QueryOpts struct {
	Vector []float64
	Tiers  []store.Tier
	Limit  int
}

// QueryResult is one query hit.
type QueryResult struct {
	Entry      store.Entry `json:"entry"`
	Score      float64     `json:"score"`
	Similarity float64     `json:"similarity"`
}

func (o QueryOpts) limit() int {
	if o.Limit <= 0 {
		return 10
	}
	return o.Limit
}

// Query is the read-only interface for downstream consumers. It never
// mutates routing or decay state. With a vector, results are scored
// similarity * strength; without one, entries are returned by strength.
func (eng *Engine) Query(ctx context.Context, opts QueryOpts) ([]QueryResult, error) {
	tiers := opts.Tiers
	if len(tiers) == 0 {
		tiers = []store.Tier{store.TierFocus, store.TierDurable, store.TierReflex, store.TierCritical}
	}

	wanted := make(map[store.Tier]bool, len(tiers))
	var entries []store.Entry
	for _, t := range tiers {
		if !store.ValidTier(t) {
			return nil, fmt.Errorf("query: unknown tier %q", t)
		}
		wanted[t] = true
		batch, err := eng.db.ListByTier(t, 0)
		if err != nil {
			return nil, err
		}
		entries = append(entries, batch...)
	}

	var results []QueryResult
	if len(opts.Vector) > 0 && eng.idx != nil {
		neighbors, err := eng.intake.Nearest(ctx, opts.Vector, len(entries)+opts.limit())
		if err != nil {
			return nil, fmt.Errorf("query nearest: %w", err)
		}
		byID := make(map[string]store.Entry, len(entries))
		for _, e := range entries {
			byID[e.ID] = e
		}
		for _, n := range neighbors {
			e, ok := byID[n.EntryID]
			if !ok || !wanted[e.Tier] {
				continue
			}
			results = append(results, QueryResult{
				Entry:      e,
				Similarity: n.Similarity,
				Score:      n.Similarity * e.Strength,
			})
		}
	} else {
		for _, e := range entries {
			results = append(results, QueryResult{Entry: e, Score: e.Strength})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > opts.limit() {
		results = results[:opts.limit()]
	}
	return results, nil
}

// ForceMove is the explicit manual override: move an entry to a target tier
// or advance it to a target phase. Logged like any routing decision.
// Demoting or compacting a protected entry is rejected and logged as an
// anomaly.
func (eng *Engine) ForceMove(ctx context.Context, id string, targetTier *store.Tier, targetPhase *store.Phase) error {
	e, err := eng.db.GetEntry(id)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("force move %s: %w", id, ErrNotFound)
	}

	if targetTier != nil {
		if !store.ValidTier(*targetTier) {
			return fmt.Errorf("force move: unknown tier %q", *targetTier)
		}
		if e.Protected && *targetTier != store.TierCritical {
			eng.log.Error("protected violation", "entry", id, "op", "force move tier", "target", *targetTier)
			return fmt.Errorf("force move %s to %s: %w", id, *targetTier, ErrProtectedViolation)
		}
		d := &store.Decision{
			EntryID:    id,
			Signals:    e.RoutingSignals,
			Tier:       *targetTier,
			Confidence: 1.0,
			Reasoning:  fmt.Sprintf("manual override: %s -> %s", e.Tier, *targetTier),
			CreatedAt:  eng.nowFn().UnixMilli(),
		}
		if err := eng.db.MoveTier(id, *targetTier, d); err != nil {
			return err
		}
		if *targetTier == store.TierFocus {
			if moved, err := eng.db.GetEntry(id); err == nil && moved != nil {
				if evicted := eng.ws.Admit(*moved); evicted != nil {
					eng.rehomeEvicted(evicted)
				}
			}
		} else {
			eng.ws.Remove(id)
		}
	}

	if targetPhase != nil {
		if !store.ValidPhase(*targetPhase) {
			return fmt.Errorf("force move: unknown phase %q", *targetPhase)
		}
		if e.Protected {
			eng.log.Error("protected violation", "entry", id, "op", "force move phase", "target", *targetPhase)
			return fmt.Errorf("force move %s to phase %s: %w", id, *targetPhase, ErrProtectedViolation)
		}
		if !targetPhase.Later(e.Phase) {
			return fmt.Errorf("force move %s: phase %s is not later than %s", id, *targetPhase, e.Phase)
		}

		reduced, err := eng.compactor.Compact(ctx, e.Content, targetPhase.TokenBudget())
		if err != nil {
			return fmt.Errorf("force move %s: %w: %v", id, ErrCompactionFailed, err)
		}
		if err := eng.db.AdvancePhase(id, *targetPhase, reduced, compact.EstimateTokens(reduced)); err != nil {
			return err
		}
		d := &store.Decision{
			EntryID:    id,
			Signals:    e.RoutingSignals,
			Tier:       e.Tier,
			Confidence: 1.0,
			Reasoning:  fmt.Sprintf("manual override: phase %s -> %s", e.Phase, *targetPhase),
			CreatedAt:  eng.nowFn().UnixMilli(),
		}
		if err := eng.db.AppendDecision(d); err != nil {
			return err
		}
	}

	return nil
}

// Delete removes an entry through the override API, logging the deletion.
func (eng *Engine) Delete(ctx context.Context, id string) error {
	e, err := eng.db.GetEntry(id)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}

	d := &store.Decision{
		EntryID:   id,
		Signals:   e.RoutingSignals,
		Tier:      e.Tier,
		Reasoning: "explicit deletion via override API",
		CreatedAt: eng.nowFn().UnixMilli(),
	}
	if err := eng.db.AppendDecision(d); err != nil {
		return err
	}

	eng.ws.Remove(id)
	eng.intake.Remove(id)
	if eng.idx != nil {
		eng.idx.Remove(ctx, id)
	}
	return eng.db.DeleteEntry(id)
}

// TierStatus reports per-tier counts and capacities.
func (eng *Engine) TierStatus(_ context.Context) (map[store.Tier]store.TierStat, error) {
	counts, err := eng.db.TierCounts()
	if err != nil {
		return nil, err
	}
	_, capacity := eng.ws.Status()

	status := make(map[store.Tier]store.TierStat, 5)
	for _, t := range []store.Tier{store.TierFresh, store.TierFocus, store.TierDurable, store.TierReflex, store.TierCritical} {
		stat := store.TierStat{Count: counts[t]}
		if t == store.TierFocus {
			stat.Capacity = capacity
		}
		status[t] = stat
	}
	return status, nil
}

// TokenEconomics returns the token ledger for a day (YYYY-MM-DD).
func (eng *Engine) TokenEconomics(_ context.Context, day string) (*store.LedgerDay, error) {
	if day == "" {
		day = eng.nowFn().UTC().Format("2006-01-02")
	}
	return eng.db.GetLedger(day)
}

// LinkEntries appends a lineage edge between two entries.
func (eng *Engine) LinkEntries(_ context.Context, fromID, toID, relation string) (*store.Edge, error) {
	for _, id := range []string{fromID, toID} {
		e, err := eng.db.GetEntry(id)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, fmt.Errorf("link %s: %w", id, ErrNotFound)
		}
	}
	return eng.db.AddEdge(fromID, toID, relation)
}

// Lineage walks an entry's lineage edges up to maxDepth hops.
func (eng *Engine) Lineage(_ context.Context, id string, maxDepth int) ([]store.Edge, error) {
	return eng.db.Lineage(id, maxDepth)
}

// CycleStatus summarizes one scheduler cycle for the lifecycle calls.
type CycleStatus struct {
	StartedAt      time.Time `json:"started_at"`
	StaleReclaimed int       `json:"stale_reclaimed"`
	ForceRouted    int       `json:"force_routed"`
	GracePurged    int       `json:"grace_purged"`
	Scanned        int       `json:"scanned"`
	Advanced       int       `json:"advanced"`
	Compacted      int       `json:"compacted"`
	Stalled        int       `json:"stalled"`
	TokensIn       int       `json:"tokens_in"`
	TokensOut      int       `json:"tokens_out"`
	Duration       string    `json:"duration"`
}

// OnCycleStart performs the pre-cycle housekeeping: reclaim stale claims,
// force-route TTL-expired intake entries, purge archived entries past the
// grace window. Idempotent: a second call with no elapsed time finds
// nothing to do.
func (eng *Engine) OnCycleStart(ctx context.Context, staleAfter time.Duration) (CycleStatus, error) {
	now := eng.nowFn()
	status := CycleStatus{StartedAt: now}

	reclaimed, err := eng.db.ReleaseStaleClaims(now.UnixMilli(), staleAfter)
	if err != nil {
		return status, err
	}
	status.StaleReclaimed = reclaimed
	if reclaimed > 0 {
		eng.log.Info("reclaimed stale claims", "count", reclaimed)
	}

	expired, err := eng.intake.ExpireOlderThan(now, eng.intake.TTL())
	if err != nil {
		return status, err
	}
	for i := range expired {
		e := expired[i]
		vec := eng.loadVector(e.ID)
		if err := eng.routeEntry(ctx, &e, vec); err != nil {
			eng.log.Warn("force-route failed", "entry", e.ID, "error", err)
			continue
		}
		status.ForceRouted++
	}

	purged, err := eng.db.DeleteArchivedBefore(now.Add(-eng.grace).UnixMilli())
	if err != nil {
		return status, err
	}
	for _, id := range purged {
		eng.db.AppendDecision(&store.Decision{
			EntryID:   id,
			Signals:   "{}",
			Tier:      store.TierFresh,
			Reasoning: "grace window expired; archived entry deleted",
			CreatedAt: now.UnixMilli(),
		})
		if eng.idx != nil {
			eng.idx.Remove(ctx, id)
		}
	}
	status.GracePurged = len(purged)

	return status, nil
}

// OnCycleEnd finalizes a cycle: records duration and logs the summary.
// Idempotent; it only reads and reports.
func (eng *Engine) OnCycleEnd(_ context.Context, status CycleStatus) CycleStatus {
	status.Duration = eng.nowFn().Sub(status.StartedAt).String()
	eng.log.Info("cycle complete",
		"scanned", status.Scanned,
		"advanced", status.Advanced,
		"compacted", status.Compacted,
		"stalled", status.Stalled,
		"force_routed", status.ForceRouted,
		"grace_purged", status.GracePurged,
		"tokens_in", status.TokensIn,
		"tokens_out", status.TokensOut,
		"duration", status.Duration,
	)
	return status
}

// DB exposes the underlying store for the scheduler and server.
func (eng *Engine) DB() *store.DB { return eng.db }

// Now returns the engine's clock reading.
func (eng *Engine) Now() time.Time { return eng.nowFn() }

// Compactor returns the configured compaction function.
func (eng *Engine) Compactor() compact.Compactor { return eng.compactor }
