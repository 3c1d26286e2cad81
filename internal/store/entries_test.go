package store

import (
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testEntry(t *testing.T, db *DB, id string) *Entry {
	t.Helper()
	e := &Entry{ID: id, Content: "test content for " + id, TokenCount: 10}
	if err := db.CreateEntry(e); err != nil {
		t.Fatalf("CreateEntry(%s): %v", id, err)
	}
	return e
}

func TestCreateEntryDefaults(t *testing.T) {
	db := testDB(t)
	testEntry(t, db, "e1")

	e, err := db.GetEntry("e1")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if e == nil {
		t.Fatal("GetEntry returned nil")
	}
	if e.Tier != TierFresh {
		t.Errorf("Tier = %q, want fresh", e.Tier)
	}
	if e.Phase != PhaseEpisodic {
		t.Errorf("Phase = %q, want episodic", e.Phase)
	}
	if e.Strength != 1.0 {
		t.Errorf("Strength = %v, want 1.0", e.Strength)
	}
	if e.Outcome != OutcomeUnknown {
		t.Errorf("Outcome = %q, want unknown", e.Outcome)
	}
	if e.CreatedAt == 0 || e.LastAccessedAt == 0 {
		t.Error("timestamps not set")
	}
}

func TestGetEntryMissing(t *testing.T) {
	db := testDB(t)

	e, err := db.GetEntry("nope")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if e != nil {
		t.Errorf("GetEntry(missing) = %+v, want nil", e)
	}
}

func TestPhaseOrdering(t *testing.T) {
	seq := []Phase{
		PhaseEpisodic, PhaseCompressed1, PhaseCompressed2,
		PhaseSemantic, PhasePattern, PhaseIntuitive, PhaseForgotten,
	}
	for i := 1; i < len(seq); i++ {
		if !seq[i].Later(seq[i-1]) {
			t.Errorf("%s should be later than %s", seq[i], seq[i-1])
		}
		if seq[i-1].Later(seq[i]) {
			t.Errorf("%s should not be later than %s", seq[i-1], seq[i])
		}
	}

	budgets := map[Phase]int{
		PhaseEpisodic:    500,
		PhaseCompressed1: 350,
		PhaseCompressed2: 250,
		PhaseSemantic:    150,
		PhasePattern:     75,
		PhaseIntuitive:   50,
		PhaseForgotten:   0,
	}
	for p, want := range budgets {
		if got := p.TokenBudget(); got != want {
			t.Errorf("%s budget = %d, want %d", p, got, want)
		}
	}
}

func TestRoute(t *testing.T) {
	db := testDB(t)
	testEntry(t, db, "e1")

	d := &Decision{
		EntryID:    "e1",
		Signals:    "{}",
		Composite:  0.65,
		Tier:       TierDurable,
		Confidence: 0.33,
		Reasoning:  "composite above durable threshold",
	}
	if err := db.Route("e1", TierDurable, false, d); err != nil {
		t.Fatalf("Route: %v", err)
	}

	e, _ := db.GetEntry("e1")
	if e.Tier != TierDurable {
		t.Errorf("Tier = %q, want durable", e.Tier)
	}
	if e.RoutingConfidence != 0.33 {
		t.Errorf("RoutingConfidence = %v, want 0.33", e.RoutingConfidence)
	}

	decisions, err := db.ListDecisions("e1")
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(decisions))
	}
	if decisions[0].Tier != TierDurable {
		t.Errorf("decision tier = %q, want durable", decisions[0].Tier)
	}

	// An already-routed entry cannot be routed again.
	if err := db.Route("e1", TierReflex, false, d); err == nil {
		t.Error("second Route succeeded, want error")
	}
}

func TestRouteProtected(t *testing.T) {
	db := testDB(t)
	testEntry(t, db, "e1")

	d := &Decision{EntryID: "e1", Signals: "{}", Tier: TierCritical, Confidence: 1}
	if err := db.Route("e1", TierCritical, true, d); err != nil {
		t.Fatalf("Route: %v", err)
	}

	e, _ := db.GetEntry("e1")
	if !e.Protected {
		t.Error("entry routed to critical is not protected")
	}
}

func TestAdvancePhase(t *testing.T) {
	db := testDB(t)
	testEntry(t, db, "e1")

	if err := db.AdvancePhase("e1", PhaseCompressed1, "reduced", 2); err != nil {
		t.Fatalf("AdvancePhase: %v", err)
	}
	e, _ := db.GetEntry("e1")
	if e.Phase != PhaseCompressed1 {
		t.Errorf("Phase = %q, want compressed1", e.Phase)
	}
	if e.Content != "reduced" || e.TokenCount != 2 {
		t.Errorf("content = %q tokens = %d, want reduced/2", e.Content, e.TokenCount)
	}

	// Never backward.
	if err := db.AdvancePhase("e1", PhaseEpisodic, "x", 1); err == nil {
		t.Error("backward phase move succeeded, want error")
	}
	// Never to the same phase.
	if err := db.AdvancePhase("e1", PhaseCompressed1, "x", 1); err == nil {
		t.Error("same-phase move succeeded, want error")
	}
}

func TestAdvancePhaseForgottenClearsContent(t *testing.T) {
	db := testDB(t)
	testEntry(t, db, "e1")

	if err := db.AdvancePhase("e1", PhaseForgotten, "should be discarded", 5); err != nil {
		t.Fatalf("AdvancePhase: %v", err)
	}
	e, _ := db.GetEntry("e1")
	if e.Content != "" || e.TokenCount != 0 {
		t.Errorf("forgotten entry kept content %q (%d tokens)", e.Content, e.TokenCount)
	}
}

func TestAdvancePhaseProtected(t *testing.T) {
	db := testDB(t)
	testEntry(t, db, "e1")
	d := &Decision{EntryID: "e1", Signals: "{}", Tier: TierCritical}
	if err := db.Route("e1", TierCritical, true, d); err != nil {
		t.Fatalf("Route: %v", err)
	}

	err := db.AdvancePhase("e1", PhaseCompressed1, "x", 1)
	if err == nil {
		t.Fatal("AdvancePhase on protected entry succeeded")
	}

	e, _ := db.GetEntry("e1")
	if e.Phase != PhaseEpisodic {
		t.Errorf("protected entry phase = %q, want episodic", e.Phase)
	}
}

func TestAdvancePhaseClearsStalled(t *testing.T) {
	db := testDB(t)
	testEntry(t, db, "e1")
	if err := db.MarkStalled("e1"); err != nil {
		t.Fatalf("MarkStalled: %v", err)
	}

	if err := db.AdvancePhase("e1", PhaseCompressed1, "reduced", 2); err != nil {
		t.Fatalf("AdvancePhase: %v", err)
	}
	e, _ := db.GetEntry("e1")
	if e.Stalled {
		t.Error("successful advance should clear the stalled flag")
	}
}

func TestMoveTierProtected(t *testing.T) {
	db := testDB(t)
	testEntry(t, db, "e1")
	d := &Decision{EntryID: "e1", Signals: "{}", Tier: TierCritical}
	if err := db.Route("e1", TierCritical, true, d); err != nil {
		t.Fatalf("Route: %v", err)
	}

	move := &Decision{EntryID: "e1", Signals: "{}", Tier: TierDurable}
	if err := db.MoveTier("e1", TierDurable, move); err == nil {
		t.Error("demoting a protected entry succeeded, want error")
	}

	e, _ := db.GetEntry("e1")
	if e.Tier != TierCritical {
		t.Errorf("Tier = %q, want critical", e.Tier)
	}
}

func TestMoveTierPromoteToCriticalProtects(t *testing.T) {
	db := testDB(t)
	testEntry(t, db, "e1")
	d := &Decision{EntryID: "e1", Signals: "{}", Tier: TierDurable}
	if err := db.Route("e1", TierDurable, false, d); err != nil {
		t.Fatalf("Route: %v", err)
	}

	move := &Decision{EntryID: "e1", Signals: "{}", Tier: TierCritical}
	if err := db.MoveTier("e1", TierCritical, move); err != nil {
		t.Fatalf("MoveTier: %v", err)
	}
	e, _ := db.GetEntry("e1")
	if !e.Protected {
		t.Error("entry moved to critical is not protected")
	}
}

func TestArchiveAndGraceDeletion(t *testing.T) {
	db := testDB(t)
	old := &Entry{ID: "old", Content: "weak", CreatedAt: 1000, LastAccessedAt: 1000}
	if err := db.CreateEntry(old); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	testEntry(t, db, "recent")
	if err := db.MarkArchived("old"); err != nil {
		t.Fatalf("MarkArchived: %v", err)
	}
	if err := db.MarkArchived("recent"); err != nil {
		t.Fatalf("MarkArchived: %v", err)
	}

	// Archived entries stay queryable by ID but leave tier listings.
	if e, _ := db.GetEntry("old"); e == nil || !e.Archived {
		t.Fatal("archived entry not queryable by ID")
	}
	fresh, _ := db.ListByTier(TierFresh, 0)
	if len(fresh) != 0 {
		t.Errorf("archived entries still listed: %d", len(fresh))
	}

	ids, err := db.DeleteArchivedBefore(2000)
	if err != nil {
		t.Fatalf("DeleteArchivedBefore: %v", err)
	}
	if len(ids) != 1 || ids[0] != "old" {
		t.Fatalf("deleted ids = %v, want [old]", ids)
	}
	if e, _ := db.GetEntry("old"); e != nil {
		t.Error("entry survived grace deletion")
	}
	if e, _ := db.GetEntry("recent"); e == nil {
		t.Error("entry inside grace window was deleted")
	}
}

func TestTouchEntry(t *testing.T) {
	db := testDB(t)
	testEntry(t, db, "e1")

	now := time.Now().UnixMilli() + 5000
	if err := db.TouchEntry("e1", now); err != nil {
		t.Fatalf("TouchEntry: %v", err)
	}
	e, _ := db.GetEntry("e1")
	if e.AccessCount != 1 {
		t.Errorf("AccessCount = %d, want 1", e.AccessCount)
	}
	if e.LastAccessedAt != now {
		t.Errorf("LastAccessedAt = %d, want %d", e.LastAccessedAt, now)
	}
}

func TestListDecayable(t *testing.T) {
	db := testDB(t)
	mk := func(id string, tier Tier, lastAccessed int64) {
		e := &Entry{ID: id, Content: "c", CreatedAt: 1, LastAccessedAt: lastAccessed, Tier: tier}
		if err := db.CreateEntry(e); err != nil {
			t.Fatalf("CreateEntry(%s): %v", id, err)
		}
	}
	mk("d1", TierDurable, 300)
	mk("d2", TierDurable, 100)
	mk("r1", TierReflex, 200)
	mk("c1", TierCritical, 50)
	mk("f1", TierFresh, 10)

	got, err := db.ListDecayable(10)
	if err != nil {
		t.Fatalf("ListDecayable: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (durable + reflex only)", len(got))
	}
	// Oldest accessed first.
	if got[0].ID != "d2" || got[1].ID != "r1" || got[2].ID != "d1" {
		t.Errorf("order = %s, %s, %s; want d2, r1, d1", got[0].ID, got[1].ID, got[2].ID)
	}

	// Forgotten entries are excluded.
	if err := db.AdvancePhase("d2", PhaseForgotten, "", 0); err != nil {
		t.Fatalf("AdvancePhase: %v", err)
	}
	got, _ = db.ListDecayable(10)
	if len(got) != 2 {
		t.Errorf("len after forget = %d, want 2", len(got))
	}
}

func TestTierCounts(t *testing.T) {
	db := testDB(t)
	for _, id := range []string{"a", "b"} {
		testEntry(t, db, id)
	}
	d := &Decision{EntryID: "b", Signals: "{}", Tier: TierDurable}
	if err := db.Route("b", TierDurable, false, d); err != nil {
		t.Fatalf("Route: %v", err)
	}

	counts, err := db.TierCounts()
	if err != nil {
		t.Fatalf("TierCounts: %v", err)
	}
	if counts[TierFresh] != 1 || counts[TierDurable] != 1 {
		t.Errorf("counts = %v, want fresh:1 durable:1", counts)
	}
}

func TestCountFlaggedDecisions(t *testing.T) {
	db := testDB(t)
	testEntry(t, db, "e1")

	db.AppendDecision(&Decision{EntryID: "e1", Signals: "{}", Tier: TierDurable, Flagged: true})
	db.AppendDecision(&Decision{EntryID: "e1", Signals: "{}", Tier: TierDurable})

	n, err := db.CountFlaggedDecisions()
	if err != nil {
		t.Fatalf("CountFlaggedDecisions: %v", err)
	}
	if n != 1 {
		t.Errorf("flagged = %d, want 1", n)
	}
}
