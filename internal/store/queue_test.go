package store

import (
	"testing"
	"time"
)

func TestEnqueueCompactionDedup(t *testing.T) {
	db := testDB(t)
	testEntry(t, db, "e1")

	j1, err := db.EnqueueCompaction("e1", PhaseEpisodic, PhaseCompressed1)
	if err != nil {
		t.Fatalf("EnqueueCompaction: %v", err)
	}
	if j1.TokenBudget != PhaseCompressed1.TokenBudget() {
		t.Errorf("budget = %d, want %d", j1.TokenBudget, PhaseCompressed1.TokenBudget())
	}

	// Re-enqueue with a further target widens the existing job instead of
	// creating a second one.
	j2, err := db.EnqueueCompaction("e1", PhaseEpisodic, PhaseSemantic)
	if err != nil {
		t.Fatalf("EnqueueCompaction: %v", err)
	}
	if j2.ID != j1.ID {
		t.Errorf("second enqueue created job %d, want %d reused", j2.ID, j1.ID)
	}
	if j2.ToPhase != PhaseSemantic {
		t.Errorf("ToPhase = %q, want semantic", j2.ToPhase)
	}

	// A nearer target leaves the job alone.
	j3, _ := db.EnqueueCompaction("e1", PhaseEpisodic, PhaseCompressed1)
	if j3.ToPhase != PhaseSemantic {
		t.Errorf("ToPhase narrowed to %q", j3.ToPhase)
	}

	pending, _, err := db.QueueDepth()
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if pending != 1 {
		t.Errorf("pending = %d, want 1", pending)
	}
}

func TestClaimNext(t *testing.T) {
	db := testDB(t)
	testEntry(t, db, "e1")
	if _, err := db.EnqueueCompaction("e1", PhaseEpisodic, PhaseCompressed1); err != nil {
		t.Fatalf("EnqueueCompaction: %v", err)
	}

	now := time.Now().UnixMilli()
	job, err := db.ClaimNext("w1", now)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if job == nil {
		t.Fatal("ClaimNext returned nil with a pending job")
	}
	if job.Status != JobProcessing || job.ClaimedBy != "w1" {
		t.Errorf("status = %q claimed_by = %q", job.Status, job.ClaimedBy)
	}

	// The claimed job is invisible to other workers.
	other, err := db.ClaimNext("w2", now)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if other != nil {
		t.Errorf("second claim got job %d, want nil", other.ID)
	}
}

func TestClaimNextRespectsBackoff(t *testing.T) {
	db := testDB(t)
	testEntry(t, db, "e1")
	job, err := db.EnqueueCompaction("e1", PhaseEpisodic, PhaseCompressed1)
	if err != nil {
		t.Fatalf("EnqueueCompaction: %v", err)
	}

	stalled, err := db.FailCompaction(job.ID, 3, time.Hour)
	if err != nil {
		t.Fatalf("FailCompaction: %v", err)
	}
	if stalled {
		t.Fatal("first failure stalled the job")
	}

	// Inside the backoff window nothing is claimable.
	if j, _ := db.ClaimNext("w1", time.Now().UnixMilli()); j != nil {
		t.Errorf("claimed job %d inside backoff window", j.ID)
	}

	// Past the window the job returns.
	future := time.Now().Add(2 * time.Hour).UnixMilli()
	j, err := db.ClaimNext("w1", future)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if j == nil {
		t.Fatal("job not claimable after backoff window")
	}
	if j.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", j.Attempts)
	}
}

func TestFailCompactionStalls(t *testing.T) {
	db := testDB(t)
	testEntry(t, db, "e1")
	job, err := db.EnqueueCompaction("e1", PhaseEpisodic, PhaseCompressed1)
	if err != nil {
		t.Fatalf("EnqueueCompaction: %v", err)
	}

	maxAttempts := 3
	for i := 1; i < maxAttempts; i++ {
		stalled, err := db.FailCompaction(job.ID, maxAttempts, time.Millisecond)
		if err != nil {
			t.Fatalf("FailCompaction %d: %v", i, err)
		}
		if stalled {
			t.Fatalf("stalled at attempt %d of %d", i, maxAttempts)
		}
	}
	stalled, err := db.FailCompaction(job.ID, maxAttempts, time.Millisecond)
	if err != nil {
		t.Fatalf("FailCompaction: %v", err)
	}
	if !stalled {
		t.Fatal("job did not stall at max attempts")
	}

	got, _ := db.GetJob(job.ID)
	if got.Status != JobStalled {
		t.Errorf("status = %q, want stalled", got.Status)
	}
	if j, _ := db.ClaimNext("w1", time.Now().Add(time.Hour).UnixMilli()); j != nil {
		t.Error("stalled job was claimed")
	}
}

func TestReleaseStaleClaims(t *testing.T) {
	db := testDB(t)
	testEntry(t, db, "e1")
	if _, err := db.EnqueueCompaction("e1", PhaseEpisodic, PhaseCompressed1); err != nil {
		t.Fatalf("EnqueueCompaction: %v", err)
	}

	claimedAt := time.Now().Add(-time.Hour).UnixMilli()
	job, err := db.ClaimNext("crashed-worker", claimedAt)
	if err != nil || job == nil {
		t.Fatalf("ClaimNext: %v, job %v", err, job)
	}

	now := time.Now().UnixMilli()

	// A fresh claim is left alone.
	n, err := db.ReleaseStaleClaims(now, 2*time.Hour)
	if err != nil {
		t.Fatalf("ReleaseStaleClaims: %v", err)
	}
	if n != 0 {
		t.Errorf("released %d fresh claims", n)
	}

	n, err = db.ReleaseStaleClaims(now, 30*time.Minute)
	if err != nil {
		t.Fatalf("ReleaseStaleClaims: %v", err)
	}
	if n != 1 {
		t.Fatalf("released = %d, want 1", n)
	}

	// Released job is claimable by a live worker, exactly once.
	j, err := db.ClaimNext("w2", now)
	if err != nil || j == nil {
		t.Fatalf("reclaim failed: %v, job %v", err, j)
	}
	if j.ID != job.ID {
		t.Errorf("reclaimed job %d, want %d", j.ID, job.ID)
	}
	if again, _ := db.ClaimNext("w3", now); again != nil {
		t.Error("job claimed twice")
	}
}

func TestCompleteCompaction(t *testing.T) {
	db := testDB(t)
	testEntry(t, db, "e1")
	job, _ := db.EnqueueCompaction("e1", PhaseEpisodic, PhaseCompressed1)
	claimed, _ := db.ClaimNext("w1", time.Now().UnixMilli())
	if claimed == nil {
		t.Fatal("claim failed")
	}

	if err := db.CompleteCompaction(job.ID); err != nil {
		t.Fatalf("CompleteCompaction: %v", err)
	}
	got, _ := db.GetJob(job.ID)
	if got.Status != JobDone {
		t.Errorf("status = %q, want done", got.Status)
	}

	// A done job no longer blocks re-enqueueing.
	j2, err := db.EnqueueCompaction("e1", PhaseCompressed1, PhaseCompressed2)
	if err != nil {
		t.Fatalf("EnqueueCompaction: %v", err)
	}
	if j2.ID == job.ID {
		t.Error("done job was reused as the live job")
	}
}
