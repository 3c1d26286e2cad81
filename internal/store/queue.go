package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Job statuses for the compaction queue.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobDone       = "done"
	JobStalled    = "stalled"
)

// CompactionJob is one pending phase transition awaiting a worker.
type CompactionJob struct {
	ID          int64
	EntryID     string
	FromPhase   Phase
	ToPhase     Phase
	TokenBudget int
	Status      string
	Attempts    int
	ClaimedBy   string
	ClaimedAt   *int64
	NotBefore   int64 // retry backoff: skip until this time
	CreatedAt   int64
	UpdatedAt   int64
}

// EnqueueCompaction adds or refreshes the pending job for an entry.
// An entry has at most one live (pending/processing) job; re-enqueueing
// while one exists only widens the target phase if it advanced further.
func (db *DB) EnqueueCompaction(entryID string, from, to Phase) (*CompactionJob, error) {
	now := time.Now().UnixMilli()

	existing, err := db.liveJobFor(entryID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if to.Later(existing.ToPhase) {
			if _, err := db.Exec(`
				UPDATE compaction_queue SET to_phase = ?, token_budget = ?, updated_at = ?
				WHERE id = ?
			`, to, to.TokenBudget(), now, existing.ID); err != nil {
				return nil, fmt.Errorf("widen compaction job: %w", err)
			}
			existing.ToPhase = to
			existing.TokenBudget = to.TokenBudget()
		}
		return existing, nil
	}

	res, err := db.Exec(`
		INSERT INTO compaction_queue (entry_id, from_phase, to_phase, token_budget, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?)
	`, entryID, from, to, to.TokenBudget(), now, now)
	if err != nil {
		return nil, fmt.Errorf("enqueue compaction: %w", err)
	}
	id, _ := res.LastInsertId()
	return &CompactionJob{
		ID: id, EntryID: entryID, FromPhase: from, ToPhase: to,
		TokenBudget: to.TokenBudget(), Status: JobPending,
		CreatedAt: now, UpdatedAt: now,
	}, nil
}

func (db *DB) liveJobFor(entryID string) (*CompactionJob, error) {
	row := db.QueryRow(`
		SELECT id, entry_id, from_phase, to_phase, token_budget, status, attempts, claimed_by, claimed_at, not_before, created_at, updated_at
		FROM compaction_queue
		WHERE entry_id = ? AND status IN ('pending', 'processing')
	`, entryID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("live job for %s: %w", entryID, err)
	}
	return j, nil
}

// ClaimNext atomically claims the oldest claimable pending job for a worker.
// Jobs inside their retry backoff window are skipped. Returns nil when
// nothing is claimable.
func (db *DB) ClaimNext(worker string, now int64) (*CompactionJob, error) {
	// Optimistic claim: the WHERE status = 'pending' guard means two workers
	// racing on the same row leave exactly one winner.
	for {
		row := db.QueryRow(`
			SELECT id, entry_id, from_phase, to_phase, token_budget, status, attempts, claimed_by, claimed_at, not_before, created_at, updated_at
			FROM compaction_queue
			WHERE status = 'pending' AND not_before <= ?
			ORDER BY created_at ASC
			LIMIT 1
		`, now)
		j, err := scanJob(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("claim next: %w", err)
		}

		res, err := db.Exec(`
			UPDATE compaction_queue SET status = 'processing', claimed_by = ?, claimed_at = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'
		`, worker, now, now, j.ID)
		if err != nil {
			return nil, fmt.Errorf("claim job %d: %w", j.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // lost the race, try the next row
		}

		j.Status = JobProcessing
		j.ClaimedBy = worker
		j.ClaimedAt = &now
		return j, nil
	}
}

// CompleteCompaction marks a job done. The phase/content write happens
// separately through AdvancePhase; this only retires the queue row.
func (db *DB) CompleteCompaction(jobID int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE compaction_queue SET status = 'done', updated_at = ? WHERE id = ?
	`, now, jobID)
	if err != nil {
		return fmt.Errorf("complete compaction: %w", err)
	}
	return nil
}

// FailCompaction records a failed attempt. Under maxAttempts the job returns
// to pending with a backoff window; at maxAttempts it is stalled.
// Returns true if the job stalled.
func (db *DB) FailCompaction(jobID int64, maxAttempts int, backoff time.Duration) (bool, error) {
	now := time.Now().UnixMilli()

	row := db.QueryRow(`SELECT attempts FROM compaction_queue WHERE id = ?`, jobID)
	var attempts int
	if err := row.Scan(&attempts); err != nil {
		return false, fmt.Errorf("fail compaction: %w", err)
	}
	attempts++

	if attempts >= maxAttempts {
		_, err := db.Exec(`
			UPDATE compaction_queue SET status = 'stalled', attempts = ?, claimed_by = NULL, claimed_at = NULL, updated_at = ?
			WHERE id = ?
		`, attempts, now, jobID)
		if err != nil {
			return false, fmt.Errorf("stall compaction: %w", err)
		}
		return true, nil
	}

	// Bounded backoff: double per attempt.
	notBefore := now + backoff.Milliseconds()*int64(1<<(attempts-1))
	_, err := db.Exec(`
		UPDATE compaction_queue SET status = 'pending', attempts = ?, claimed_by = NULL, claimed_at = NULL, not_before = ?, updated_at = ?
		WHERE id = ?
	`, attempts, notBefore, now, jobID)
	if err != nil {
		return false, fmt.Errorf("retry compaction: %w", err)
	}
	return false, nil
}

// ReleaseStaleClaims returns processing jobs whose claim is older than
// staleAfter back to pending. A crashed worker's claim self-heals here.
func (db *DB) ReleaseStaleClaims(now int64, staleAfter time.Duration) (int, error) {
	cutoff := now - staleAfter.Milliseconds()
	res, err := db.Exec(`
		UPDATE compaction_queue SET status = 'pending', claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE status = 'processing' AND claimed_at < ?
	`, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// QueueDepth returns the number of pending and processing jobs.
func (db *DB) QueueDepth() (pending, processing int, err error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM compaction_queue GROUP BY status`)
	if err != nil {
		return 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var c int
		if err := rows.Scan(&status, &c); err != nil {
			return 0, 0, err
		}
		switch status {
		case JobPending:
			pending = c
		case JobProcessing:
			processing = c
		}
	}
	return pending, processing, rows.Err()
}

// GetJob returns a job by ID, or nil if not found.
func (db *DB) GetJob(id int64) (*CompactionJob, error) {
	row := db.QueryRow(`
		SELECT id, entry_id, from_phase, to_phase, token_budget, status, attempts, claimed_by, claimed_at, not_before, created_at, updated_at
		FROM compaction_queue WHERE id = ?
	`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func scanJob(row rowScanner) (*CompactionJob, error) {
	var j CompactionJob
	var claimedBy sql.NullString
	var claimedAt sql.NullInt64
	err := row.Scan(&j.ID, &j.EntryID, &j.FromPhase, &j.ToPhase, &j.TokenBudget,
		&j.Status, &j.Attempts, &claimedBy, &claimedAt, &j.NotBefore, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.ClaimedBy = claimedBy.String
	if claimedAt.Valid {
		j.ClaimedAt = &claimedAt.Int64
	}
	return &j, nil
}
