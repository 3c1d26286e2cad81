package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stratadb/strata/internal/compact"
	"github.com/stratadb/strata/internal/store"
)

// Scheduler defaults.
const (
	DefaultCycleSpec      = "@every 6h"
	DefaultBatchSize      = 100
	DefaultWorkers        = 2
	DefaultStaleAfter     = 30 * time.Minute
	DefaultMaxAttempts    = 3
	DefaultRetryBackoff   = 5 * time.Minute
	DefaultCompactTimeout = 60 * time.Second
)

// SchedulerOptions configures the decay scheduler.
type SchedulerOptions struct {
	CycleSpec      string // cron spec, e.g. "@every 6h"
	BatchSize      int
	Workers        int
	StaleAfter     time.Duration // claims older than this are reclaimed
	MaxAttempts    int
	RetryBackoff   time.Duration
	CompactTimeout time.Duration
	Logger         *slog.Logger
}

func (o *SchedulerOptions) fill() {
	if o.CycleSpec == "" {
		o.CycleSpec = DefaultCycleSpec
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.CompactTimeout <= 0 {
		o.CompactTimeout = DefaultCompactTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Scheduler runs decay cycles over the durable and reflex tiers. Each entry
// is claimed by exactly one worker per cycle; a crashed worker's claim is
// released by age on the next cycle.
type Scheduler struct {
	eng  *Engine
	opts SchedulerOptions
	log  *slog.Logger

	cron   *cron.Cron
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler for the engine.
func NewScheduler(eng *Engine, opts SchedulerOptions) *Scheduler {
	opts.fill()
	return &Scheduler{eng: eng, opts: opts, log: opts.Logger}
}

// Start registers the cycle job with cron and runs one cycle immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.opts.CycleSpec, func() {
		if _, err := s.RunCycle(runCtx); err != nil {
			s.log.Error("decay cycle failed", "error", err)
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("schedule decay cycle: %w", err)
	}
	s.cron.Start()

	// Startup cycle, in the background so serving is not delayed.
	go func() {
		if _, err := s.RunCycle(runCtx); err != nil {
			s.log.Error("startup decay cycle failed", "error", err)
		}
	}()
	return nil
}

// Stop requests graceful shutdown: no new batch starts, in-flight claims
// finish, and the cron entry is removed. The claim log lets the next
// process resume where this one stopped.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
}

// RunCycle performs one full decay pass. Overlapping cycles are collapsed:
// a second call while one runs returns immediately.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleStatus, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return CycleStatus{}, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	status, err := s.eng.OnCycleStart(ctx, s.opts.StaleAfter)
	if err != nil {
		return status, fmt.Errorf("cycle start: %w", err)
	}

	if err := s.scan(ctx, &status); err != nil {
		return status, fmt.Errorf("cycle scan: %w", err)
	}

	s.drain(ctx, &status)

	return s.eng.OnCycleEnd(ctx, status), nil
}

// scan recomputes strength for one batch of durable/reflex entries and
// enqueues compaction for any whose target phase advanced.
func (s *Scheduler) scan(ctx context.Context, status *CycleStatus) error {
	db := s.eng.DB()
	now := s.eng.Now()

	entries, err := db.ListDecayable(s.opts.BatchSize)
	if err != nil {
		return err
	}

	for i := range entries {
		if ctx.Err() != nil {
			return nil // graceful shutdown: stop scanning, keep what's queued
		}
		e := &entries[i]
		status.Scanned++

		strength := ComputeStrength(e, now)
		if err := db.UpdateStrength(e.ID, strength); err != nil {
			s.log.Warn("update strength failed", "entry", e.ID, "error", err)
			continue
		}

		target := TargetPhase(strength, e.Phase, e.Protected)
		if !target.Later(e.Phase) {
			continue
		}
		if e.Stalled {
			continue // stays at its last successful phase until cleared
		}

		if _, err := db.EnqueueCompaction(e.ID, e.Phase, target); err != nil {
			s.log.Warn("enqueue failed", "entry", e.ID, "error", err)
			continue
		}
		status.Advanced++
	}
	return nil
}

// drain runs the worker pool over the compaction queue until it is empty
// or the context is cancelled.
func (s *Scheduler) drain(ctx context.Context, status *CycleStatus) {
	results := make(chan workResult, s.opts.Workers*4)
	var wg sync.WaitGroup

	for w := 0; w < s.opts.Workers; w++ {
		wg.Add(1)
		worker := fmt.Sprintf("worker-%d", w)
		go func() {
			defer wg.Done()
			s.work(ctx, worker, results)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(results)
		close(done)
	}()

	for r := range results {
		status.Compacted += r.compacted
		status.Stalled += r.stalled
		status.TokensIn += r.tokensIn
		status.TokensOut += r.tokensOut
	}
	<-done
}

type workResult struct {
	compacted int
	stalled   int
	tokensIn  int
	tokensOut int
}

// work claims and processes queue jobs until none remain.
func (s *Scheduler) work(ctx context.Context, worker string, results chan<- workResult) {
	db := s.eng.DB()
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := db.ClaimNext(worker, s.eng.Now().UnixMilli())
		if err != nil {
			s.log.Error("claim failed", "worker", worker, "error", err)
			return
		}
		if job == nil {
			return
		}
		results <- s.process(ctx, job)
	}
}

// process compacts one claimed entry. A failure affects only this entry:
// the job retries with backoff and eventually stalls, never deleting or
// corrupting anything.
func (s *Scheduler) process(ctx context.Context, job *store.CompactionJob) workResult {
	db := s.eng.DB()
	var r workResult

	e, err := db.GetEntry(job.EntryID)
	if err != nil || e == nil {
		// Entry deleted underneath the job; retire it.
		db.CompleteCompaction(job.ID)
		return r
	}

	if e.Protected {
		// ProtectedViolation: a protected entry must never reach the queue.
		// Reject the operation and log the anomaly; nothing is mutated.
		s.log.Error("protected violation", "entry", e.ID, "op", "compaction", "job", job.ID)
		db.CompleteCompaction(job.ID)
		return r
	}

	tokensBefore := e.TokenCount
	if tokensBefore == 0 {
		tokensBefore = compact.EstimateTokens(e.Content)
	}

	cctx, cancel := context.WithTimeout(ctx, s.opts.CompactTimeout)
	reduced, err := s.eng.Compactor().Compact(cctx, e.Content, job.TokenBudget)
	cancel()
	if err != nil {
		stalled, ferr := db.FailCompaction(job.ID, s.opts.MaxAttempts, s.opts.RetryBackoff)
		if ferr != nil {
			s.log.Error("record failure failed", "job", job.ID, "error", ferr)
			return r
		}
		if stalled {
			db.MarkStalled(e.ID)
			r.stalled++
			s.log.Warn("compaction stalled", "entry", e.ID, "attempts", s.opts.MaxAttempts, "error", err)
		} else {
			s.log.Warn("compaction failed, will retry", "entry", e.ID, "error", err)
		}
		return r
	}

	tokensAfter := compact.EstimateTokens(reduced)
	if err := db.AdvancePhase(e.ID, job.ToPhase, reduced, tokensAfter); err != nil {
		s.log.Error("advance phase failed", "entry", e.ID, "error", err)
		stalled, ferr := db.FailCompaction(job.ID, s.opts.MaxAttempts, s.opts.RetryBackoff)
		if ferr != nil {
			s.log.Error("record failure failed", "job", job.ID, "error", ferr)
			return r
		}
		if stalled {
			db.MarkStalled(e.ID)
			r.stalled++
			s.log.Warn("compaction stalled", "entry", e.ID, "attempts", s.opts.MaxAttempts, "error", err)
		}
		return r
	}
	if err := db.CompleteCompaction(job.ID); err != nil {
		s.log.Error("complete job failed", "job", job.ID, "error", err)
	}

	day := s.eng.Now().UTC().Format("2006-01-02")
	if err := db.AddToLedger(day, tokensBefore, tokensAfter, 1); err != nil {
		s.log.Warn("ledger update failed", "day", day, "error", err)
	}

	if job.ToPhase == store.PhaseForgotten {
		s.log.Info("entry forgotten", "entry", e.ID, "from", job.FromPhase)
	}

	r.compacted++
	r.tokensIn = tokensBefore
	r.tokensOut = tokensAfter
	return r
}
