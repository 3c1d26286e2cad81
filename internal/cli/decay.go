package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratadb/strata/internal/compact"
	"github.com/stratadb/strata/internal/config"
	"github.com/stratadb/strata/internal/engine"
	"github.com/stratadb/strata/internal/index"
)

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Run one decay and compaction cycle, then exit",
	RunE:  runDecay,
}

func runDecay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	compactor, err := compact.New(cfg.Compactor.Backend, cfg.Compactor.OllamaURL, cfg.Compactor.OllamaModel)
	if err != nil {
		return fmt.Errorf("create compactor: %w", err)
	}

	eng := engine.New(db, index.NewNaive(), compactor, engine.Options{
		WorkingSetCapacity: cfg.Memory.WorkingSetCapacity,
		IntakeTTL:          cfg.Memory.IntakeTTL,
		GraceWindow:        cfg.Memory.GraceWindow,
		Logger:             log,
	})

	sched := engine.NewScheduler(eng, engine.SchedulerOptions{
		BatchSize:      cfg.Scheduler.BatchSize,
		Workers:        cfg.Scheduler.Workers,
		StaleAfter:     cfg.Scheduler.StaleAfter,
		MaxAttempts:    cfg.Scheduler.MaxAttempts,
		RetryBackoff:   cfg.Scheduler.RetryBackoff,
		CompactTimeout: cfg.Scheduler.CompactTimeout,
		Logger:         log,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	status, err := sched.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("run cycle: %w", err)
	}

	fmt.Printf("cycle complete: scanned %d, advanced %d, compacted %d, stalled %d, saved %d tokens\n",
		status.Scanned, status.Advanced, status.Compacted, status.Stalled,
		status.TokensIn-status.TokensOut)
	return nil
}
