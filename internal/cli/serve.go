package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratadb/strata/internal/compact"
	"github.com/stratadb/strata/internal/config"
	"github.com/stratadb/strata/internal/engine"
	"github.com/stratadb/strata/internal/index"
	"github.com/stratadb/strata/internal/server"
	"github.com/stratadb/strata/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var idx index.Index
	if cfg.Memory.UseChromem {
		idx, err = index.NewChromem("strata")
		if err != nil {
			log.Warn("chromem index init failed, falling back to brute force", "error", err)
			idx = index.NewNaive()
		}
	} else {
		idx = index.NewNaive()
	}

	compactor, err := compact.New(cfg.Compactor.Backend, cfg.Compactor.OllamaURL, cfg.Compactor.OllamaModel)
	if err != nil {
		return fmt.Errorf("create compactor: %w", err)
	}

	eng := engine.New(db, idx, compactor, engine.Options{
		WorkingSetCapacity: cfg.Memory.WorkingSetCapacity,
		IntakeTTL:          cfg.Memory.IntakeTTL,
		GraceWindow:        cfg.Memory.GraceWindow,
		Logger:             log,
	})

	// Unrouted fresh entries from a previous run go back into the
	// intake cache and the similarity index.
	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		n, rehErr := eng.Intake().Rehydrate(ctx)
		cancel()
		if rehErr != nil {
			log.Warn("intake rehydrate failed", "error", rehErr)
		} else if n > 0 {
			log.Info("rehydrated intake", "entries", n)
		}
	}

	sched := engine.NewScheduler(eng, engine.SchedulerOptions{
		CycleSpec:      cfg.Scheduler.CycleSpec,
		BatchSize:      cfg.Scheduler.BatchSize,
		Workers:        cfg.Scheduler.Workers,
		StaleAfter:     cfg.Scheduler.StaleAfter,
		MaxAttempts:    cfg.Scheduler.MaxAttempts,
		RetryBackoff:   cfg.Scheduler.RetryBackoff,
		CompactTimeout: cfg.Scheduler.CompactTimeout,
		Logger:         log,
	})
	if err := sched.Start(context.Background()); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	srv := server.New(eng, sched, VersionString())
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("strata serving", "addr", addr, "db", dbPath, "compactor", cfg.Compactor.Backend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(ctx)
}
