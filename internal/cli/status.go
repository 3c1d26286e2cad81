package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratadb/strata/internal/store"
)

// openDB opens the database for CLI commands that talk to the store
// directly rather than going through the server.
func openDB() (*store.DB, error) {
	dbPath := os.Getenv("STRATA_DATABASE_PATH")
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	return store.Open(dbPath)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tier counts, queue depth and today's token ledger",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	counts, err := db.TierCounts()
	if err != nil {
		return fmt.Errorf("tier counts: %w", err)
	}

	fmt.Println("## Tiers")
	for _, tier := range []store.Tier{
		store.TierFresh, store.TierFocus, store.TierDurable,
		store.TierReflex, store.TierCritical,
	} {
		fmt.Printf("  %-9s %4d entries\n", tier, counts[tier])
	}

	pending, processing, err := db.QueueDepth()
	if err != nil {
		return fmt.Errorf("queue depth: %w", err)
	}
	fmt.Printf("\n## Compaction queue\n  %d pending, %d processing\n", pending, processing)

	day := time.Now().UTC().Format("2006-01-02")
	ledger, err := db.GetLedger(day)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	fmt.Printf("\n## Token ledger (%s)\n", day)
	fmt.Printf("  in: %d  out: %d  saved: %.1f%% over %d entries\n",
		ledger.TokensIn, ledger.TokensOut, ledger.SavedRatio*100, ledger.EntriesProcessed)

	return nil
}
