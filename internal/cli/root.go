package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Tiered memory store with signal routing and decay",
	Long:  "Strata routes memory entries into tiers by signal strength and compresses them through phases as they decay. Single Go binary backed by sqlite.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(decayCmd)
}
