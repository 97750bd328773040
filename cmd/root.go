package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/litharvest/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "litharvest",
	Short: "Resumable bibliographic record harvester",
	Long:  "Searches PubMed, fetches article metadata and PMC full text in rate-limited batches, enriches records with OpenAlex citation data, and upserts everything into a local store with checkpointed resume.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
