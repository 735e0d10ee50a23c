package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/autopilot/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Autopilot confidence engine and CRM write-back queue",
	Long:  "Scores approval signals per user and action type, promotes and demotes autonomy tiers against configurable thresholds, and delivers queued CRM writes with retries.",
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
