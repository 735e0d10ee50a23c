package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/autopilot/internal/config"
	"github.com/sells-group/autopilot/internal/writeback"
	"github.com/sells-group/autopilot/pkg/salesforce"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Deliver queued CRM writes",
	Long:  "Claims write-back items, executes them against the CRM, and records completion, retry backoff or dead-lettering. Expired claims are reaped on every poll.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if workerConcurrency > 0 {
			cfg.Worker.Concurrency = workerConcurrency
		}
		if err := cfg.Validate("worker"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sf, err := salesforce.Dial(salesforceConfig(cfg.Salesforce))
		if err != nil {
			return err
		}

		w := writeback.NewWorker(
			writeback.NewQueue(st.Pool(), cfg.Queue.MaxAttempts),
			map[string]writeback.Executor{
				writeback.SourceSalesforce: writeback.NewSalesforceExecutor(sf),
			},
			cfg.Worker, cfg.Queue,
		)
		err = w.Run(ctx)
		zap.L().Info("breaker states at shutdown", zap.Any("breakers", w.Breakers().States()))
		return err
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "items executed in parallel (default from config)")
	rootCmd.AddCommand(workerCmd)
}

func salesforceConfig(c config.SalesforceConfig) salesforce.Config {
	return salesforce.Config{
		ClientID:          c.ClientID,
		Username:          c.Username,
		KeyPath:           c.KeyPath,
		LoginURL:          c.LoginURL,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
	}
}
