package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/autopilot/internal/model"
	"github.com/sells-group/autopilot/internal/writeback"
)

var queueOrgID string

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and administer the CRM write-back queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		q, closeFn, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		stats, err := q.Stats(ctx, queueOrgID)
		if err != nil {
			return eris.Wrap(err, "queue stats")
		}
		formatQueueStats(os.Stdout, stats)
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <item-id>...",
	Short: "Move dead-lettered items back to pending",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		q, closeFn, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		for _, id := range args {
			if err := q.Retry(ctx, operator, id); err != nil {
				return eris.Wrapf(err, "queue retry %s", id)
			}
			zap.L().Info("item requeued", zap.String("id", id))
		}
		return nil
	},
}

var queueReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Release processing items whose lock has expired",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		q, closeFn, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		n, err := q.ReapExpired(ctx)
		if err != nil {
			return eris.Wrap(err, "queue reap")
		}
		zap.L().Info("reaped expired items", zap.Int("count", n))
		return nil
	},
}

func init() {
	queueStatsCmd.Flags().StringVar(&queueOrgID, "org", "", "limit to one org (default all)")
	queueCmd.AddCommand(queueStatsCmd, queueRetryCmd, queueReapCmd)
	rootCmd.AddCommand(queueCmd)
}

func openQueue(cmd *cobra.Command) (*writeback.Queue, func(), error) {
	if err := cfg.Validate("cli"); err != nil {
		return nil, nil, err
	}
	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	return writeback.NewQueue(st.Pool(), cfg.Queue.MaxAttempts), func() { _ = st.Close() }, nil
}

func formatQueueStats(out io.Writer, s *model.QueueStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STATUS\tCOUNT")
	rows := []struct {
		status model.QueueStatus
		n      int
	}{
		{model.QueuePending, s.Pending},
		{model.QueueProcessing, s.Processing},
		{model.QueueCompleted, s.Completed},
		{model.QueueFailed, s.Failed},
		{model.QueueDeadLetter, s.DeadLetter},
	}
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", r.status, r.n)
	}
	_, _ = fmt.Fprintf(w, "total\t%d\n", s.Total())
	_, _ = fmt.Fprintf(w, "\navg attempts (completed)\t%.2f\n", s.AvgCompletedRetries)
	_ = w.Flush()
}
