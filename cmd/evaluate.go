package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/autopilot/internal/autopilot"
)

var evaluateLoop bool

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run the promotion and demotion evaluator",
	Long:  "Evaluates every candidate pair once and prints the outcome summary. With --loop, keeps evaluating on the configured interval until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("evaluate"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if evaluateLoop {
			a.evaluator.Run(ctx)
			return nil
		}

		sum, err := a.evaluator.EvaluateAll(ctx)
		if err != nil {
			return eris.Wrap(err, "evaluate")
		}
		formatSummary(os.Stdout, sum)
		return nil
	},
}

func init() {
	evaluateCmd.Flags().BoolVar(&evaluateLoop, "loop", false, "evaluate on the configured interval until interrupted")
	rootCmd.AddCommand(evaluateCmd)
}

// formatSummary writes outcome counts followed by one line per pair that was
// not a noop or blocked.
func formatSummary(out io.Writer, sum *autopilot.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "evaluated %d pairs in %s\n\n", sum.Evaluated, sum.Duration)

	outcomes := make([]string, 0, len(sum.Outcomes))
	for o := range sum.Outcomes {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)
	_, _ = fmt.Fprintln(w, "OUTCOME\tCOUNT")
	for _, o := range outcomes {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", o, sum.Outcomes[autopilot.Outcome(o)])
	}

	changed := false
	for _, r := range sum.Results {
		if r.Outcome == autopilot.OutcomeNoop || r.Outcome == autopilot.OutcomeBlocked {
			continue
		}
		if !changed {
			_, _ = fmt.Fprintln(w, "\nUSER\tACTION\tOUTCOME\tFROM\tTO\tREASON")
			changed = true
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.UserID, r.ActionType, r.Outcome, r.FromTier, r.ToTier, truncate(r.Reason, 60))
	}
	_ = w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
