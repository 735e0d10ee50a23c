package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/autopilot/internal/model"
	"github.com/sells-group/autopilot/internal/threshold"
)

var (
	thresholdsSeedFile string
	thresholdsOrgID    string
	thresholdsAction   string
)

var thresholdsCmd = &cobra.Command{
	Use:   "thresholds",
	Short: "Manage promotion and demotion thresholds",
}

var thresholdsSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Upsert platform default thresholds from the action catalog",
	Long:  "Loads the compiled-in action catalog, or --file when given, and upserts every platform default row. Org overrides are never touched.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cli"); err != nil {
			return err
		}
		if thresholdsSeedFile != "" {
			cfg.Thresholds.SeedFile = thresholdsSeedFile
		}
		catalog, err := loadCatalog(cfg.Thresholds)
		if err != nil {
			return err
		}

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		_, err = threshold.Seed(ctx, st.Pool(), catalog)
		return err
	},
}

var thresholdsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List thresholds",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cli"); err != nil {
			return err
		}
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rows, err := threshold.NewStore(st.Pool()).List(ctx, threshold.ListFilter{
			OrgID:           thresholdsOrgID,
			ActionType:      thresholdsAction,
			IncludeDefaults: true,
		})
		if err != nil {
			return eris.Wrap(err, "thresholds list")
		}
		formatThresholds(os.Stdout, rows)
		return nil
	},
}

func init() {
	thresholdsSeedCmd.Flags().StringVar(&thresholdsSeedFile, "file", "", "catalog YAML (default compiled-in catalog)")
	thresholdsListCmd.Flags().StringVar(&thresholdsOrgID, "org", "", "include this org's overrides")
	thresholdsListCmd.Flags().StringVar(&thresholdsAction, "action", "", "limit to one action type")
	thresholdsCmd.AddCommand(thresholdsSeedCmd, thresholdsListCmd)
	rootCmd.AddCommand(thresholdsCmd)
}

func formatThresholds(out io.Writer, rows []model.Threshold) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SCOPE\tACTION\tTRANSITION\tMIN SIGNALS\tCLEAN\tREJECT\tUNDO\tDAYS\tSCORE\tLAST N\tFLAGS")
	for _, t := range rows {
		scope := "platform"
		if t.OrgID != nil {
			scope = *t.OrgID
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s->%s\t%d\t%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
			scope, t.ActionType, t.FromTier, t.ToTier, t.MinSignals,
			rateCell(t.MinCleanApprovalRate), rateCell(t.MaxRejectionRate), rateCell(t.MaxUndoRate),
			t.MinDaysActive, rateCell(t.MinConfidenceScore), t.LastNClean, thresholdFlags(t))
	}
	_ = w.Flush()
}

func rateCell(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

func thresholdFlags(t model.Threshold) string {
	flags := ""
	add := func(on bool, name string) {
		if !on {
			return
		}
		if flags != "" {
			flags += ","
		}
		flags += name
	}
	add(!t.Enabled, "disabled")
	add(t.NeverPromote, "never_promote")
	add(t.RequiresAdminApproval, "admin_approval")
	if flags == "" {
		return "-"
	}
	return flags
}
