package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/autopilot/internal/threshold"
)

var migrateSeed bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the schema migration",
	Long:  "Creates the signal, confidence, threshold, event and write-back queue tables. With --seed, also loads the platform default thresholds.",
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

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate")
		}
		zap.L().Info("schema migration applied")

		if !migrateSeed {
			return nil
		}
		catalog, err := loadCatalog(cfg.Thresholds)
		if err != nil {
			return err
		}
		_, err = threshold.Seed(ctx, st.Pool(), catalog)
		return err
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateSeed, "seed", false, "also seed platform default thresholds")
	rootCmd.AddCommand(migrateCmd)
}
