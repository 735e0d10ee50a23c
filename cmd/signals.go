package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/autopilot/internal/confidence"
	"github.com/sells-group/autopilot/internal/model"
)

var (
	signalUserID      string
	signalOrgID       string
	signalAction      string
	signalKind        string
	signalRubberStamp bool
	signalResponseMS  int64

	signalsImportFile string
)

var signalsCmd = &cobra.Command{
	Use:   "signals",
	Short: "Record or import approval signals",
}

var signalsRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record one signal and print the recomputed scores",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cli"); err != nil {
			return err
		}

		sig := model.Signal{
			UserID:      signalUserID,
			OrgID:       signalOrgID,
			ActionType:  signalAction,
			Kind:        model.SignalKind(signalKind),
			RubberStamp: signalRubberStamp,
		}
		if cmd.Flags().Changed("response-ms") {
			d := time.Duration(signalResponseMS) * time.Millisecond
			sig.TimeToRespond = &d
		}
		if err := sig.Validate(); err != nil {
			return err
		}

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.recorder.RecordSignal(ctx, operator, confidence.RecordInput{Signal: sig})
		if err != nil {
			return eris.Wrap(err, "signals record")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

var signalsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk-load historical signals from CSV",
	Long: `Loads signals from a CSV file with the header
  user_id,org_id,action_type,signal,rubber_stamp,time_to_respond_ms,created_at
and rescores every touched pair. created_at is RFC3339; empty optional
columns are left unset. The whole file is rejected if any row is invalid.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cli"); err != nil {
			return err
		}

		data, err := os.ReadFile(signalsImportFile)
		if err != nil {
			return eris.Wrap(err, "signals import: read file")
		}
		signals, err := parseSignalsCSV(data)
		if err != nil {
			return err
		}

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.recorder.Import(ctx, operator, signals)
		if err != nil {
			return eris.Wrap(err, "signals import")
		}
		zap.L().Info("import complete",
			zap.String("file", signalsImportFile),
			zap.Int("signals", res.Signals),
			zap.Int("pairs", res.Pairs),
		)
		return nil
	},
}

func init() {
	f := signalsRecordCmd.Flags()
	f.StringVar(&signalUserID, "user", "", "user id (required)")
	f.StringVar(&signalOrgID, "org", "", "org id (required)")
	f.StringVar(&signalAction, "action", "", "action type (required)")
	f.StringVar(&signalKind, "signal", "", "signal kind, e.g. approved or rejected (required)")
	f.BoolVar(&signalRubberStamp, "rubber-stamp", false, "approval was given without review")
	f.Int64Var(&signalResponseMS, "response-ms", 0, "time to respond in milliseconds")
	for _, name := range []string{"user", "org", "action", "signal"} {
		_ = signalsRecordCmd.MarkFlagRequired(name)
	}

	signalsImportCmd.Flags().StringVar(&signalsImportFile, "file", "", "path to CSV file (required)")
	_ = signalsImportCmd.MarkFlagRequired("file")

	signalsCmd.AddCommand(signalsRecordCmd, signalsImportCmd)
	rootCmd.AddCommand(signalsCmd)
}

// signalRow is one CSV line of a signal import.
type signalRow struct {
	UserID          string     `csv:"user_id"`
	OrgID           string     `csv:"org_id"`
	ActionType      string     `csv:"action_type"`
	Signal          string     `csv:"signal"`
	RubberStamp     bool       `csv:"rubber_stamp,omitempty"`
	TimeToRespondMS *int64     `csv:"time_to_respond_ms,omitempty"`
	CreatedAt       *time.Time `csv:"created_at,omitempty"`
}

func parseSignalsCSV(data []byte) ([]model.Signal, error) {
	var rows []signalRow
	if err := csvutil.Unmarshal(data, &rows); err != nil {
		return nil, eris.Wrap(err, "signals import: parse csv")
	}

	out := make([]model.Signal, 0, len(rows))
	for i, r := range rows {
		s := model.Signal{
			UserID:      r.UserID,
			OrgID:       r.OrgID,
			ActionType:  r.ActionType,
			Kind:        model.SignalKind(r.Signal),
			RubberStamp: r.RubberStamp,
		}
		if r.TimeToRespondMS != nil {
			d := time.Duration(*r.TimeToRespondMS) * time.Millisecond
			s.TimeToRespond = &d
		}
		if r.CreatedAt != nil {
			s.CreatedAt = r.CreatedAt.UTC()
		}
		if err := s.Validate(); err != nil {
			return nil, eris.Wrapf(err, "signals import: row %d", i+1)
		}
		out = append(out, s)
	}
	return out, nil
}
