package confidence

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/autopilot/internal/authz"
	"github.com/sells-group/autopilot/internal/db"
	"github.com/sells-group/autopilot/internal/model"
)

// ImportResult summarizes a bulk import.
type ImportResult struct {
	Signals int `json:"signals"`
	Pairs   int `json:"pairs"`
}

// Import bulk-loads historical signals with COPY and rescores every touched
// pair, all in one transaction. Every signal is validated and authorized
// before anything is written.
func (r *Recorder) Import(ctx context.Context, caller authz.Caller, signals []model.Signal) (*ImportResult, error) {
	if len(signals) == 0 {
		return &ImportResult{}, nil
	}

	now := r.nowFunc()
	rows := make([][]any, 0, len(signals))
	orgs := make(map[model.PairKey]string)
	latest := make(map[model.PairKey]model.Signal)
	var order []model.PairKey

	for i := range signals {
		s := signals[i]
		if s.ID == "" {
			s.ID = uuid.New().String()
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		if err := r.validate(s, now); err != nil {
			return nil, eris.Wrapf(err, "confidence: import row %d", i+1)
		}
		if err := authz.CanRecordSignal(caller, s.UserID, s.OrgID); err != nil {
			return nil, err
		}
		rows = append(rows, signalRow(s))

		key := model.PairKey{UserID: s.UserID, ActionType: s.ActionType}
		prev, seen := latest[key]
		if !seen {
			order = append(order, key)
		}
		if !seen || !s.CreatedAt.Before(prev.CreatedAt) {
			latest[key] = s
			orgs[key] = s.OrgID
		}
	}

	// Pairs are locked in key order.
	sort.Slice(order, func(i, j int) bool {
		if order[i].UserID != order[j].UserID {
			return order[i].UserID < order[j].UserID
		}
		return order[i].ActionType < order[j].ActionType
	})

	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, key := range order {
			if err := LockPair(ctx, tx, key); err != nil {
				return err
			}
		}
		if _, err := db.CopyFrom(ctx, tx, "autopilot_signals", SignalColumns, rows); err != nil {
			return eris.Wrap(err, "confidence: import signals")
		}
		for _, key := range order {
			if _, err := r.rescore(ctx, tx, key, orgs[key], now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("confidence: imported signals",
		zap.Int("signals", len(rows)),
		zap.Int("pairs", len(order)),
	)
	return &ImportResult{Signals: len(rows), Pairs: len(order)}, nil
}
