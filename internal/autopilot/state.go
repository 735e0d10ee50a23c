package autopilot

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/autopilot/internal/db"
	"github.com/sells-group/autopilot/internal/model"
)

// saveTierStateSQL writes only the evaluator-owned columns.
const saveTierStateSQL = `UPDATE autopilot_confidence
	SET current_tier = $3, cooldown_until = $4, never_promote = $5, extra_required_signals = $6, updated_at = $7
	WHERE user_id = $1 AND action_type = $2`

func saveTierState(ctx context.Context, q db.Querier, key model.PairKey, st model.TierState, now time.Time) error {
	tag, err := q.Exec(ctx, saveTierStateSQL,
		key.UserID, key.ActionType, string(st.CurrentTier), st.CooldownUntil, st.NeverPromote, st.ExtraRequiredSignals, now,
	)
	if err != nil {
		return eris.Wrapf(err, "autopilot: save tier state for %s/%s", key.UserID, key.ActionType)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("autopilot: no snapshot for %s/%s", key.UserID, key.ActionType)
	}
	return nil
}

// newEvent builds an event carrying the snapshot's stats and, when given,
// the threshold that drove the decision.
func newEvent(snap *model.ConfidenceSnapshot, typ model.EventType, from, to model.Tier, th *model.Threshold, reason string) (model.Event, error) {
	stats, err := json.Marshal(snap.Stats())
	if err != nil {
		return model.Event{}, eris.Wrap(err, "autopilot: marshal approval stats")
	}
	var cfg json.RawMessage
	if th != nil {
		cfg, err = json.Marshal(th)
		if err != nil {
			return model.Event{}, eris.Wrap(err, "autopilot: marshal threshold")
		}
	}
	return model.Event{
		UserID:          snap.UserID,
		OrgID:           snap.OrgID,
		ActionType:      snap.ActionType,
		Type:            typ,
		FromTier:        from,
		ToTier:          to,
		ConfidenceScore: snap.Scores.Score,
		ApprovalStats:   stats,
		ThresholdConfig: cfg,
		TriggerReason:   reason,
	}, nil
}
