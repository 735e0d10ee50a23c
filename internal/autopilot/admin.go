package autopilot

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/autopilot/internal/authz"
	"github.com/sells-group/autopilot/internal/confidence"
	"github.com/sells-group/autopilot/internal/db"
	"github.com/sells-group/autopilot/internal/eventlog"
	"github.com/sells-group/autopilot/internal/metrics"
	"github.com/sells-group/autopilot/internal/model"
)

// ErrNoPendingProposal is returned when accepting or declining a pair that
// has no open promotion proposal at its current tier.
var ErrNoPendingProposal = eris.New("autopilot: no pending promotion proposal")

// adminChange mutates a locked snapshot's tier state and describes the event
// to record. It returns nil state to leave the tier state untouched.
type adminChange func(ctx context.Context, q db.Querier, snap *model.ConfidenceSnapshot) (*model.TierState, *model.Event, error)

// administer runs change against key's locked snapshot with the caller's
// org-admin rights checked against the snapshot's org.
func (e *Evaluator) administer(ctx context.Context, caller authz.Caller, key model.PairKey, op string, change adminChange) (*model.Event, error) {
	now := e.nowFunc()
	var appended model.Event
	err := db.WithTx(ctx, e.pool, func(tx pgx.Tx) error {
		snap, err := confidence.LockSnapshot(ctx, tx, key)
		if err != nil {
			return err
		}
		if snap == nil {
			return eris.Wrapf(confidence.ErrNotFound, "autopilot: %s %s/%s", op, key.UserID, key.ActionType)
		}
		if err := authz.CanAdministerTier(caller, snap.OrgID); err != nil {
			return err
		}

		st, ev, err := change(ctx, tx, snap)
		if err != nil {
			return err
		}
		if st != nil {
			if err := saveTierState(ctx, tx, key, *st, now); err != nil {
				return err
			}
		}
		ev.ActorID = caller.UserID
		ev.CreatedAt = now
		appended, err = eventlog.Append(ctx, tx, *ev)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.TierEvents.WithLabelValues(string(appended.Type)).Inc()
	zap.L().Info("autopilot: admin tier action",
		zap.String("op", op),
		zap.String("actor_id", caller.UserID),
		zap.String("user_id", key.UserID),
		zap.String("action_type", key.ActionType),
		zap.String("event_type", string(appended.Type)),
		zap.String("from_tier", string(appended.FromTier)),
		zap.String("to_tier", string(appended.ToTier)),
	)
	return &appended, nil
}

// AcceptProposal promotes the pair one tier as proposed and resets its
// re-promotion penalty.
func (e *Evaluator) AcceptProposal(ctx context.Context, caller authz.Caller, key model.PairKey) (*model.Event, error) {
	return e.administer(ctx, caller, key, "accept", func(ctx context.Context, q db.Querier, snap *model.ConfidenceSnapshot) (*model.TierState, *model.Event, error) {
		proposal, err := pendingProposal(ctx, q, snap)
		if err != nil {
			return nil, nil, err
		}
		if proposal == nil {
			return nil, nil, ErrNoPendingProposal
		}
		from := snap.Tier.CurrentTier
		next, ok := from.Next()
		if !ok {
			return nil, nil, eris.Errorf("autopilot: %s is the top tier", from)
		}

		st := snap.Tier
		st.CurrentTier = next
		st.ExtraRequiredSignals = 0
		st.CooldownUntil = nil
		ev, err := newEvent(snap, model.EventPromotionAccepted, from, next, nil, "proposal accepted by admin")
		if err != nil {
			return nil, nil, err
		}
		ev.ThresholdConfig = proposal.ThresholdConfig
		return &st, &ev, nil
	})
}

// DeclinePromotion closes the pending proposal without changing tier. The
// pair is not proposed again until the decline cooldown lapses. With never
// set the pair is barred from promotion until SetNeverPromote clears it;
// never does not require a pending proposal.
func (e *Evaluator) DeclinePromotion(ctx context.Context, caller authz.Caller, key model.PairKey, never bool, reason string) (*model.Event, error) {
	return e.administer(ctx, caller, key, "decline", func(ctx context.Context, q db.Querier, snap *model.ConfidenceSnapshot) (*model.TierState, *model.Event, error) {
		proposal, err := pendingProposal(ctx, q, snap)
		if err != nil {
			return nil, nil, err
		}
		if proposal == nil && !never {
			return nil, nil, ErrNoPendingProposal
		}

		tier := snap.Tier.CurrentTier
		st := snap.Tier
		typ := model.EventPromotionDeclined
		if never {
			typ = model.EventPromotionNever
			st.NeverPromote = true
		} else {
			until := e.nowFunc().Add(e.demotion.Cooldown())
			st.CooldownUntil = &until
		}
		if reason == "" {
			reason = "declined by admin"
		}
		ev, err := newEvent(snap, typ, tier, tier, nil, reason)
		if err != nil {
			return nil, nil, err
		}
		ev.CooldownUntil = st.CooldownUntil
		if proposal != nil {
			ev.ThresholdConfig = proposal.ThresholdConfig
		}
		return &st, &ev, nil
	})
}

// ManualOverride sets the pair's tier directly. Unlike evaluator transitions
// it may skip tiers.
func (e *Evaluator) ManualOverride(ctx context.Context, caller authz.Caller, key model.PairKey, tier model.Tier, reason string) (*model.Event, error) {
	if !tier.Valid() {
		return nil, eris.Errorf("autopilot: unknown tier %q", tier)
	}
	if reason == "" {
		return nil, eris.New("autopilot: manual override requires a reason")
	}
	return e.administer(ctx, caller, key, "override", func(_ context.Context, _ db.Querier, snap *model.ConfidenceSnapshot) (*model.TierState, *model.Event, error) {
		from := snap.Tier.CurrentTier
		st := snap.Tier
		st.CurrentTier = tier
		if tier.Rank() > from.Rank() {
			st.ExtraRequiredSignals = 0
			st.CooldownUntil = nil
		}
		ev, err := newEvent(snap, model.EventManualOverride, from, tier, nil, reason)
		if err != nil {
			return nil, nil, err
		}
		return &st, &ev, nil
	})
}

// SetNeverPromote sets or clears the pair's never_promote flag.
func (e *Evaluator) SetNeverPromote(ctx context.Context, caller authz.Caller, key model.PairKey, never bool) (*model.Event, error) {
	return e.administer(ctx, caller, key, "never-promote", func(_ context.Context, _ db.Querier, snap *model.ConfidenceSnapshot) (*model.TierState, *model.Event, error) {
		tier := snap.Tier.CurrentTier
		st := snap.Tier
		st.NeverPromote = never

		typ := model.EventPromotionNever
		reason := "never_promote set by admin"
		if !never {
			typ = model.EventManualOverride
			reason = "never_promote cleared by admin"
		}
		ev, err := newEvent(snap, typ, tier, tier, nil, reason)
		if err != nil {
			return nil, nil, err
		}
		return &st, &ev, nil
	})
}
