// Package autopilot decides tier transitions. The Evaluator promotes and
// demotes pairs against their effective thresholds; the admin operations
// apply decisions made by people. Both write the tier state and its audit
// event in one transaction.
package autopilot

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/autopilot/internal/config"
	"github.com/sells-group/autopilot/internal/confidence"
	"github.com/sells-group/autopilot/internal/db"
	"github.com/sells-group/autopilot/internal/eventlog"
	"github.com/sells-group/autopilot/internal/metrics"
	"github.com/sells-group/autopilot/internal/model"
)

// ThresholdResolver returns the effective threshold for a transition, or nil.
type ThresholdResolver interface {
	Resolve(ctx context.Context, orgID, actionType string, from, to model.Tier) (*model.Threshold, error)
}

// Outcome is the result of evaluating one pair.
type Outcome string

const (
	OutcomePromoted  Outcome = "promoted"
	OutcomeProposed  Outcome = "proposed"
	OutcomeDemoted   Outcome = "demoted"
	OutcomeEmergency Outcome = "emergency_demoted"
	OutcomeWarned    Outcome = "warned"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeNoop      Outcome = "noop"
	OutcomeError     Outcome = "error"
)

// Result describes what happened to one pair.
type Result struct {
	model.PairKey
	OrgID           string     `json:"org_id"`
	Outcome         Outcome    `json:"outcome"`
	FromTier        model.Tier `json:"from_tier"`
	ToTier          model.Tier `json:"to_tier"`
	Reason          string     `json:"reason,omitempty"`
	CooldownCleared bool       `json:"cooldown_cleared,omitempty"`
}

// Summary aggregates one EvaluateAll batch.
type Summary struct {
	Evaluated int             `json:"evaluated"`
	Outcomes  map[Outcome]int `json:"outcomes"`
	Results   []Result        `json:"results"`
	Duration  time.Duration   `json:"duration"`
}

func (s *Summary) add(r Result) {
	s.Evaluated++
	s.Outcomes[r.Outcome]++
	s.Results = append(s.Results, r)
}

// Count returns how many pairs ended with o.
func (s *Summary) Count(o Outcome) int { return s.Outcomes[o] }

// Evaluator runs promotion and demotion checks over confidence snapshots.
type Evaluator struct {
	pool     db.Pool
	resolver ThresholdResolver
	cfg      config.EvaluatorConfig
	demotion config.DemotionConfig
	nowFunc  func() time.Time
}

// NewEvaluator creates an Evaluator. Zero-valued demotion settings fall back
// to the defaults of a 7-day cooldown, a 5-signal penalty, a 0.8 warning
// ratio and a 2.0 emergency ratio.
func NewEvaluator(pool db.Pool, resolver ThresholdResolver, cfg config.EvaluatorConfig, demotion config.DemotionConfig) *Evaluator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if demotion.CooldownHours <= 0 {
		demotion.CooldownHours = 7 * 24
	}
	if demotion.PenaltySignals <= 0 {
		demotion.PenaltySignals = 5
	}
	if demotion.WarningRatio <= 0 {
		demotion.WarningRatio = 0.8
	}
	if demotion.EmergencyRatio <= 1 {
		demotion.EmergencyRatio = 2.0
	}
	return &Evaluator{
		pool:     pool,
		resolver: resolver,
		cfg:      cfg,
		demotion: demotion,
		nowFunc:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides time.Now. Intended for tests.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.nowFunc = now
	return e
}

// Run evaluates once immediately and then on every interval until ctx is
// cancelled.
func (e *Evaluator) Run(ctx context.Context) {
	interval := e.cfg.Interval()
	log := zap.L().With(zap.String("component", "autopilot.evaluator"))
	log.Info("starting evaluator", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := e.EvaluateAll(ctx); err != nil && ctx.Err() == nil {
			log.Error("autopilot: evaluation batch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			log.Info("evaluator stopped")
			return
		case <-ticker.C:
		}
	}
}

// EvaluateAll pages through every candidate pair and evaluates each in its
// own transaction. A failing pair is logged and counted; the batch goes on.
// The returned error is non-nil only when candidates cannot be listed or ctx
// is cancelled.
func (e *Evaluator) EvaluateAll(ctx context.Context) (*Summary, error) {
	start := time.Now()
	log := zap.L().With(zap.String("component", "autopilot.evaluator"))
	sum := &Summary{Outcomes: make(map[Outcome]int)}

	var after model.PairKey
	for {
		if err := ctx.Err(); err != nil {
			return sum, eris.Wrap(err, "autopilot: evaluation cancelled")
		}
		page, err := confidence.ListCandidates(ctx, e.pool, e.nowFunc(), after, e.cfg.PageSize)
		if err != nil {
			return sum, err
		}
		for _, snap := range page {
			res, err := e.EvaluatePair(ctx, snap.PairKey)
			if err != nil {
				log.Error("autopilot: pair evaluation failed",
					zap.String("user_id", snap.UserID),
					zap.String("action_type", snap.ActionType),
					zap.Error(err),
				)
				res = Result{PairKey: snap.PairKey, OrgID: snap.OrgID, Outcome: OutcomeError, Reason: err.Error()}
			}
			metrics.EvaluationOutcomes.WithLabelValues(string(res.Outcome)).Inc()
			sum.add(res)
		}
		if len(page) < e.cfg.PageSize {
			break
		}
		after = page[len(page)-1].PairKey
	}

	sum.Duration = time.Since(start)
	metrics.EvaluationDuration.Observe(sum.Duration.Seconds())
	log.Info("autopilot: evaluation complete",
		zap.Int("evaluated", sum.Evaluated),
		zap.Int("promoted", sum.Count(OutcomePromoted)),
		zap.Int("proposed", sum.Count(OutcomeProposed)),
		zap.Int("demoted", sum.Count(OutcomeDemoted)+sum.Count(OutcomeEmergency)),
		zap.Int("warned", sum.Count(OutcomeWarned)),
		zap.Int("errors", sum.Count(OutcomeError)),
		zap.Duration("duration", sum.Duration),
	)
	return sum, nil
}

// decision is what evaluate wants applied to one locked snapshot.
type decision struct {
	result Result
	state  *model.TierState
	event  *model.Event
}

// EvaluatePair locks the pair's snapshot, re-reads it and applies at most one
// tier transition together with its event.
func (e *Evaluator) EvaluatePair(ctx context.Context, key model.PairKey) (Result, error) {
	now := e.nowFunc()
	var (
		res      Result
		appended *model.Event
	)
	err := db.WithTx(ctx, e.pool, func(tx pgx.Tx) error {
		snap, err := confidence.LockSnapshot(ctx, tx, key)
		if err != nil {
			return err
		}
		if snap == nil {
			res = Result{PairKey: key, Outcome: OutcomeNoop, Reason: "snapshot not found"}
			return nil
		}

		d, err := e.evaluate(ctx, tx, snap, now)
		if err != nil {
			return err
		}
		res = d.result
		if d.state != nil {
			if err := saveTierState(ctx, tx, key, *d.state, now); err != nil {
				return err
			}
		}
		if d.event != nil {
			d.event.CreatedAt = now
			ev, err := eventlog.Append(ctx, tx, *d.event)
			if err != nil {
				return err
			}
			appended = &ev
		}
		return nil
	})
	if err != nil {
		return Result{PairKey: key, Outcome: OutcomeError}, err
	}
	if appended != nil {
		metrics.TierEvents.WithLabelValues(string(appended.Type)).Inc()
	}
	return res, nil
}

func (e *Evaluator) evaluate(ctx context.Context, q db.Querier, snap *model.ConfidenceSnapshot, now time.Time) (*decision, error) {
	tier := snap.Tier.CurrentTier
	base := Result{PairKey: snap.PairKey, OrgID: snap.OrgID, Outcome: OutcomeNoop, FromTier: tier, ToTier: tier}

	d, err := e.checkDemotion(ctx, q, snap, base, now)
	if err != nil || d != nil {
		return d, err
	}

	d, err = e.checkPromotion(ctx, q, snap, base, now)
	if err != nil {
		return nil, err
	}

	// A lapsed cooldown is cleared when nothing else touched the tier state.
	if d.state == nil && snap.Tier.CooldownUntil != nil && !snap.Tier.InCooldown(now) {
		st := snap.Tier
		st.CooldownUntil = nil
		d.state = &st
		d.result.CooldownCleared = true
	}
	return d, nil
}

// severity returns the largest observed/limit ratio over the demotion
// threshold's rate limits. A zero limit tolerates nothing, so any occurrence
// is infinitely severe.
func severity(snap *model.ConfidenceSnapshot, th *model.Threshold) float64 {
	var r float64
	check := func(rate, limit *float64) {
		if rate == nil || limit == nil {
			return
		}
		var v float64
		switch {
		case *limit > 0:
			v = *rate / *limit
		case *rate > 0:
			v = math.Inf(1)
		}
		if v > r {
			r = v
		}
	}
	check(snap.Scores.RejectionRate, th.MaxRejectionRate)
	check(snap.Scores.UndoRate, th.MaxUndoRate)
	return r
}

func (e *Evaluator) checkDemotion(ctx context.Context, q db.Querier, snap *model.ConfidenceSnapshot, base Result, now time.Time) (*decision, error) {
	tier := snap.Tier.CurrentTier
	if tier != model.TierApprove && tier != model.TierAuto {
		return nil, nil
	}
	down, _ := tier.Prev()
	th, err := e.resolver.Resolve(ctx, snap.OrgID, snap.ActionType, tier, down)
	if err != nil {
		return nil, err
	}
	if th == nil || snap.Scores.TotalSignals < th.MinSignals {
		return nil, nil
	}

	r := severity(snap, th)
	lowScore := th.MinConfidenceScore != nil && snap.Scores.Score < *th.MinConfidenceScore

	var (
		typ     model.EventType
		outcome Outcome
		reason  string
		factor  = 1
	)
	switch {
	case r >= e.demotion.EmergencyRatio:
		typ, outcome, factor = model.EventDemotionEmergency, OutcomeEmergency, 2
		reason = fmt.Sprintf("rejection/undo rate at %.2fx the demotion limit", r)
	case r > 1:
		typ, outcome = model.EventDemotionAuto, OutcomeDemoted
		reason = fmt.Sprintf("rejection/undo rate at %.2fx the demotion limit", r)
	case lowScore:
		typ, outcome = model.EventDemotionAuto, OutcomeDemoted
		reason = fmt.Sprintf("confidence score %.3f below %.3f", snap.Scores.Score, *th.MinConfidenceScore)
	case r >= e.demotion.WarningRatio:
		return e.warn(ctx, q, snap, base, th, r)
	default:
		return nil, nil
	}

	until := now.Add(e.demotion.Cooldown() * time.Duration(factor))
	st := snap.Tier
	st.CurrentTier = down
	st.CooldownUntil = &until
	st.ExtraRequiredSignals += e.demotion.PenaltySignals * factor

	ev, err := newEvent(snap, typ, tier, down, th, reason)
	if err != nil {
		return nil, err
	}
	ev.CooldownUntil = &until

	res := base
	res.Outcome, res.ToTier, res.Reason = outcome, down, reason
	return &decision{result: res, state: &st, event: &ev}, nil
}

// warn records a demotion warning unless one was already raised since the
// pair's last signal.
func (e *Evaluator) warn(ctx context.Context, q db.Querier, snap *model.ConfidenceSnapshot, base Result, th *model.Threshold, r float64) (*decision, error) {
	reason := fmt.Sprintf("rejection/undo rate at %.2fx the demotion limit", r)
	res := base
	res.Reason = reason

	last, err := eventlog.Latest(ctx, q, snap.UserID, snap.ActionType, model.EventDemotionWarning)
	if err != nil {
		return nil, err
	}
	if last != nil && (snap.Scores.LastSignalAt == nil || !last.CreatedAt.Before(*snap.Scores.LastSignalAt)) {
		res.Outcome = OutcomeBlocked
		res.Reason = "demotion warning outstanding: " + reason
		return &decision{result: res}, nil
	}

	ev, err := newEvent(snap, model.EventDemotionWarning, base.FromTier, base.FromTier, th, reason)
	if err != nil {
		return nil, err
	}
	res.Outcome = OutcomeWarned
	return &decision{result: res, event: &ev}, nil
}

func (e *Evaluator) checkPromotion(ctx context.Context, q db.Querier, snap *model.ConfidenceSnapshot, base Result, now time.Time) (*decision, error) {
	tier := snap.Tier.CurrentTier
	next, ok := tier.Next()
	if !ok {
		return &decision{result: base}, nil
	}

	th, err := e.resolver.Resolve(ctx, snap.OrgID, snap.ActionType, tier, next)
	if err != nil {
		return nil, err
	}
	reason, err := blockReason(ctx, q, snap, th, now)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		res := base
		res.Outcome, res.Reason = OutcomeBlocked, reason
		return &decision{result: res}, nil
	}

	if th.RequiresAdminApproval {
		pending, err := pendingProposal(ctx, q, snap)
		if err != nil {
			return nil, err
		}
		res := base
		if pending != nil {
			res.Reason = "proposal awaiting admin decision"
			return &decision{result: res}, nil
		}
		reason := fmt.Sprintf("eligible for %s->%s, awaiting admin approval", tier, next)
		ev, err := newEvent(snap, model.EventPromotionProposed, tier, tier, th, reason)
		if err != nil {
			return nil, err
		}
		res.Outcome, res.Reason = OutcomeProposed, reason
		return &decision{result: res, event: &ev}, nil
	}

	st := snap.Tier
	st.CurrentTier = next
	st.ExtraRequiredSignals = 0
	st.CooldownUntil = nil
	reason = "all promotion criteria met"
	ev, err := newEvent(snap, model.EventPromotionAccepted, tier, next, th, reason)
	if err != nil {
		return nil, err
	}
	res := base
	res.Outcome, res.ToTier, res.Reason = OutcomePromoted, next, reason
	return &decision{result: res, state: &st, event: &ev}, nil
}

// blockReason returns why the promotion governed by th may not happen, or ""
// when every criterion passes.
func blockReason(ctx context.Context, q db.Querier, snap *model.ConfidenceSnapshot, th *model.Threshold, now time.Time) (string, error) {
	sc := snap.Scores
	switch {
	case th == nil:
		return "no enabled threshold", nil
	case snap.Tier.NeverPromote || th.NeverPromote:
		return "never_promote is set", nil
	case snap.Tier.InCooldown(now):
		return fmt.Sprintf("cooldown active until %s", snap.Tier.CooldownUntil.Format(time.RFC3339)), nil
	}

	if required := th.MinSignals + snap.Tier.ExtraRequiredSignals; sc.TotalSignals < required {
		return fmt.Sprintf("total_signals %d below required %d", sc.TotalSignals, required), nil
	}
	if th.MinCleanApprovalRate != nil && (sc.CleanApprovalRate == nil || *sc.CleanApprovalRate < *th.MinCleanApprovalRate) {
		return "clean_approval_rate below minimum", nil
	}
	if th.MaxRejectionRate != nil && sc.RejectionRate != nil && *sc.RejectionRate > *th.MaxRejectionRate {
		return "rejection_rate above maximum", nil
	}
	if th.MaxUndoRate != nil && sc.UndoRate != nil && *sc.UndoRate > *th.MaxUndoRate {
		return "undo_rate above maximum", nil
	}
	if sc.DaysActive < th.MinDaysActive {
		return fmt.Sprintf("days_active %d below required %d", sc.DaysActive, th.MinDaysActive), nil
	}
	if th.MinConfidenceScore != nil && sc.Score < *th.MinConfidenceScore {
		return fmt.Sprintf("confidence score %.3f below %.3f", sc.Score, *th.MinConfidenceScore), nil
	}

	if th.LastNClean > 0 {
		recent, err := confidence.LoadSignals(ctx, q, snap.UserID, snap.ActionType, time.Time{}, th.LastNClean)
		if err != nil {
			return "", err
		}
		if len(recent) < th.LastNClean {
			return fmt.Sprintf("fewer than %d signals for the clean streak", th.LastNClean), nil
		}
		for _, s := range recent {
			if !s.IsCleanApproval() {
				return fmt.Sprintf("last %d signals are not all clean approvals", th.LastNClean), nil
			}
		}
	}
	return "", nil
}

// pendingProposal returns the open proposal for the snapshot's current tier,
// or nil.
func pendingProposal(ctx context.Context, q db.Querier, snap *model.ConfidenceSnapshot) (*model.Event, error) {
	last, err := eventlog.Latest(ctx, q, snap.UserID, snap.ActionType, eventlog.ProposalFamily...)
	if err != nil {
		return nil, err
	}
	if last == nil || last.Type != model.EventPromotionProposed || last.FromTier != snap.Tier.CurrentTier {
		return nil, nil
	}
	return last, nil
}
