package confidence

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/autopilot/internal/db"
	"github.com/sells-group/autopilot/internal/model"
)

// ErrNotFound is returned when a pair has neither a snapshot nor signals.
var ErrNotFound = eris.New("confidence: snapshot not found")

// SignalColumns is the column order used by InsertSignal and Import.
var SignalColumns = []string{
	"id", "user_id", "org_id", "action_type", "signal", "rubber_stamp", "time_to_respond_ms", "created_at",
}

const signalSelect = `SELECT id, user_id, org_id, action_type, signal, rubber_stamp, time_to_respond_ms, created_at
	FROM autopilot_signals`

const snapshotSelect = `SELECT user_id, action_type, org_id, confidence_score,
	approval_rate, clean_approval_rate, edit_rate, rejection_rate, undo_rate,
	rolling_30_score, rolling_30_signals,
	total_signals, total_approved, total_rejected, total_undone, approved_edited, clean_approved,
	avg_response_ms, first_signal_at, last_signal_at, days_active, promotion_eligible,
	current_tier, cooldown_until, never_promote, extra_required_signals, updated_at
	FROM autopilot_confidence`

func signalRow(s model.Signal) []any {
	var ms *int64
	if s.TimeToRespond != nil {
		v := s.TimeToRespond.Milliseconds()
		ms = &v
	}
	return []any{s.ID, s.UserID, s.OrgID, s.ActionType, string(s.Kind), s.RubberStamp, ms, s.CreatedAt}
}

// InsertSignal appends one signal.
func InsertSignal(ctx context.Context, q db.Querier, s model.Signal) error {
	_, err := q.Exec(ctx,
		`INSERT INTO autopilot_signals (id, user_id, org_id, action_type, signal, rubber_stamp, time_to_respond_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		signalRow(s)...,
	)
	return eris.Wrapf(err, "confidence: insert signal for %s/%s", s.UserID, s.ActionType)
}

// lockPairSQL takes a transaction-scoped advisory lock keyed on the pair. It
// holds even before the pair's snapshot row exists.
const lockPairSQL = `SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))`

// LockPair blocks until no other transaction holds the pair's write lock,
// then holds it until the enclosing transaction ends. Call it before reading
// the pair's signal window.
func LockPair(ctx context.Context, q db.Querier, key model.PairKey) error {
	_, err := q.Exec(ctx, lockPairSQL, key.UserID, key.ActionType)
	return eris.Wrapf(err, "confidence: lock pair %s/%s", key.UserID, key.ActionType)
}

// LoadSignals returns the pair's signals created at or after since, newest
// first. limit <= 0 means no limit.
func LoadSignals(ctx context.Context, q db.Querier, userID, actionType string, since time.Time, limit int) ([]model.Signal, error) {
	sql := signalSelect + ` WHERE user_id = $1 AND action_type = $2 AND created_at >= $3
		ORDER BY created_at DESC, id DESC`
	args := []any{userID, actionType, since}
	if limit > 0 {
		sql += ` LIMIT $4`
		args = append(args, limit)
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "confidence: query signals")
	}
	defer rows.Close()

	var out []model.Signal
	for rows.Next() {
		var (
			s    model.Signal
			kind string
			ms   *int64
		)
		if err := rows.Scan(&s.ID, &s.UserID, &s.OrgID, &s.ActionType, &kind, &s.RubberStamp, &ms, &s.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "confidence: scan signal")
		}
		s.Kind = model.SignalKind(kind)
		if ms != nil {
			d := time.Duration(*ms) * time.Millisecond
			s.TimeToRespond = &d
		}
		out = append(out, s)
	}
	return out, eris.Wrap(rows.Err(), "confidence: iterate signals")
}

// upsertScoresSQL writes only scorer-owned columns; the tier-management
// columns keep their defaults on insert and are never in the update list.
const upsertScoresSQL = `INSERT INTO autopilot_confidence (
	user_id, action_type, org_id, confidence_score,
	approval_rate, clean_approval_rate, edit_rate, rejection_rate, undo_rate,
	rolling_30_score, rolling_30_signals,
	total_signals, total_approved, total_rejected, total_undone, approved_edited, clean_approved,
	avg_response_ms, first_signal_at, last_signal_at, days_active, promotion_eligible, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
ON CONFLICT (user_id, action_type) DO UPDATE SET
	org_id = EXCLUDED.org_id,
	confidence_score = EXCLUDED.confidence_score,
	approval_rate = EXCLUDED.approval_rate,
	clean_approval_rate = EXCLUDED.clean_approval_rate,
	edit_rate = EXCLUDED.edit_rate,
	rejection_rate = EXCLUDED.rejection_rate,
	undo_rate = EXCLUDED.undo_rate,
	rolling_30_score = EXCLUDED.rolling_30_score,
	rolling_30_signals = EXCLUDED.rolling_30_signals,
	total_signals = EXCLUDED.total_signals,
	total_approved = EXCLUDED.total_approved,
	total_rejected = EXCLUDED.total_rejected,
	total_undone = EXCLUDED.total_undone,
	approved_edited = EXCLUDED.approved_edited,
	clean_approved = EXCLUDED.clean_approved,
	avg_response_ms = EXCLUDED.avg_response_ms,
	first_signal_at = EXCLUDED.first_signal_at,
	last_signal_at = EXCLUDED.last_signal_at,
	days_active = EXCLUDED.days_active,
	promotion_eligible = EXCLUDED.promotion_eligible,
	updated_at = EXCLUDED.updated_at`

// UpsertScores writes the scorer-owned columns of a snapshot. Tier columns
// take their defaults on insert and are never touched on update.
func UpsertScores(ctx context.Context, q db.Querier, key model.PairKey, orgID string, sc model.Scores, now time.Time) error {
	kinds := make([]string, len(sc.Rolling30Signals))
	for i, k := range sc.Rolling30Signals {
		kinds[i] = string(k)
	}
	var avgMs *int64
	if sc.AvgResponseTime != nil {
		v := sc.AvgResponseTime.Milliseconds()
		avgMs = &v
	}

	_, err := q.Exec(ctx, upsertScoresSQL,
		key.UserID, key.ActionType, orgID, sc.Score,
		sc.ApprovalRate, sc.CleanApprovalRate, sc.EditRate, sc.RejectionRate, sc.UndoRate,
		sc.Rolling30Score, kinds,
		sc.TotalSignals, sc.TotalApproved, sc.TotalRejected, sc.TotalUndone, sc.ApprovedEdited, sc.CleanApproved,
		avgMs, sc.FirstSignalAt, sc.LastSignalAt, sc.DaysActive, sc.PromotionEligible, now,
	)
	return eris.Wrapf(err, "confidence: upsert scores for %s/%s", key.UserID, key.ActionType)
}

// GetSnapshot returns the pair's snapshot, or nil when none exists.
func GetSnapshot(ctx context.Context, q db.Querier, key model.PairKey) (*model.ConfidenceSnapshot, error) {
	row := q.QueryRow(ctx, snapshotSelect+` WHERE user_id = $1 AND action_type = $2`, key.UserID, key.ActionType)
	return scanSnapshotRow(row)
}

// LockSnapshot reads the pair's snapshot and holds its row lock until the
// enclosing transaction ends. Returns nil when none exists.
func LockSnapshot(ctx context.Context, q db.Querier, key model.PairKey) (*model.ConfidenceSnapshot, error) {
	row := q.QueryRow(ctx, snapshotSelect+` WHERE user_id = $1 AND action_type = $2 FOR UPDATE`, key.UserID, key.ActionType)
	return scanSnapshotRow(row)
}

// SnapshotFilter narrows ListSnapshots.
type SnapshotFilter struct {
	OrgID      string
	UserID     string
	ActionType string
	Tier       model.Tier
	Limit      int
}

// ListSnapshots returns snapshots matching filter ordered by user and action.
func ListSnapshots(ctx context.Context, q db.Querier, f SnapshotFilter) ([]model.ConfidenceSnapshot, error) {
	sql := snapshotSelect + ` WHERE ($1 = '' OR org_id = $1) AND ($2 = '' OR user_id = $2)
		AND ($3 = '' OR action_type = $3) AND ($4 = '' OR current_tier = $4)
		ORDER BY user_id, action_type LIMIT $5`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.Query(ctx, sql, f.OrgID, f.UserID, f.ActionType, string(f.Tier), limit)
	if err != nil {
		return nil, eris.Wrap(err, "confidence: list snapshots")
	}
	return collectSnapshots(rows)
}

// ListCandidates pages through snapshots the evaluator must look at:
// promotion-eligible pairs, pairs whose cooldown has lapsed, and pairs at a
// tier that can be demoted. Pages are keyed on (user_id, action_type) > after.
func ListCandidates(ctx context.Context, q db.Querier, now time.Time, after model.PairKey, limit int) ([]model.ConfidenceSnapshot, error) {
	rows, err := q.Query(ctx, snapshotSelect+`
		WHERE (promotion_eligible
			OR (cooldown_until IS NOT NULL AND cooldown_until <= $1)
			OR current_tier IN ('approve', 'auto'))
		AND (user_id, action_type) > ($2, $3)
		ORDER BY user_id, action_type
		LIMIT $4`,
		now, after.UserID, after.ActionType, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "confidence: list candidates")
	}
	return collectSnapshots(rows)
}

func collectSnapshots(rows pgx.Rows) ([]model.ConfidenceSnapshot, error) {
	defer rows.Close()

	var out []model.ConfidenceSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, eris.Wrap(rows.Err(), "confidence: iterate snapshots")
}

func scanSnapshotRow(row pgx.Row) (*model.ConfidenceSnapshot, error) {
	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return snap, nil
}

func scanSnapshot(row pgx.Row) (*model.ConfidenceSnapshot, error) {
	var (
		s     model.ConfidenceSnapshot
		kinds []string
		avgMs *int64
		tier  string
	)
	err := row.Scan(
		&s.UserID, &s.ActionType, &s.OrgID, &s.Scores.Score,
		&s.Scores.ApprovalRate, &s.Scores.CleanApprovalRate, &s.Scores.EditRate, &s.Scores.RejectionRate, &s.Scores.UndoRate,
		&s.Scores.Rolling30Score, &kinds,
		&s.Scores.TotalSignals, &s.Scores.TotalApproved, &s.Scores.TotalRejected, &s.Scores.TotalUndone,
		&s.Scores.ApprovedEdited, &s.Scores.CleanApproved,
		&avgMs, &s.Scores.FirstSignalAt, &s.Scores.LastSignalAt, &s.Scores.DaysActive, &s.Scores.PromotionEligible,
		&tier, &s.Tier.CooldownUntil, &s.Tier.NeverPromote, &s.Tier.ExtraRequiredSignals, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "confidence: scan snapshot")
	}

	s.Scores.Rolling30Signals = make([]model.SignalKind, len(kinds))
	for i, k := range kinds {
		s.Scores.Rolling30Signals[i] = model.SignalKind(k)
	}
	if avgMs != nil {
		d := time.Duration(*avgMs) * time.Millisecond
		s.Scores.AvgResponseTime = &d
	}
	s.Tier.CurrentTier = model.Tier(tier)
	return &s, nil
}
