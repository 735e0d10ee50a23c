// Package threshold stores promotion/demotion policies and resolves the
// effective policy for an org.
package threshold

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/autopilot/internal/db"
	"github.com/sells-group/autopilot/internal/model"
)

const thresholdSelect = `SELECT id, org_id, action_type, from_tier, to_tier,
	min_signals, min_clean_approval_rate, max_rejection_rate, max_undo_rate,
	min_days_active, min_confidence_score, last_n_clean,
	enabled, never_promote, requires_admin_approval
	FROM autopilot_thresholds`

// Columns is the column order used by Upsert and Seed.
var Columns = []string{
	"id", "org_id", "action_type", "from_tier", "to_tier",
	"min_signals", "min_clean_approval_rate", "max_rejection_rate", "max_undo_rate",
	"min_days_active", "min_confidence_score", "last_n_clean",
	"enabled", "never_promote", "requires_admin_approval", "updated_at",
}

func row(t model.Threshold, now time.Time) []any {
	return []any{
		t.ID, t.OrgID, t.ActionType, string(t.FromTier), string(t.ToTier),
		t.MinSignals, t.MinCleanApprovalRate, t.MaxRejectionRate, t.MaxUndoRate,
		t.MinDaysActive, t.MinConfidenceScore, t.LastNClean,
		t.Enabled, t.NeverPromote, t.RequiresAdminApproval, now,
	}
}

// Store reads and writes threshold rows.
type Store struct {
	pool db.Pool
}

// NewStore creates a Store on pool.
func NewStore(pool db.Pool) *Store {
	return &Store{pool: pool}
}

// Upsert inserts or replaces the row for t's (org, action, from, to) key and
// returns the stored id.
func (s *Store) Upsert(ctx context.Context, t model.Threshold) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO autopilot_thresholds (
			id, org_id, action_type, from_tier, to_tier,
			min_signals, min_clean_approval_rate, max_rejection_rate, max_undo_rate,
			min_days_active, min_confidence_score, last_n_clean,
			enabled, never_promote, requires_admin_approval, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (org_id, action_type, from_tier, to_tier) DO UPDATE SET
			min_signals = EXCLUDED.min_signals,
			min_clean_approval_rate = EXCLUDED.min_clean_approval_rate,
			max_rejection_rate = EXCLUDED.max_rejection_rate,
			max_undo_rate = EXCLUDED.max_undo_rate,
			min_days_active = EXCLUDED.min_days_active,
			min_confidence_score = EXCLUDED.min_confidence_score,
			last_n_clean = EXCLUDED.last_n_clean,
			enabled = EXCLUDED.enabled,
			never_promote = EXCLUDED.never_promote,
			requires_admin_approval = EXCLUDED.requires_admin_approval,
			updated_at = EXCLUDED.updated_at
		RETURNING id`,
		row(t, time.Now().UTC())...,
	).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "threshold: upsert %s", t.ThresholdKey)
	}
	return id, nil
}

// Candidates returns the org row and the platform row for key, if present.
func (s *Store) Candidates(ctx context.Context, orgID string, key model.ThresholdKey) ([]model.Threshold, error) {
	rows, err := s.pool.Query(ctx, thresholdSelect+`
		WHERE action_type = $1 AND from_tier = $2 AND to_tier = $3
		AND (org_id = $4 OR org_id IS NULL)
		ORDER BY org_id NULLS LAST`,
		key.ActionType, string(key.FromTier), string(key.ToTier), orgID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "threshold: query %s", key)
	}
	return collect(rows)
}

// Get returns the exact row for (orgID, key). A nil orgID addresses the
// platform default. Returns nil when absent.
func (s *Store) Get(ctx context.Context, orgID *string, key model.ThresholdKey) (*model.Threshold, error) {
	rows, err := s.pool.Query(ctx, thresholdSelect+`
		WHERE org_id IS NOT DISTINCT FROM $1 AND action_type = $2 AND from_tier = $3 AND to_tier = $4`,
		orgID, key.ActionType, string(key.FromTier), string(key.ToTier),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "threshold: get %s", key)
	}
	out, err := collect(rows)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

// ListFilter narrows List. An empty OrgID lists platform defaults only;
// IncludeDefaults adds them to an org listing.
type ListFilter struct {
	OrgID           string
	ActionType      string
	IncludeDefaults bool
}

// List returns thresholds ordered by action and transition.
func (s *Store) List(ctx context.Context, f ListFilter) ([]model.Threshold, error) {
	rows, err := s.pool.Query(ctx, thresholdSelect+`
		WHERE (($1 = '' AND org_id IS NULL) OR org_id = $1 OR ($2 AND org_id IS NULL))
		AND ($3 = '' OR action_type = $3)
		ORDER BY action_type, from_tier, to_tier, org_id NULLS FIRST`,
		f.OrgID, f.IncludeDefaults, f.ActionType,
	)
	if err != nil {
		return nil, eris.Wrap(err, "threshold: list")
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]model.Threshold, error) {
	defer rows.Close()

	var out []model.Threshold
	for rows.Next() {
		var (
			t        model.Threshold
			from, to string
		)
		if err := rows.Scan(
			&t.ID, &t.OrgID, &t.ActionType, &from, &to,
			&t.MinSignals, &t.MinCleanApprovalRate, &t.MaxRejectionRate, &t.MaxUndoRate,
			&t.MinDaysActive, &t.MinConfidenceScore, &t.LastNClean,
			&t.Enabled, &t.NeverPromote, &t.RequiresAdminApproval,
		); err != nil {
			return nil, eris.Wrap(err, "threshold: scan")
		}
		t.FromTier = model.Tier(from)
		t.ToTier = model.Tier(to)
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "threshold: iterate")
}
