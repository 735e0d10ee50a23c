package model

import "time"

// PairKey identifies a (user, action_type) pair.
type PairKey struct {
	UserID     string `json:"user_id"`
	ActionType string `json:"action_type"`
}

// Scores holds the snapshot fields computed by the confidence scorer. The
// scorer writes these and nothing else.
type Scores struct {
	Score float64 `json:"confidence_score"`

	// Rates are nil until there is at least one qualifying signal.
	ApprovalRate      *float64 `json:"approval_rate"`
	CleanApprovalRate *float64 `json:"clean_approval_rate"`
	EditRate          *float64 `json:"edit_rate"`
	RejectionRate     *float64 `json:"rejection_rate"`
	UndoRate          *float64 `json:"undo_rate"`

	Rolling30Score   float64      `json:"rolling_30_score"`
	Rolling30Signals []SignalKind `json:"rolling_30_signals"`

	TotalSignals   int `json:"total_signals"`
	TotalApproved  int `json:"total_approved"`
	TotalRejected  int `json:"total_rejected"`
	TotalUndone    int `json:"total_undone"`
	ApprovedEdited int `json:"approved_edited"`
	CleanApproved  int `json:"clean_approved"`

	AvgResponseTime *time.Duration `json:"avg_response_time,omitempty"`
	FirstSignalAt   *time.Time     `json:"first_signal_at,omitempty"`
	LastSignalAt    *time.Time     `json:"last_signal_at,omitempty"`
	DaysActive      int            `json:"days_active"`

	PromotionEligible bool `json:"promotion_eligible"`
}

// TierState holds the snapshot fields owned by the promotion/demotion
// evaluator and admin actions.
type TierState struct {
	CurrentTier          Tier       `json:"current_tier"`
	CooldownUntil        *time.Time `json:"cooldown_until,omitempty"`
	NeverPromote         bool       `json:"never_promote"`
	ExtraRequiredSignals int        `json:"extra_required_signals"`
}

// InCooldown reports whether the cooldown is still running at now.
func (t TierState) InCooldown(now time.Time) bool {
	return t.CooldownUntil != nil && t.CooldownUntil.After(now)
}

// ConfidenceSnapshot is the continuously recomputed state of one pair.
type ConfidenceSnapshot struct {
	PairKey
	OrgID     string    `json:"org_id"`
	Scores    Scores    `json:"scores"`
	Tier      TierState `json:"tier"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApprovalStats is the JSON snapshot of the counters and rates that justified
// a tier decision.
type ApprovalStats struct {
	TotalSignals      int      `json:"total_signals"`
	TotalApproved     int      `json:"total_approved"`
	TotalRejected     int      `json:"total_rejected"`
	TotalUndone       int      `json:"total_undone"`
	CleanApproved     int      `json:"clean_approved"`
	ApprovalRate      *float64 `json:"approval_rate"`
	CleanApprovalRate *float64 `json:"clean_approval_rate"`
	RejectionRate     *float64 `json:"rejection_rate"`
	UndoRate          *float64 `json:"undo_rate"`
	DaysActive        int      `json:"days_active"`
	Rolling30Score    float64  `json:"rolling_30_score"`
	ExtraRequired     int      `json:"extra_required_signals"`
}

// Stats extracts the ApprovalStats of the snapshot.
func (s ConfidenceSnapshot) Stats() ApprovalStats {
	return ApprovalStats{
		TotalSignals:      s.Scores.TotalSignals,
		TotalApproved:     s.Scores.TotalApproved,
		TotalRejected:     s.Scores.TotalRejected,
		TotalUndone:       s.Scores.TotalUndone,
		CleanApproved:     s.Scores.CleanApproved,
		ApprovalRate:      s.Scores.ApprovalRate,
		CleanApprovalRate: s.Scores.CleanApprovalRate,
		RejectionRate:     s.Scores.RejectionRate,
		UndoRate:          s.Scores.UndoRate,
		DaysActive:        s.Scores.DaysActive,
		Rolling30Score:    s.Scores.Rolling30Score,
		ExtraRequired:     s.Tier.ExtraRequiredSignals,
	}
}
