package model

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// ThresholdKey identifies one tier transition for an action type.
type ThresholdKey struct {
	ActionType string `json:"action_type" yaml:"action_type"`
	FromTier   Tier   `json:"from_tier" yaml:"from_tier"`
	ToTier     Tier   `json:"to_tier" yaml:"to_tier"`
}

func (k ThresholdKey) String() string {
	return fmt.Sprintf("%s:%s->%s", k.ActionType, k.FromTier, k.ToTier)
}

// IsDemotion reports whether the transition moves down the ladder.
func (k ThresholdKey) IsDemotion() bool {
	return k.ToTier.Rank() < k.FromTier.Rank()
}

// Threshold is the policy for one transition. A nil OrgID marks the platform
// default; an org row fully supersedes the default when enabled.
type Threshold struct {
	ID    string  `json:"id,omitempty" yaml:"-"`
	OrgID *string `json:"org_id" yaml:"-"`
	ThresholdKey `yaml:",inline"`

	MinSignals           int      `json:"min_signals" yaml:"min_signals"`
	MinCleanApprovalRate *float64 `json:"min_clean_approval_rate" yaml:"min_clean_approval_rate"`
	MaxRejectionRate     *float64 `json:"max_rejection_rate" yaml:"max_rejection_rate"`
	MaxUndoRate          *float64 `json:"max_undo_rate" yaml:"max_undo_rate"`
	MinDaysActive        int      `json:"min_days_active" yaml:"min_days_active"`
	MinConfidenceScore   *float64 `json:"min_confidence_score" yaml:"min_confidence_score"`
	LastNClean           int      `json:"last_n_clean" yaml:"last_n_clean"`

	Enabled               bool `json:"enabled" yaml:"enabled"`
	NeverPromote          bool `json:"never_promote" yaml:"never_promote"`
	RequiresAdminApproval bool `json:"requires_admin_approval" yaml:"requires_admin_approval"`
}

// IsPlatformDefault reports whether t is the platform-wide row.
func (t Threshold) IsPlatformDefault() bool { return t.OrgID == nil }

// Validate checks the row is internally consistent.
func (t Threshold) Validate() error {
	var errs []string
	if t.ActionType == "" {
		errs = append(errs, "action_type is required")
	}
	if !t.FromTier.Valid() || !t.ToTier.Valid() {
		errs = append(errs, "from_tier and to_tier must be valid tiers")
	} else if !Adjacent(t.FromTier, t.ToTier) {
		errs = append(errs, "from_tier and to_tier must be one step apart")
	}
	if t.MinSignals < 0 {
		errs = append(errs, "min_signals must be >= 0")
	}
	if t.MinDaysActive < 0 {
		errs = append(errs, "min_days_active must be >= 0")
	}
	if t.LastNClean < 0 {
		errs = append(errs, "last_n_clean must be >= 0")
	}
	rates := []struct {
		name string
		v    *float64
	}{
		{"min_clean_approval_rate", t.MinCleanApprovalRate},
		{"max_rejection_rate", t.MaxRejectionRate},
		{"max_undo_rate", t.MaxUndoRate},
		{"min_confidence_score", t.MinConfidenceScore},
	}
	for _, r := range rates {
		if r.v != nil && (*r.v < 0 || *r.v > 1) {
			errs = append(errs, r.name+" must be between 0 and 1")
		}
	}
	if len(errs) > 0 {
		return eris.Errorf("threshold %s: %s", t.ThresholdKey, strings.Join(errs, "; "))
	}
	return nil
}
