package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestThresholdValidate(t *testing.T) {
	t.Parallel()

	base := Threshold{
		ThresholdKey:         ThresholdKey{ActionType: "send_email", FromTier: TierSuggest, ToTier: TierApprove},
		MinSignals:           10,
		MinCleanApprovalRate: ptr(0.8),
		Enabled:              true,
	}

	tests := []struct {
		name    string
		mutate  func(th *Threshold)
		wantErr string
	}{
		{"valid", func(*Threshold) {}, ""},
		{"missing action", func(th *Threshold) { th.ActionType = "" }, "action_type is required"},
		{"bad tier", func(th *Threshold) { th.ToTier = "manual" }, "must be valid tiers"},
		{"skip step", func(th *Threshold) { th.ToTier = TierAuto }, "one step apart"},
		{"same tier", func(th *Threshold) { th.ToTier = TierSuggest }, "one step apart"},
		{"negative signals", func(th *Threshold) { th.MinSignals = -1 }, "min_signals"},
		{"rate above one", func(th *Threshold) { th.MaxUndoRate = ptr(1.5) }, "max_undo_rate"},
		{"negative score", func(th *Threshold) { th.MinConfidenceScore = ptr(-0.1) }, "min_confidence_score"},
		{"negative streak", func(th *Threshold) { th.LastNClean = -2 }, "last_n_clean"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			th := base
			tt.mutate(&th)
			err := th.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestThresholdIsPlatformDefault(t *testing.T) {
	t.Parallel()

	assert.True(t, Threshold{}.IsPlatformDefault())
	assert.False(t, Threshold{OrgID: ptr("org-1")}.IsPlatformDefault())
}

func TestTierStateInCooldown(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.False(t, TierState{}.InCooldown(now))
	assert.True(t, TierState{CooldownUntil: ptr(now.Add(time.Hour))}.InCooldown(now))
	assert.False(t, TierState{CooldownUntil: ptr(now.Add(-time.Hour))}.InCooldown(now))
}

func TestSnapshotStats(t *testing.T) {
	t.Parallel()

	snap := ConfidenceSnapshot{
		Scores: Scores{TotalSignals: 12, TotalApproved: 11, CleanApproved: 10, ApprovalRate: ptr(11.0 / 12), DaysActive: 5, Rolling30Score: 0.9},
		Tier:   TierState{ExtraRequiredSignals: 4},
	}
	stats := snap.Stats()
	assert.Equal(t, 12, stats.TotalSignals)
	assert.Equal(t, 10, stats.CleanApproved)
	assert.Equal(t, 4, stats.ExtraRequired)
	assert.InDelta(t, 0.9, stats.Rolling30Score, 1e-9)
	assert.Nil(t, stats.UndoRate)
}
