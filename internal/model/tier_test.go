package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierRank(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tier Tier
		want int
	}{
		{TierDisabled, 0},
		{TierSuggest, 1},
		{TierApprove, 2},
		{TierAuto, 3},
		{Tier("bogus"), -1},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.tier.Rank())
			assert.Equal(t, tt.want >= 0, tt.tier.Valid())
		})
	}
}

func TestTierNextPrev(t *testing.T) {
	t.Parallel()

	next, ok := TierSuggest.Next()
	assert.True(t, ok)
	assert.Equal(t, TierApprove, next)

	_, ok = TierAuto.Next()
	assert.False(t, ok)

	prev, ok := TierAuto.Prev()
	assert.True(t, ok)
	assert.Equal(t, TierApprove, prev)

	_, ok = TierDisabled.Prev()
	assert.False(t, ok)

	_, ok = Tier("bogus").Next()
	assert.False(t, ok)
}

func TestAdjacent(t *testing.T) {
	t.Parallel()

	assert.True(t, Adjacent(TierSuggest, TierApprove))
	assert.True(t, Adjacent(TierAuto, TierApprove))
	assert.False(t, Adjacent(TierSuggest, TierAuto))
	assert.False(t, Adjacent(TierSuggest, TierSuggest))
	assert.False(t, Adjacent(TierSuggest, Tier("x")))
}

func TestParseTier(t *testing.T) {
	t.Parallel()

	tier, err := ParseTier("approve")
	require.NoError(t, err)
	assert.Equal(t, TierApprove, tier)

	_, err = ParseTier("manual")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tier")
}

func TestThresholdKeyIsDemotion(t *testing.T) {
	t.Parallel()

	assert.False(t, ThresholdKey{ActionType: "x", FromTier: TierSuggest, ToTier: TierApprove}.IsDemotion())
	assert.True(t, ThresholdKey{ActionType: "x", FromTier: TierAuto, ToTier: TierApprove}.IsDemotion())
	assert.Equal(t, "x:suggest->approve", ThresholdKey{ActionType: "x", FromTier: TierSuggest, ToTier: TierApprove}.String())
}
