package model

import "github.com/rotisserie/eris"

// Tier is the autonomy level granted to a (user, action_type) pair.
type Tier string

const (
	TierDisabled Tier = "disabled"
	TierSuggest  Tier = "suggest"
	TierApprove  Tier = "approve"
	TierAuto     Tier = "auto"
)

// tierOrder is the promotion ladder, lowest first.
var tierOrder = []Tier{TierDisabled, TierSuggest, TierApprove, TierAuto}

// DefaultTier is the tier a snapshot starts at. A pair only produces signals
// once actions are being proposed, so new pairs begin at suggest.
const DefaultTier = TierSuggest

// ParseTier converts s into a Tier, rejecting unknown values.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if t.Rank() < 0 {
		return "", eris.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Rank returns the position of t on the ladder, or -1 if t is unknown.
func (t Tier) Rank() int {
	for i, known := range tierOrder {
		if t == known {
			return i
		}
	}
	return -1
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool { return t.Rank() >= 0 }

// Next returns the tier one step above t. ok is false at the top.
func (t Tier) Next() (next Tier, ok bool) {
	r := t.Rank()
	if r < 0 || r == len(tierOrder)-1 {
		return t, false
	}
	return tierOrder[r+1], true
}

// Prev returns the tier one step below t. ok is false at the bottom.
func (t Tier) Prev() (prev Tier, ok bool) {
	r := t.Rank()
	if r <= 0 {
		return t, false
	}
	return tierOrder[r-1], true
}

// Adjacent reports whether a and b are exactly one step apart.
func Adjacent(a, b Tier) bool {
	ra, rb := a.Rank(), b.Rank()
	if ra < 0 || rb < 0 {
		return false
	}
	d := ra - rb
	return d == 1 || d == -1
}
