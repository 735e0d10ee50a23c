// Package confidence records approval signals and computes the time-decayed
// confidence snapshot for each (user, action_type) pair.
package confidence

import (
	"math"
	"time"

	"github.com/sells-group/autopilot/internal/model"
)

// Params tunes the scorer. The zero value is not usable; start from
// DefaultParams.
type Params struct {
	WindowDays         int     `yaml:"window_days" mapstructure:"window_days"`
	HalfLifeDays       float64 `yaml:"half_life_days" mapstructure:"half_life_days"`
	RollingSize        int     `yaml:"rolling_size" mapstructure:"rolling_size"`
	FullSampleSize     int     `yaml:"full_sample_size" mapstructure:"full_sample_size"`
	EligibleScore      float64 `yaml:"eligible_score" mapstructure:"eligible_score"`
	EligibleMinSignals int     `yaml:"eligible_min_signals" mapstructure:"eligible_min_signals"`
}

// DefaultParams returns the production scoring constants.
func DefaultParams() Params {
	return Params{
		WindowDays:         90,
		HalfLifeDays:       30,
		RollingSize:        30,
		FullSampleSize:     10,
		EligibleScore:      0.7,
		EligibleMinSignals: 10,
	}
}

// withDefaults fills unset fields from DefaultParams.
func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.WindowDays <= 0 {
		p.WindowDays = d.WindowDays
	}
	if p.HalfLifeDays <= 0 {
		p.HalfLifeDays = d.HalfLifeDays
	}
	if p.RollingSize <= 0 {
		p.RollingSize = d.RollingSize
	}
	if p.FullSampleSize <= 0 {
		p.FullSampleSize = d.FullSampleSize
	}
	if p.EligibleScore <= 0 {
		p.EligibleScore = d.EligibleScore
	}
	if p.EligibleMinSignals <= 0 {
		p.EligibleMinSignals = d.EligibleMinSignals
	}
	return p
}

// Window returns the trailing window duration.
func (p Params) Window() time.Duration {
	return time.Duration(p.withDefaults().WindowDays) * 24 * time.Hour
}

// signalWeights is the contribution of each kind before decay.
var signalWeights = map[model.SignalKind]float64{
	model.SignalApproved:       1.0,
	model.SignalApprovedEdited: 0.3,
	model.SignalRejected:       -1.0,
	model.SignalExpired:        -0.2,
	model.SignalUndone:         -2.0,
	model.SignalAutoExecuted:   0.1,
	model.SignalAutoUndone:     -3.0,
}

// Weight returns the base weight of kind. Unknown kinds weigh 0.
func Weight(kind model.SignalKind) float64 {
	return signalWeights[kind]
}

// TimeWeight is the exponential decay factor for a signal created at
// createdAt: 0.5^(ageDays/halfLifeDays). Signals at or after now weigh 1.
func TimeWeight(createdAt, now time.Time, halfLifeDays float64) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays <= 0 {
		return 1
	}
	if halfLifeDays <= 0 {
		halfLifeDays = DefaultParams().HalfLifeDays
	}
	return math.Pow(0.5, ageDays/halfLifeDays)
}

// round3 rounds to 3 decimal places.
func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
