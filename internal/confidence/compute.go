package confidence

import (
	"sort"
	"time"

	"github.com/sells-group/autopilot/internal/model"
)

// Compute scores signals with the default parameters.
func Compute(signals []model.Signal, now time.Time) model.Scores {
	return DefaultParams().Compute(signals, now)
}

// Compute derives the scorer-owned snapshot fields from signals as of now.
// Signals outside the trailing window are ignored. The result depends only on
// the signal set and now.
func (p Params) Compute(signals []model.Signal, now time.Time) model.Scores {
	p = p.withDefaults()
	window := windowed(signals, now, p.Window())

	var out model.Scores
	out.Rolling30Signals = []model.SignalKind{}
	total := len(window)
	out.TotalSignals = total
	if total == 0 {
		return out
	}

	var (
		responseSum   time.Duration
		responseCount int
		days          = make(map[string]struct{})
	)
	for _, s := range window {
		switch {
		case s.Kind.IsApproval():
			out.TotalApproved++
		case s.Kind == model.SignalRejected:
			out.TotalRejected++
		case s.Kind.IsUndo():
			out.TotalUndone++
		}
		if s.Kind == model.SignalApprovedEdited {
			out.ApprovedEdited++
		}
		if s.IsCleanApproval() {
			out.CleanApproved++
		}
		if s.TimeToRespond != nil {
			responseSum += *s.TimeToRespond
			responseCount++
		}
		days[s.CreatedAt.UTC().Format(time.DateOnly)] = struct{}{}
	}

	// window is newest first.
	last := window[0].CreatedAt
	first := window[total-1].CreatedAt
	out.LastSignalAt = &last
	out.FirstSignalAt = &first
	out.DaysActive = len(days)

	if responseCount > 0 {
		avg := responseSum / time.Duration(responseCount)
		out.AvgResponseTime = &avg
	}

	out.ApprovalRate = rate(out.TotalApproved, total)
	out.CleanApprovalRate = rate(out.CleanApproved, total)
	out.RejectionRate = rate(out.TotalRejected, total)
	out.UndoRate = rate(out.TotalUndone, total)
	out.EditRate = rate(out.ApprovedEdited, out.TotalApproved)

	out.Score = p.score(window, now)

	rolling := window
	if len(rolling) > p.RollingSize {
		rolling = rolling[:p.RollingSize]
	}
	out.Rolling30Score = p.score(rolling, now)
	out.Rolling30Signals = make([]model.SignalKind, len(rolling))
	for i, s := range rolling {
		out.Rolling30Signals[i] = s.Kind
	}

	out.PromotionEligible = out.Score > p.EligibleScore && total >= p.EligibleMinSignals
	return out
}

// score computes the decayed, sample-weighted composite score of signals.
func (p Params) score(signals []model.Signal, now time.Time) float64 {
	n := len(signals)
	if n == 0 {
		return 0
	}

	var weightedSum, weightTotal float64
	for _, s := range signals {
		w := Weight(s.Kind)
		tw := TimeWeight(s.CreatedAt, now, p.HalfLifeDays)
		weightedSum += w * tw
		if w < 0 {
			weightTotal += -w * tw
		} else {
			weightTotal += w * tw
		}
	}
	if weightTotal == 0 {
		return 0
	}

	raw := (weightedSum/weightTotal + 1) / 2
	sample := float64(n) / float64(p.FullSampleSize)
	if sample > 1 {
		sample = 1
	}
	return round3(clamp01(raw * sample))
}

// windowed returns the signals created within window of now, newest first.
// Ties on created_at are broken by id so the order is stable.
func windowed(signals []model.Signal, now time.Time, window time.Duration) []model.Signal {
	since := now.Add(-window)
	out := make([]model.Signal, 0, len(signals))
	for _, s := range signals {
		if s.CreatedAt.Before(since) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func rate(num, denom int) *float64 {
	if denom == 0 {
		return nil
	}
	r := float64(num) / float64(denom)
	return &r
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
