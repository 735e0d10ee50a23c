package confidence

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/autopilot/internal/model"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func sig(kind model.SignalKind, age time.Duration) model.Signal {
	return model.Signal{
		UserID:     "u1",
		OrgID:      "o1",
		ActionType: "send_email",
		Kind:       kind,
		CreatedAt:  testNow.Add(-age),
	}
}

func repeat(kind model.SignalKind, n int, spacing time.Duration) []model.Signal {
	out := make([]model.Signal, n)
	for i := range out {
		out[i] = sig(kind, time.Duration(i)*spacing)
		out[i].ID = fmt.Sprintf("s%03d", i)
	}
	return out
}

func TestCompute_Empty(t *testing.T) {
	got := Compute(nil, testNow)

	assert.Equal(t, 0.0, got.Score)
	assert.Equal(t, 0, got.TotalSignals)
	assert.Nil(t, got.ApprovalRate)
	assert.Nil(t, got.CleanApprovalRate)
	assert.Nil(t, got.EditRate)
	assert.Nil(t, got.RejectionRate)
	assert.Nil(t, got.UndoRate)
	assert.Nil(t, got.FirstSignalAt)
	assert.Empty(t, got.Rolling30Signals)
	assert.False(t, got.PromotionEligible)
}

func TestCompute_ScenarioA_TwelveApprovals(t *testing.T) {
	// 12 approvals spread over the last 5 days.
	signals := repeat(model.SignalApproved, 12, 10*time.Hour)

	got := Compute(signals, testNow)

	assert.Equal(t, 12, got.TotalSignals)
	assert.Equal(t, 12, got.TotalApproved)
	assert.Greater(t, got.Score, 0.7)
	assert.Equal(t, 1.0, got.Score)
	assert.True(t, got.PromotionEligible)
	require.NotNil(t, got.ApprovalRate)
	assert.Equal(t, 1.0, *got.ApprovalRate)
	require.NotNil(t, got.EditRate)
	assert.Equal(t, 0.0, *got.EditRate)
}

func TestCompute_ScenarioB_FiveRejections(t *testing.T) {
	signals := repeat(model.SignalRejected, 5, time.Hour)

	got := Compute(signals, testNow)

	require.NotNil(t, got.ApprovalRate)
	require.NotNil(t, got.RejectionRate)
	assert.Equal(t, 0.0, *got.ApprovalRate)
	assert.Equal(t, 1.0, *got.RejectionRate)
	assert.Equal(t, 0.0, got.Score)
	assert.Nil(t, got.EditRate)
	assert.False(t, got.PromotionEligible)
}

func TestCompute_Deterministic(t *testing.T) {
	signals := []model.Signal{
		sig(model.SignalApproved, time.Hour),
		sig(model.SignalRejected, 2*time.Hour),
		sig(model.SignalApprovedEdited, 30*time.Hour),
		sig(model.SignalUndone, 10*24*time.Hour),
		sig(model.SignalAutoExecuted, 40*24*time.Hour),
	}
	reversed := make([]model.Signal, len(signals))
	for i, s := range signals {
		reversed[len(signals)-1-i] = s
	}

	first := Compute(signals, testNow)
	second := Compute(reversed, testNow)
	assert.Equal(t, first, second)
}

func TestCompute_Idempotent(t *testing.T) {
	signals := repeat(model.SignalApproved, 7, 24*time.Hour)
	signals = append(signals, sig(model.SignalExpired, 3*time.Hour))

	a := Compute(signals, testNow)
	b := Compute(signals, testNow)
	assert.Equal(t, a, b)
}

func TestCompute_SampleFactorMonotonic(t *testing.T) {
	prev := -1.0
	var atTen float64
	for n := 1; n <= 15; n++ {
		// Fixed 3:1 approve:reject mix, all created at the same instant.
		var signals []model.Signal
		for i := 0; i < n; i++ {
			kind := model.SignalApproved
			if i%4 == 3 {
				kind = model.SignalRejected
			}
			s := sig(kind, time.Hour)
			s.ID = fmt.Sprintf("s%02d", i)
			signals = append(signals, s)
		}
		got := Compute(signals, testNow)
		if n%4 == 0 {
			assert.GreaterOrEqual(t, got.Score, prev, "n=%d", n)
			prev = got.Score
		}
	}

	// With an all-approve mix the score is capped by the sample factor below
	// 10 signals and constant at and above it.
	for n := 1; n <= 15; n++ {
		got := Compute(repeat(model.SignalApproved, n, 0), testNow)
		want := float64(n) / 10
		if want > 1 {
			want = 1
		}
		assert.InDelta(t, want, got.Score, 1e-9, "n=%d", n)
		if n == 10 {
			atTen = got.Score
		}
		if n > 10 {
			assert.Equal(t, atTen, got.Score)
		}
	}
}

func TestCompute_WindowExcludesOldSignals(t *testing.T) {
	signals := []model.Signal{
		sig(model.SignalApproved, time.Hour),
		sig(model.SignalRejected, 91*24*time.Hour),
	}

	got := Compute(signals, testNow)
	assert.Equal(t, 1, got.TotalSignals)
	assert.Equal(t, 0, got.TotalRejected)
}

func TestCompute_Counters(t *testing.T) {
	fast := 2 * time.Second
	slow := 10 * time.Second
	stamp := sig(model.SignalApproved, time.Hour)
	stamp.RubberStamp = true
	stamp.TimeToRespond = &fast
	timed := sig(model.SignalApproved, 2*time.Hour)
	timed.TimeToRespond = &slow

	signals := []model.Signal{
		stamp,
		timed,
		sig(model.SignalApprovedEdited, 26*time.Hour),
		sig(model.SignalRejected, 50*time.Hour),
		sig(model.SignalUndone, 3*time.Hour),
		sig(model.SignalAutoUndone, 4*time.Hour),
		sig(model.SignalExpired, 5*time.Hour),
		sig(model.SignalAutoExecuted, 6*time.Hour),
	}

	got := Compute(signals, testNow)

	assert.Equal(t, 8, got.TotalSignals)
	assert.Equal(t, 3, got.TotalApproved)
	assert.Equal(t, 1, got.TotalRejected)
	assert.Equal(t, 2, got.TotalUndone)
	assert.Equal(t, 1, got.ApprovedEdited)
	assert.Equal(t, 1, got.CleanApproved)
	assert.InDelta(t, 3.0/8, *got.ApprovalRate, 1e-9)
	assert.InDelta(t, 1.0/8, *got.CleanApprovalRate, 1e-9)
	assert.InDelta(t, 1.0/3, *got.EditRate, 1e-9)
	assert.InDelta(t, 2.0/8, *got.UndoRate, 1e-9)
	require.NotNil(t, got.AvgResponseTime)
	assert.Equal(t, 6*time.Second, *got.AvgResponseTime)
	assert.Equal(t, 3, got.DaysActive)
	assert.Equal(t, testNow.Add(-time.Hour), *got.LastSignalAt)
	assert.Equal(t, testNow.Add(-50*time.Hour), *got.FirstSignalAt)
	assert.Equal(t, model.SignalApproved, got.Rolling30Signals[0])
}

func TestCompute_Rolling30UsesNewest(t *testing.T) {
	// 30 recent approvals, then 20 older rejections.
	var signals []model.Signal
	for i := 0; i < 30; i++ {
		s := sig(model.SignalApproved, time.Duration(i)*time.Hour)
		s.ID = fmt.Sprintf("a%02d", i)
		signals = append(signals, s)
	}
	for i := 0; i < 20; i++ {
		s := sig(model.SignalRejected, time.Duration(40+i)*24*time.Hour)
		s.ID = fmt.Sprintf("r%02d", i)
		signals = append(signals, s)
	}

	got := Compute(signals, testNow)

	assert.Len(t, got.Rolling30Signals, 30)
	for _, k := range got.Rolling30Signals {
		assert.Equal(t, model.SignalApproved, k)
	}
	assert.Equal(t, 1.0, got.Rolling30Score)
	assert.Less(t, got.Score, got.Rolling30Score)
}

func TestCompute_ScoreRounded(t *testing.T) {
	signals := []model.Signal{
		sig(model.SignalApproved, 0),
		sig(model.SignalApprovedEdited, 7*24*time.Hour),
		sig(model.SignalExpired, 3*24*time.Hour),
	}
	got := Compute(signals, testNow)
	assert.Equal(t, round3(got.Score), got.Score)
	assert.GreaterOrEqual(t, got.Score, 0.0)
	assert.LessOrEqual(t, got.Score, 1.0)
}

func TestTimeWeight_StrictlyDecreasing(t *testing.T) {
	prev := 2.0
	for days := 0; days <= 120; days += 5 {
		w := TimeWeight(testNow.Add(-time.Duration(days)*24*time.Hour), testNow, 30)
		assert.Less(t, w, prev, "days=%d", days)
		prev = w
	}
	assert.InDelta(t, 0.5, TimeWeight(testNow.Add(-30*24*time.Hour), testNow, 30), 1e-9)
	assert.Equal(t, 1.0, TimeWeight(testNow.Add(time.Hour), testNow, 30))
}

func TestDecay_OlderSignalContributesLess(t *testing.T) {
	for _, kind := range model.SignalKinds {
		w := Weight(kind)
		today := w * TimeWeight(testNow, testNow, 30)
		old := w * TimeWeight(testNow.Add(-20*24*time.Hour), testNow, 30)
		if w == 0 {
			continue
		}
		assert.Less(t, abs(old), abs(today), string(kind))
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestWeight_Unknown(t *testing.T) {
	assert.Equal(t, 0.0, Weight(model.SignalKind("mystery")))
	assert.Equal(t, -3.0, Weight(model.SignalAutoUndone))
}

func TestParams_WithDefaults(t *testing.T) {
	p := Params{WindowDays: 30}.withDefaults()
	assert.Equal(t, 30, p.WindowDays)
	assert.Equal(t, 30.0, p.HalfLifeDays)
	assert.Equal(t, 10, p.FullSampleSize)
	assert.Equal(t, 30*24*time.Hour, p.Window())
}
