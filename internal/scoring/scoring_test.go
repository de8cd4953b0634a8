package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorgrid/engine/internal/signal"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func testParams() Params {
	return Params{
		DecayWeights: map[signal.Severity]float64{
			signal.SeverityLow:    2,
			signal.SeverityMedium: 5,
			signal.SeverityHigh:   10,
		},
		GraceWindow:       60 * time.Second,
		RecoveryPerSecond: 0.02,
	}
}

func newTestState() *State {
	return NewState("ses_1", "student_1", "exam_1", testParams(), t0)
}

func TestNewState_StartsAtCeiling(t *testing.T) {
	st := newTestState()

	assert.Equal(t, 100.0, st.Score())
	assert.Equal(t, 0, st.ViolationCount())
	assert.False(t, st.Frozen())

	hist := st.History()
	require.Len(t, hist, 1)
	assert.Equal(t, 100.0, hist[0].Score)
	assert.Equal(t, t0, hist[0].Timestamp)
}

func TestApply_SeverityWeights(t *testing.T) {
	st := newTestState()

	st.Apply(signal.SeverityLow, t0.Add(time.Second))
	assert.Equal(t, 98.0, st.Score())

	st.Apply(signal.SeverityMedium, t0.Add(2*time.Second))
	assert.Equal(t, 93.0, st.Score())

	st.Apply(signal.SeverityHigh, t0.Add(3*time.Second))
	assert.Equal(t, 83.0, st.Score())

	assert.Equal(t, 3, st.ViolationCount())
}

func TestApply_UnknownSeverityFallsBackToLow(t *testing.T) {
	st := newTestState()
	st.Apply(signal.Severity("bogus"), t0.Add(time.Second))
	assert.Equal(t, 98.0, st.Score())
}

func TestApply_ClampsAtFloor(t *testing.T) {
	st := newTestState()
	for i := 0; i < 15; i++ {
		st.Apply(signal.SeverityHigh, t0.Add(time.Duration(i)*time.Second))
	}
	assert.Equal(t, 0.0, st.Score())
	assert.Equal(t, 15, st.ViolationCount())
}

func TestTick_NoRecoveryDuringGraceWindow(t *testing.T) {
	st := newTestState()
	st.Apply(signal.SeverityMedium, t0)

	// Exactly at the grace boundary: not yet eligible.
	assert.False(t, st.Tick(t0.Add(60*time.Second)))
	assert.Equal(t, 95.0, st.Score())
}

func TestTick_RecoversAfterGraceWindow(t *testing.T) {
	st := newTestState()
	st.Apply(signal.SeverityMedium, t0)

	// 60s grace + 50s of recovery at 0.02/s = +1.0
	changed := st.Tick(t0.Add(110 * time.Second))
	assert.True(t, changed)
	assert.InDelta(t, 96.0, st.Score(), 1e-9)
}

func TestTick_RecoverySlowerThanDecay(t *testing.T) {
	p := testParams()
	// A full grace window of recovery credit must not cancel even the
	// smallest violation penalty.
	recovered := p.GraceWindow.Seconds() * p.RecoveryPerSecond
	assert.Less(t, recovered, p.DecayWeights[signal.SeverityLow])
}

func TestTick_ClampsAtCeiling(t *testing.T) {
	st := newTestState()
	st.Apply(signal.SeverityLow, t0) // 98

	// Hours later: recovery would overshoot, clamps at 100.
	st.Tick(t0.Add(3 * time.Hour))
	assert.Equal(t, 100.0, st.Score())

	// At the ceiling further ticks are no-ops.
	assert.False(t, st.Tick(t0.Add(4*time.Hour)))
}

func TestTick_IncrementalTicksMatchOneBigTick(t *testing.T) {
	a := newTestState()
	b := newTestState()
	a.Apply(signal.SeverityHigh, t0)
	b.Apply(signal.SeverityHigh, t0)

	// a ticks every 15s, b ticks once at the end.
	for ts := t0.Add(15 * time.Second); !ts.After(t0.Add(300 * time.Second)); ts = ts.Add(15 * time.Second) {
		a.Tick(ts)
	}
	b.Tick(t0.Add(300 * time.Second))

	assert.InDelta(t, b.Score(), a.Score(), 1e-9)
}

func TestApply_ResetsRecoveryWindow(t *testing.T) {
	st := newTestState()
	st.Apply(signal.SeverityMedium, t0) // 95

	// Recover a little, then violate again.
	st.Tick(t0.Add(100 * time.Second)) // +0.8 -> 95.8
	st.Apply(signal.SeverityLow, t0.Add(110*time.Second))
	assert.InDelta(t, 93.8, st.Score(), 1e-9)

	// Grace restarts from the new violation: no recovery 50s later.
	assert.False(t, st.Tick(t0.Add(160*time.Second)))
}

func TestFreeze_SuspendsRecovery(t *testing.T) {
	st := newTestState()
	st.Apply(signal.SeverityHigh, t0) // 90

	require.NoError(t, st.Freeze(t0.Add(10*time.Second)))
	assert.True(t, st.Frozen())

	// No recovery while frozen, no matter how long.
	assert.False(t, st.Tick(t0.Add(time.Hour)))
	assert.Equal(t, 90.0, st.Score())

	assert.ErrorIs(t, st.Freeze(t0.Add(time.Hour)), ErrFrozen)
}

func TestFreeze_CreditsEarnedRecoveryFirst(t *testing.T) {
	st := newTestState()
	st.Apply(signal.SeverityHigh, t0) // 90

	// Freeze 100s in: 40s past grace = +0.8 credited at freeze time.
	require.NoError(t, st.Freeze(t0.Add(100*time.Second)))
	assert.InDelta(t, 90.8, st.Score(), 1e-9)
}

func TestApply_WorksWhileFrozen(t *testing.T) {
	st := newTestState()
	require.NoError(t, st.Freeze(t0.Add(time.Second)))

	st.Apply(signal.SeverityHigh, t0.Add(2*time.Second))
	assert.Equal(t, 90.0, st.Score())
}

func TestResume_ExcisesDisconnectedGap(t *testing.T) {
	st := newTestState()
	st.Apply(signal.SeverityHigh, t0) // 90

	// 30s of quiet, then a 5 minute disconnect.
	require.NoError(t, st.Freeze(t0.Add(30*time.Second)))
	require.NoError(t, st.Resume(t0.Add(330*time.Second)))
	assert.False(t, st.Frozen())

	// The 30s of pre-gap quiet still counts toward grace: 30s more of
	// connected quiet completes the window, and 10s beyond it recovers.
	assert.False(t, st.Tick(t0.Add(360*time.Second)))
	changed := st.Tick(t0.Add(370 * time.Second))
	assert.True(t, changed)
	assert.InDelta(t, 90.2, st.Score(), 1e-9)
}

func TestResume_NotFrozen(t *testing.T) {
	st := newTestState()
	assert.ErrorIs(t, st.Resume(t0.Add(time.Second)), ErrNotFrozen)
}

func TestState_DeterministicTrajectory(t *testing.T) {
	run := func() []Sample {
		st := newTestState()
		st.Apply(signal.SeverityMedium, t0.Add(10*time.Second))
		st.Apply(signal.SeverityHigh, t0.Add(25*time.Second))
		st.Tick(t0.Add(120 * time.Second))
		_ = st.Freeze(t0.Add(200 * time.Second))
		_ = st.Resume(t0.Add(500 * time.Second))
		st.Apply(signal.SeverityLow, t0.Add(510*time.Second))
		st.Tick(t0.Add(700 * time.Second))
		return st.History()
	}

	assert.Equal(t, run(), run())
}

func TestHistory_SamplesRounded(t *testing.T) {
	st := newTestState()
	st.Apply(signal.SeverityHigh, t0)
	st.Tick(t0.Add(93 * time.Second)) // 33s * 0.02 = 0.66 -> 90.66

	hist := st.History()
	last := hist[len(hist)-1]
	assert.Equal(t, 90.7, last.Score)
}

func TestCategorize_Bands(t *testing.T) {
	cases := []struct {
		score float64
		want  Category
	}{
		{100, CategoryExcellent},
		{90, CategoryExcellent},
		{89.9, CategoryGood},
		{75, CategoryGood},
		{74.9, CategoryFair},
		{60, CategoryFair},
		{59.9, CategoryPoor},
		{40, CategoryPoor},
		{39.9, CategoryCritical},
		{0, CategoryCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Categorize(tc.score), "score %v", tc.score)
	}
}
