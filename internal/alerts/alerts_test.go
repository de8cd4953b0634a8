package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func TestEvaluate_StrictlyBelowBoundary(t *testing.T) {
	th := DefaultThresholds()

	assert.Equal(t, LevelNone, Evaluate(100, th))
	assert.Equal(t, LevelNone, Evaluate(80, th)) // on the boundary is not below it
	assert.Equal(t, LevelWarning, Evaluate(79.9, th))
	assert.Equal(t, LevelWarning, Evaluate(50, th))
	assert.Equal(t, LevelCritical, Evaluate(49.9, th))
	assert.Equal(t, LevelCritical, Evaluate(0, th))
}

func TestTracker_EscalatesOnCrossing(t *testing.T) {
	tr := NewTracker("student_1", "exam_1", DefaultThresholds(), false, t0)

	// Above both thresholds: nothing.
	assert.Nil(t, tr.Update(95, t0.Add(time.Second)))

	tran := tr.Update(72, t0.Add(2*time.Second))
	require.NotNil(t, tran)
	assert.Equal(t, LevelNone, tran.From)
	assert.Equal(t, LevelWarning, tran.To)
	assert.False(t, tran.Resolved)

	// Still in warning: edge-triggered, no repeat.
	assert.Nil(t, tr.Update(65, t0.Add(3*time.Second)))
	assert.Nil(t, tr.Update(51, t0.Add(4*time.Second)))

	tran = tr.Update(42, t0.Add(5*time.Second))
	require.NotNil(t, tran)
	assert.Equal(t, LevelWarning, tran.From)
	assert.Equal(t, LevelCritical, tran.To)
}

func TestTracker_SkipsIntermediateLevel(t *testing.T) {
	tr := NewTracker("student_1", "exam_1", DefaultThresholds(), false, t0)

	// A burst can take the score straight past warning into critical.
	tran := tr.Update(30, t0.Add(time.Second))
	require.NotNil(t, tran)
	assert.Equal(t, LevelNone, tran.From)
	assert.Equal(t, LevelCritical, tran.To)
}

func TestTracker_ResolvedSuppressedByDefault(t *testing.T) {
	tr := NewTracker("student_1", "exam_1", DefaultThresholds(), false, t0)

	require.NotNil(t, tr.Update(42, t0.Add(time.Second)))

	// Recovery above the critical boundary: the level moves but no
	// notification is surfaced.
	assert.Nil(t, tr.Update(60, t0.Add(2*time.Second)))
	assert.Equal(t, LevelWarning, tr.State().Level)

	assert.Nil(t, tr.Update(85, t0.Add(3*time.Second)))
	assert.Equal(t, LevelNone, tr.State().Level)

	// The internal level kept up, so a fresh drop re-escalates.
	tran := tr.Update(70, t0.Add(4*time.Second))
	require.NotNil(t, tran)
	assert.Equal(t, LevelWarning, tran.To)
}

func TestTracker_ResolvedNotifications(t *testing.T) {
	tr := NewTracker("student_1", "exam_1", DefaultThresholds(), true, t0)

	require.NotNil(t, tr.Update(42, t0.Add(time.Second)))

	tran := tr.Update(60, t0.Add(2*time.Second))
	require.NotNil(t, tran)
	assert.Equal(t, LevelCritical, tran.From)
	assert.Equal(t, LevelWarning, tran.To)
	assert.True(t, tran.Resolved)

	tran = tr.Update(95, t0.Add(3*time.Second))
	require.NotNil(t, tran)
	assert.Equal(t, LevelNone, tran.To)
	assert.True(t, tran.Resolved)
}

func TestTracker_StateTracksEnteredAt(t *testing.T) {
	tr := NewTracker("student_1", "exam_1", DefaultThresholds(), false, t0)

	at := t0.Add(30 * time.Second)
	require.NotNil(t, tr.Update(75, at))

	st := tr.State()
	assert.Equal(t, LevelWarning, st.Level)
	assert.Equal(t, at, st.EnteredAt)
	assert.Equal(t, "student_1", st.StudentID)
	assert.Equal(t, "exam_1", st.ExamID)
}

func TestTracker_CustomThresholds(t *testing.T) {
	tr := NewTracker("student_1", "exam_1", Thresholds{WarningBelow: 90, CriticalBelow: 70}, false, t0)

	tran := tr.Update(85, t0.Add(time.Second))
	require.NotNil(t, tran)
	assert.Equal(t, LevelWarning, tran.To)

	tran = tr.Update(69.9, t0.Add(2*time.Second))
	require.NotNil(t, tran)
	assert.Equal(t, LevelCritical, tran.To)
}
