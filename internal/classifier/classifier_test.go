package classifier

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorgrid/engine/internal/config"
	"github.com/proctorgrid/engine/internal/signal"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestClassifier() *Classifier {
	return New(config.DefaultSessionConfig().SeverityTable, nil)
}

func event(sessionID string, typ signal.Type, at time.Time) *signal.Event {
	return &signal.Event{
		SessionID:  sessionID,
		StudentID:  "student_1",
		ExamID:     "exam_1",
		Type:       typ,
		Timestamp:  at,
		Confidence: 0.9,
	}
}

func TestClassify_SeverityTable(t *testing.T) {
	c := newTestClassifier()

	cases := []struct {
		typ  signal.Type
		want signal.Severity
	}{
		{signal.TypeLookingAway, signal.SeverityLow},
		{signal.TypeWindowBlur, signal.SeverityLow},
		{signal.TypeTabSwitch, signal.SeverityMedium},
		{signal.TypeFaceNotDetected, signal.SeverityMedium},
		{signal.TypeMultipleFaces, signal.SeverityHigh},
		{signal.TypePhoneDetected, signal.SeverityHigh},
		{signal.TypeCopyPaste, signal.SeverityHigh},
	}
	for i, tc := range cases {
		v := c.Classify(event("ses_1", tc.typ, t0.Add(time.Duration(i)*time.Second)))
		require.NotNil(t, v, "type %s", tc.typ)
		assert.Equal(t, tc.want, v.Severity, "type %s", tc.typ)
		assert.Equal(t, tc.typ, v.Type)
		assert.NotEmpty(t, v.ID)
		assert.NotEmpty(t, v.Description)
		assert.False(t, v.Acknowledged)
	}
}

func TestClassify_DuplicateReturnsNil(t *testing.T) {
	c := newTestClassifier()
	ev := event("ses_1", signal.TypeTabSwitch, t0)

	first := c.Classify(ev)
	require.NotNil(t, first)

	// Same (session, timestamp, type): redelivery, not a new observation.
	assert.Nil(t, c.Classify(ev))

	// Same type at a different time is a new violation.
	assert.NotNil(t, c.Classify(event("ses_1", signal.TypeTabSwitch, t0.Add(time.Second))))

	// Same key in a different session is independent.
	assert.NotNil(t, c.Classify(event("ses_2", signal.TypeTabSwitch, t0)))
}

func TestClassify_UnknownTypeDegradesToLow(t *testing.T) {
	c := newTestClassifier()

	v := c.Classify(event("ses_1", signal.Type("mind_reading"), t0))
	require.NotNil(t, v)
	assert.Equal(t, signal.SeverityLow, v.Severity)
	assert.Equal(t, signal.TypeUnknown, v.Type)
}

func TestClassify_DedupSetBounded(t *testing.T) {
	c := newTestClassifier()

	for i := 0; i < maxSeenPerSession+1; i++ {
		v := c.Classify(event("ses_1", signal.TypeWindowBlur, t0.Add(time.Duration(i)*time.Millisecond)))
		require.NotNil(t, v, "event %d", i)
	}

	// The oldest key was evicted, so its redelivery is classified again.
	assert.NotNil(t, c.Classify(event("ses_1", signal.TypeWindowBlur, t0)))
	// A recent key is still deduplicated.
	recent := t0.Add(time.Duration(maxSeenPerSession) * time.Millisecond)
	assert.Nil(t, c.Classify(event("ses_1", signal.TypeWindowBlur, recent)))
}

func TestSeverity_Lookup(t *testing.T) {
	c := newTestClassifier()
	assert.Equal(t, signal.SeverityHigh, c.Severity(signal.TypePhoneDetected))
	assert.Equal(t, signal.SeverityLow, c.Severity(signal.Type("nonsense")))
}

func TestForget_ReleasesDedupState(t *testing.T) {
	c := newTestClassifier()
	ev := event("ses_1", signal.TypeTabSwitch, t0)

	require.NotNil(t, c.Classify(ev))
	c.Forget("ses_1")
	assert.NotNil(t, c.Classify(ev))
}

func TestNew_FreezesTable(t *testing.T) {
	table := map[signal.Type]signal.Severity{
		signal.TypeTabSwitch: signal.SeverityMedium,
	}
	c := New(table, nil)

	// Mutating the caller's table after construction changes nothing.
	table[signal.TypeTabSwitch] = signal.SeverityHigh

	v := c.Classify(event("ses_1", signal.TypeTabSwitch, t0))
	require.NotNil(t, v)
	assert.Equal(t, signal.SeverityMedium, v.Severity)
}

func TestClassify_UniqueViolationIDs(t *testing.T) {
	c := newTestClassifier()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		v := c.Classify(event("ses_1", signal.TypeLookingAway, t0.Add(time.Duration(i)*time.Second)))
		require.NotNil(t, v)
		require.False(t, seen[v.ID], fmt.Sprintf("duplicate ID %s", v.ID))
		seen[v.ID] = true
	}
}
