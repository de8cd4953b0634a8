package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorgrid/engine/internal/alerts"
	"github.com/proctorgrid/engine/internal/config"
	"github.com/proctorgrid/engine/internal/gateway"
	"github.com/proctorgrid/engine/internal/history"
	"github.com/proctorgrid/engine/internal/realtime"
	"github.com/proctorgrid/engine/internal/session"
	"github.com/proctorgrid/engine/internal/signal"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type captureHub struct {
	mu     sync.Mutex
	events []*realtime.Event
}

func (h *captureHub) Broadcast(e *realtime.Event) {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
}

func (h *captureHub) byType(t realtime.EventType) []*realtime.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*realtime.Event
	for _, e := range h.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *fakeClock, *captureHub, *history.MemoryStore) {
	t.Helper()
	clock := &fakeClock{t: t0}
	hub := &captureHub{}
	store := history.NewMemoryStore(500)
	appCfg := &config.Config{
		Env:                  "development",
		ReconnectMaxRetries:  8,
		RecoveryTickInterval: 15 * time.Second,
		DisconnectTimeout:    5 * time.Minute,
		HistoryRetention:     500,
	}
	e := New(appCfg, store, WithBroadcaster(hub), WithClock(clock.Now))
	return e, clock, hub, store
}

func evt(sessionID string, typ signal.Type, at time.Time) *signal.Event {
	return &signal.Event{
		SessionID: sessionID,
		StudentID: "stu_1",
		ExamID:    "exam_1",
		Type:      typ,
		Timestamp: at,
	}
}

func startActive(t *testing.T, e *Engine, sessionID string) {
	t.Helper()
	ctx := context.Background()
	_, err := e.StartSession(ctx, StartRequest{SessionID: sessionID, StudentID: "stu_1", ExamID: "exam_1"})
	require.NoError(t, err)
	require.NoError(t, e.Activate(ctx, sessionID))
}

func TestEngine_StartSession(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	sess, err := e.StartSession(ctx, StartRequest{SessionID: "ses_1", StudentID: "stu_1", ExamID: "exam_1"})
	require.NoError(t, err)
	assert.Equal(t, "ses_1", sess.ID)
	assert.Equal(t, session.StatusNotStarted, sess.Status)

	_, err = e.StartSession(ctx, StartRequest{SessionID: "ses_1", StudentID: "stu_1", ExamID: "exam_1"})
	assert.ErrorIs(t, err, session.ErrAlreadyExists)
}

func TestEngine_StartSession_GeneratesID(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	sess, err := e.StartSession(context.Background(), StartRequest{StudentID: "stu_1", ExamID: "exam_1"})
	require.NoError(t, err)
	assert.Regexp(t, `^ses_[0-9a-f]{24}$`, sess.ID)
}

func TestEngine_StartSession_RejectsInvalidConfig(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	bad := config.DefaultSessionConfig()
	bad.CriticalBelow = 95 // above warning
	_, err := e.StartSession(context.Background(), StartRequest{
		SessionID: "ses_1", StudentID: "stu_1", ExamID: "exam_1", Config: &bad,
	})
	assert.Error(t, err)

	_, err = e.GetSession("ses_1")
	assert.ErrorIs(t, err, ErrSessionNotFound, "rejected session must not be registered")
}

func TestEngine_ActivateOpensScoreAndHistory(t *testing.T) {
	e, _, _, store := newTestEngine(t)
	startActive(t, e, "ses_1")

	view, err := e.GetScore("ses_1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, view.Score)
	assert.False(t, view.Frozen)

	entries, err := store.List(context.Background(), "ses_1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, history.EntryStatus, entries[0].Type)
	assert.Equal(t, history.StatusStarted, entries[0].Detail)
}

func TestEngine_HandleEventDropsScore(t *testing.T) {
	e, _, hub, store := newTestEngine(t)
	startActive(t, e, "ses_1")
	ctx := context.Background()

	e.HandleEvent(ctx, evt("ses_1", signal.TypeTabSwitch, t0.Add(time.Second)))

	view, err := e.GetScore("ses_1")
	require.NoError(t, err)
	assert.Equal(t, 95.0, view.Score, "medium severity costs 5 points")
	assert.Equal(t, 1, view.ViolationCount)

	violations, err := e.GetViolations("ses_1")
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, signal.TypeTabSwitch, violations[0].Type)
	assert.Equal(t, signal.SeverityMedium, violations[0].Severity)

	entries, err := store.List(ctx, "ses_1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, history.EntryViolation, entries[1].Type)
	assert.Equal(t, 95.0, entries[1].Score)

	assert.Len(t, hub.byType(realtime.EventViolation), 1)
	assert.NotEmpty(t, hub.byType(realtime.EventScoreUpdate))
}

func TestEngine_HandleEventAutoStartsSession(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	e.HandleEvent(ctx, evt("ses_new", signal.TypePhoneDetected, t0.Add(time.Second)))

	sess, err := e.GetSession("ses_new")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, sess.Status)
	assert.Equal(t, "stu_1", sess.StudentID)

	view, err := e.GetScore("ses_new")
	require.NoError(t, err)
	assert.Equal(t, 90.0, view.Score)
}

func TestEngine_DuplicateEventIgnored(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	startActive(t, e, "ses_1")
	ctx := context.Background()

	event := evt("ses_1", signal.TypeTabSwitch, t0.Add(time.Second))
	e.HandleEvent(ctx, event)
	e.HandleEvent(ctx, event)

	view, err := e.GetScore("ses_1")
	require.NoError(t, err)
	assert.Equal(t, 95.0, view.Score, "duplicate must not be double-counted")
	assert.Equal(t, 1, view.ViolationCount)
}

func TestEngine_DisabledTypeDropped(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	cfg := config.DefaultSessionConfig()
	cfg.EnabledTypes = []signal.Type{signal.TypePhoneDetected}
	_, err := e.StartSession(ctx, StartRequest{SessionID: "ses_1", StudentID: "stu_1", ExamID: "exam_1", Config: &cfg})
	require.NoError(t, err)
	require.NoError(t, e.Activate(ctx, "ses_1"))

	e.HandleEvent(ctx, evt("ses_1", signal.TypeTabSwitch, t0.Add(time.Second)))
	view, err := e.GetScore("ses_1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, view.Score)

	e.HandleEvent(ctx, evt("ses_1", signal.TypePhoneDetected, t0.Add(2*time.Second)))
	view, err = e.GetScore("ses_1")
	require.NoError(t, err)
	assert.Equal(t, 90.0, view.Score)
}

func TestEngine_AlertTransitions(t *testing.T) {
	e, _, hub, store := newTestEngine(t)
	startActive(t, e, "ses_1")
	ctx := context.Background()

	// Three high-severity violations: 100 -> 90 -> 80 -> 70. Crossing below
	// 80 must fire exactly one warning transition.
	for i := 1; i <= 3; i++ {
		e.HandleEvent(ctx, evt("ses_1", signal.TypePhoneDetected, t0.Add(time.Duration(i)*time.Second)))
	}

	state, err := e.GetAlertState("ses_1")
	require.NoError(t, err)
	assert.Equal(t, alerts.LevelWarning, state.Level)

	alertEvents := hub.byType(realtime.EventAlert)
	require.Len(t, alertEvents, 1)
	transition := alertEvents[0].Data.(*alerts.Transition)
	assert.Equal(t, alerts.LevelNone, transition.From)
	assert.Equal(t, alerts.LevelWarning, transition.To)

	// Three more: 60 -> 50 -> 40. Crossing below 50 fires critical once.
	for i := 4; i <= 6; i++ {
		e.HandleEvent(ctx, evt("ses_1", signal.TypePhoneDetected, t0.Add(time.Duration(i)*time.Second)))
	}

	state, err = e.GetAlertState("ses_1")
	require.NoError(t, err)
	assert.Equal(t, alerts.LevelCritical, state.Level)
	assert.Len(t, hub.byType(realtime.EventAlert), 2)

	var alertEntries int
	entries, err := store.List(ctx, "ses_1", 0)
	require.NoError(t, err)
	for _, entry := range entries {
		if entry.Type == history.EntryAlert {
			alertEntries++
		}
	}
	assert.Equal(t, 2, alertEntries)
}

func TestEngine_DisconnectFreezesScore(t *testing.T) {
	e, clock, _, store := newTestEngine(t)
	startActive(t, e, "ses_1")
	ctx := context.Background()

	e.HandleEvent(ctx, evt("ses_1", signal.TypeTabSwitch, t0.Add(time.Second)))

	clock.Set(t0.Add(10 * time.Second))
	require.NoError(t, e.MarkDisconnected(ctx, "ses_1"))

	sess, err := e.GetSession("ses_1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusDisconnected, sess.Status)

	view, err := e.GetScore("ses_1")
	require.NoError(t, err)
	assert.True(t, view.Frozen)
	assert.Equal(t, 95.0, view.Score)

	// A long gap passes while disconnected; on resume no recovery has
	// accrued and none is owed for the gap.
	clock.Set(t0.Add(30 * time.Minute))
	require.NoError(t, e.Activate(ctx, "ses_1"))

	view, err = e.GetScore("ses_1")
	require.NoError(t, err)
	assert.False(t, view.Frozen)
	assert.Equal(t, 95.0, view.Score, "gap time is excised, not credited")

	entries, err := store.List(ctx, "ses_1", 0)
	require.NoError(t, err)
	var details []string
	for _, entry := range entries {
		if entry.Type == history.EntryStatus {
			details = append(details, entry.Detail)
		}
	}
	assert.Equal(t, []string{history.StatusStarted, history.StatusDisconnected, history.StatusReconnected}, details)
}

func TestEngine_CompleteSession(t *testing.T) {
	e, clock, _, store := newTestEngine(t)
	startActive(t, e, "ses_1")
	ctx := context.Background()

	e.HandleEvent(ctx, evt("ses_1", signal.TypePhoneDetected, t0.Add(time.Second)))

	clock.Set(t0.Add(time.Minute))
	require.NoError(t, e.CompleteSession(ctx, "ses_1", "submitted"))

	sess, err := e.GetSession("ses_1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Equal(t, "submitted", sess.CompleteReason)

	// Score stays queryable after completion.
	view, err := e.GetScore("ses_1")
	require.NoError(t, err)
	assert.Equal(t, 90.0, view.Score)
	assert.True(t, view.Frozen)

	entries, err := store.List(ctx, "ses_1", 0)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, history.EntryStatus, last.Type)
	assert.Equal(t, history.StatusCompleted, last.Detail)

	err = e.CompleteSession(ctx, "ses_1", "submitted")
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
}

func TestEngine_CompleteTimedOut(t *testing.T) {
	e, clock, _, _ := newTestEngine(t)
	startActive(t, e, "ses_1")
	ctx := context.Background()

	clock.Set(t0.Add(time.Minute))
	require.NoError(t, e.MarkDisconnected(ctx, "ses_1"))

	clock.Set(t0.Add(10 * time.Minute))
	require.NoError(t, e.CompleteTimedOut(ctx, "ses_1"))

	sess, err := e.GetSession("ses_1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Equal(t, "disconnect_timeout", sess.CompleteReason)
}

func TestEngine_RecoveryTick(t *testing.T) {
	e, clock, _, store := newTestEngine(t)
	startActive(t, e, "ses_1")
	ctx := context.Background()

	e.HandleEvent(ctx, evt("ses_1", signal.TypeTabSwitch, t0.Add(time.Second)))

	// Within the grace window nothing recovers, and no entry is written.
	clock.Set(t0.Add(30 * time.Second))
	e.recoveryTick(ctx)
	view, err := e.GetScore("ses_1")
	require.NoError(t, err)
	assert.Equal(t, 95.0, view.Score)

	// 61s past the violation: 50s beyond grace at 0.02/s = +1.0.
	clock.Set(t0.Add(111 * time.Second))
	e.recoveryTick(ctx)
	view, err = e.GetScore("ses_1")
	require.NoError(t, err)
	assert.Equal(t, 96.0, view.Score)

	entries, err := store.List(ctx, "ses_1", 0)
	require.NoError(t, err)
	var scoreEntries int
	for _, entry := range entries {
		if entry.Type == history.EntryScore {
			scoreEntries++
		}
	}
	assert.Equal(t, 1, scoreEntries, "no-op ticks must not be recorded")
}

func TestEngine_AcknowledgeViolation(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	startActive(t, e, "ses_1")
	ctx := context.Background()

	e.HandleEvent(ctx, evt("ses_1", signal.TypeTabSwitch, t0.Add(time.Second)))

	violations, err := e.GetViolations("ses_1")
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.False(t, violations[0].Acknowledged)

	require.NoError(t, e.AcknowledgeViolation("ses_1", violations[0].ID))

	violations, err = e.GetViolations("ses_1")
	require.NoError(t, err)
	assert.True(t, violations[0].Acknowledged)

	assert.ErrorIs(t, e.AcknowledgeViolation("ses_1", "vio_nope"), ErrViolationUnknown)
	assert.ErrorIs(t, e.AcknowledgeViolation("ses_nope", "vio_1"), ErrSessionNotFound)
}

func TestEngine_HandleGatewayStatus(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := e.StartSession(ctx, StartRequest{SessionID: "ses_1", StudentID: "stu_1", ExamID: "exam_1"})
	require.NoError(t, err)

	e.HandleGatewayStatus("ses_1", gateway.StatusConnected)
	sess, err := e.GetSession("ses_1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, sess.Status)

	e.HandleGatewayStatus("ses_1", gateway.StatusDisconnected)
	sess, err = e.GetSession("ses_1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusDisconnected, sess.Status)

	e.HandleGatewayStatus("ses_1", gateway.StatusConnected)
	sess, err = e.GetSession("ses_1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, sess.Status)

	// Repeated disconnect reports are ignored, not errors.
	e.HandleGatewayStatus("ses_1", gateway.StatusDisconnected)
	e.HandleGatewayStatus("ses_1", gateway.StatusError)
}

func TestEngine_ExamAggregate(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	startActive(t, e, "ses_1")
	startActive(t, e, "ses_2")
	e.HandleEvent(ctx, evt("ses_1", signal.TypePhoneDetected, t0.Add(time.Second)))

	agg, err := e.GetExamAggregate(ctx, "exam_1")
	require.NoError(t, err)
	assert.Equal(t, 2, agg.Total)
	assert.Equal(t, 2, agg.ByStatus[session.StatusActive])
	assert.Equal(t, 95.0, agg.AverageScore, "(90+100)/2")
	assert.Equal(t, 1, agg.ViolationsByType[signal.TypePhoneDetected])
}

func TestEngine_SeverityLookup(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	cfg := config.DefaultSessionConfig()
	cfg.SeverityTable[signal.TypeTabSwitch] = signal.SeverityHigh
	_, err := e.StartSession(ctx, StartRequest{SessionID: "ses_1", StudentID: "stu_1", ExamID: "exam_1", Config: &cfg})
	require.NoError(t, err)

	lookup := e.SeverityLookup("ses_1")
	assert.Equal(t, signal.SeverityHigh, lookup(signal.TypeTabSwitch))
	assert.Equal(t, signal.SeverityHigh, lookup(signal.TypePhoneDetected))

	// Unknown sessions fall back to the default table.
	fallback := e.SeverityLookup("ses_unknown")
	assert.Equal(t, signal.SeverityMedium, fallback(signal.TypeTabSwitch))
	assert.Equal(t, signal.SeverityLow, fallback(signal.Type("mystery")))
}

func TestEngine_ExportReplayMatchesLive(t *testing.T) {
	e, clock, _, _ := newTestEngine(t)
	startActive(t, e, "ses_1")
	ctx := context.Background()

	e.HandleEvent(ctx, evt("ses_1", signal.TypePhoneDetected, t0.Add(10*time.Second)))
	e.HandleEvent(ctx, evt("ses_1", signal.TypeTabSwitch, t0.Add(20*time.Second)))

	clock.Set(t0.Add(2 * time.Minute))
	e.recoveryTick(ctx)

	clock.Set(t0.Add(3 * time.Minute))
	require.NoError(t, e.MarkDisconnected(ctx, "ses_1"))
	clock.Set(t0.Add(8 * time.Minute))
	require.NoError(t, e.Activate(ctx, "ses_1"))

	clock.Set(t0.Add(10 * time.Minute))
	e.recoveryTick(ctx)

	export, err := e.ExportSession(ctx, "ses_1")
	require.NoError(t, err)
	require.NotEmpty(t, export.Entries)

	samples, err := history.Replay(export.Entries, scoringParams(config.DefaultSessionConfig()))
	require.NoError(t, err)
	require.NotEmpty(t, samples)

	live, err := e.GetScoreHistory("ses_1")
	require.NoError(t, err)
	require.Equal(t, len(live), len(samples))
	for i := range live {
		assert.True(t, live[i].Timestamp.Equal(samples[i].Timestamp), "sample %d timestamp", i)
		assert.Equal(t, live[i].Score, samples[i].Score, "sample %d score", i)
	}

	view, err := e.GetScore("ses_1")
	require.NoError(t, err)
	assert.Equal(t, view.Score, samples[len(samples)-1].Score)
}

func TestEngine_QueriesUnknownSession(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	_, err := e.GetScore("ses_nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = e.GetScoreHistory("ses_nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = e.GetAlertState("ses_nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = e.GetViolations("ses_nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = e.GetSession("ses_nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = e.GetHistory(context.Background(), "ses_nope", 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
