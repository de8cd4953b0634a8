// Package engine wires the proctoring pipeline together: gateway events
// flow through the classifier into the score calculator and alert
// evaluator, everything is recorded in the history store, and the session
// registry tracks lifecycle. The engine also exposes the read-only query
// surface consumed by dashboards.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/proctorgrid/engine/internal/alerts"
	"github.com/proctorgrid/engine/internal/classifier"
	"github.com/proctorgrid/engine/internal/config"
	"github.com/proctorgrid/engine/internal/gateway"
	"github.com/proctorgrid/engine/internal/history"
	"github.com/proctorgrid/engine/internal/idgen"
	"github.com/proctorgrid/engine/internal/metrics"
	"github.com/proctorgrid/engine/internal/realtime"
	"github.com/proctorgrid/engine/internal/scoring"
	"github.com/proctorgrid/engine/internal/session"
	"github.com/proctorgrid/engine/internal/signal"
	"github.com/proctorgrid/engine/internal/syncutil"
)

var (
	ErrSessionNotFound  = errors.New("engine: session not found")
	ErrViolationUnknown = errors.New("engine: violation not found")
)

// Broadcaster pushes live events to dashboard clients.
type Broadcaster interface {
	Broadcast(event *realtime.Event)
}

// sessionRuntime is the per-session machinery, created at activation with a
// frozen configuration.
type sessionRuntime struct {
	cfg        config.SessionConfig
	classifier *classifier.Classifier
	tracker    *alerts.Tracker
	violations []*classifier.Violation // append-only; only Acknowledged mutates
}

// Engine is the proctoring trust engine.
type Engine struct {
	appCfg *config.Config

	sessions *session.Registry
	scores   *scoring.Calculator
	store    history.Store
	hub      Broadcaster
	logger   *slog.Logger

	// One logical writer per session key: every mutation of a session's
	// score, alert, or runtime state happens under its shard lock.
	locks syncutil.ShardedMutex

	mu       sync.RWMutex
	runtimes map[string]*sessionRuntime

	now func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithBroadcaster wires the realtime hub.
func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) { e.hub = b }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the engine clock (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine backed by the given history store.
func New(appCfg *config.Config, store history.Store, opts ...Option) *Engine {
	e := &Engine{
		appCfg:   appCfg,
		sessions: session.NewRegistry(),
		scores:   scoring.NewCalculator(),
		store:    store,
		logger:   slog.Default(),
		runtimes: make(map[string]*sessionRuntime),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry exposes the session registry (read paths and the sweeper).
func (e *Engine) Registry() *session.Registry { return e.sessions }

// -----------------------------------------------------------------------------
// Session lifecycle
// -----------------------------------------------------------------------------

// StartRequest describes a new session. Config is frozen for the session's
// lifetime; nil means defaults.
type StartRequest struct {
	SessionID string
	StudentID string
	ExamID    string
	Config    *config.SessionConfig
}

// StartSession registers a session in the not_started state with a frozen,
// validated configuration. Invalid configuration is rejected here, before
// the session can run.
func (e *Engine) StartSession(ctx context.Context, req StartRequest) (*session.Session, error) {
	cfg := config.DefaultSessionConfig()
	if req.Config != nil {
		cfg = *req.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid session config: %w", err)
	}

	id := req.SessionID
	if id == "" {
		id = idgen.WithPrefix("ses_")
	}

	sess, err := e.sessions.Create(id, req.StudentID, req.ExamID, e.now())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.runtimes[id] = &sessionRuntime{
		cfg:        cfg,
		classifier: classifier.New(cfg.SeverityTable, e.logger),
	}
	e.mu.Unlock()

	e.logger.Info("session registered",
		"session_id", id,
		"student_id", req.StudentID,
		"exam_id", req.ExamID,
	)
	return sess, nil
}

// Activate moves a session to active. From not_started this creates the
// score state and opens the history log; from disconnected it resumes
// recovery accounting with the gap excised.
func (e *Engine) Activate(ctx context.Context, sessionID string) error {
	unlock := e.locks.Lock(sessionID)
	defer unlock()

	rt, err := e.runtime(sessionID)
	if err != nil {
		return err
	}
	now := e.now()

	prev, err := e.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	sess, err := e.sessions.Start(sessionID, now)
	if err != nil {
		return err
	}

	switch prev.Status {
	case session.StatusNotStarted:
		st, err := e.scores.Create(sessionID, sess.StudentID, sess.ExamID, scoringParams(rt.cfg), now)
		if err != nil {
			return err
		}
		rt.tracker = alerts.NewTracker(sess.StudentID, sess.ExamID,
			alerts.Thresholds{WarningBelow: rt.cfg.WarningBelow, CriticalBelow: rt.cfg.CriticalBelow},
			rt.cfg.NotifyResolved, now)

		e.append(ctx, &history.Entry{
			ID:        idgen.WithPrefix("evt_"),
			SessionID: sessionID,
			Type:      history.EntryStatus,
			Timestamp: now,
			Score:     st.Score(),
			Detail:    history.StatusStarted,
		})
		metrics.ActiveSessions.Inc()

	case session.StatusDisconnected:
		st, err := e.scores.Get(sessionID)
		if err != nil {
			return err
		}
		if err := st.Resume(now); err != nil {
			return err
		}
		e.append(ctx, &history.Entry{
			ID:        idgen.WithPrefix("evt_"),
			SessionID: sessionID,
			Type:      history.EntryStatus,
			Timestamp: now,
			Score:     st.Score(),
			Detail:    history.StatusReconnected,
		})
		metrics.ActiveSessions.Inc()
	}

	e.broadcastStatus(sess)
	return nil
}

// MarkDisconnected records gateway loss for a session: status moves to
// disconnected and the score freezes (no decay, no recovery) until resume.
func (e *Engine) MarkDisconnected(ctx context.Context, sessionID string) error {
	unlock := e.locks.Lock(sessionID)
	defer unlock()

	now := e.now()
	sess, err := e.sessions.Disconnect(sessionID, now)
	if err != nil {
		return err
	}

	st, err := e.scores.Get(sessionID)
	if err != nil {
		return err
	}
	if err := st.Freeze(now); err != nil && !errors.Is(err, scoring.ErrFrozen) {
		return err
	}

	e.append(ctx, &history.Entry{
		ID:        idgen.WithPrefix("evt_"),
		SessionID: sessionID,
		Type:      history.EntryStatus,
		Timestamp: now,
		Score:     st.Score(),
		Detail:    history.StatusDisconnected,
	})
	metrics.ActiveSessions.Dec()

	e.broadcastStatus(sess)
	return nil
}

// CompleteSession ends a session. The score state is archived, never
// deleted, and the history log is frozen against retention pruning.
func (e *Engine) CompleteSession(ctx context.Context, sessionID, reason string) error {
	unlock := e.locks.Lock(sessionID)
	defer unlock()

	now := e.now()
	prev, err := e.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	sess, err := e.sessions.Complete(sessionID, reason, now)
	if err != nil {
		return err
	}

	var score float64
	if st, err := e.scores.Get(sessionID); err == nil {
		if !st.Frozen() {
			_ = st.Freeze(now)
		}
		score = st.Score()
		_ = e.scores.Archive(sessionID)
	}

	e.append(ctx, &history.Entry{
		ID:        idgen.WithPrefix("evt_"),
		SessionID: sessionID,
		Type:      history.EntryStatus,
		Timestamp: now,
		Score:     score,
		Detail:    history.StatusCompleted,
	})
	if err := e.store.MarkCompleted(ctx, sessionID); err != nil && !errors.Is(err, history.ErrSessionNotFound) {
		e.logger.Warn("failed to freeze history log", "session_id", sessionID, "error", err)
	}

	if prev.Status == session.StatusActive {
		metrics.ActiveSessions.Dec()
	}

	e.logger.Info("session completed",
		"session_id", sessionID,
		"reason", reason,
		"final_score", score,
	)
	e.broadcastStatus(sess)
	return nil
}

// CompleteTimedOut implements session.TimeoutHandler: a disconnect that
// outlived the timeout terminates the session as completed (incomplete).
func (e *Engine) CompleteTimedOut(ctx context.Context, sessionID string) error {
	return e.CompleteSession(ctx, sessionID, "disconnect_timeout")
}

// SeverityLookup returns the severity function the gateway uses for its
// drop policy, bound to the session's frozen severity table. Falls back to
// the default table for sessions not yet registered.
func (e *Engine) SeverityLookup(sessionID string) gateway.SeverityFunc {
	return func(t signal.Type) signal.Severity {
		if rt, err := e.runtime(sessionID); err == nil {
			return rt.classifier.Severity(t)
		}
		if sev, ok := config.DefaultSessionConfig().SeverityTable[t]; ok {
			return sev
		}
		return signal.SeverityLow
	}
}

// HandleGatewayStatus maps gateway connection changes onto session
// lifecycle. The gateway's scope is the session ID.
func (e *Engine) HandleGatewayStatus(scope string, status gateway.Status) {
	ctx := context.Background()
	switch status {
	case gateway.StatusConnected:
		if err := e.Activate(ctx, scope); err != nil {
			e.logger.Warn("failed to activate session on connect", "session_id", scope, "error", err)
		}
	case gateway.StatusDisconnected, gateway.StatusError:
		err := e.MarkDisconnected(ctx, scope)
		if err != nil && !errors.Is(err, session.ErrInvalidTransition) {
			e.logger.Warn("failed to mark session disconnected", "session_id", scope, "error", err)
		}
	}
}

// -----------------------------------------------------------------------------
// Event processing
// -----------------------------------------------------------------------------

// HandleEvent implements gateway.Sink. Events for unknown sessions start a
// session with default configuration; duplicates and disabled types are
// dropped without side effects.
func (e *Engine) HandleEvent(ctx context.Context, event *signal.Event) {
	if _, err := e.sessions.Get(event.SessionID); errors.Is(err, session.ErrNotFound) {
		_, err := e.StartSession(ctx, StartRequest{
			SessionID: event.SessionID,
			StudentID: event.StudentID,
			ExamID:    event.ExamID,
		})
		if err != nil && !errors.Is(err, session.ErrAlreadyExists) {
			e.logger.Error("failed to auto-start session", "session_id", event.SessionID, "error", err)
			return
		}
	}

	// First event activates a not_started session.
	if sess, err := e.sessions.Get(event.SessionID); err == nil && sess.Status == session.StatusNotStarted {
		if err := e.Activate(ctx, event.SessionID); err != nil {
			e.logger.Error("failed to activate session", "session_id", event.SessionID, "error", err)
			return
		}
	}

	unlock := e.locks.Lock(event.SessionID)
	defer unlock()

	rt, err := e.runtime(event.SessionID)
	if err != nil {
		e.logger.Error("no runtime for session", "session_id", event.SessionID)
		return
	}

	if !rt.cfg.TypeEnabled(event.Type) {
		metrics.SignalsDroppedTotal.WithLabelValues("disabled").Inc()
		return
	}

	metrics.SignalsIngestedTotal.WithLabelValues(string(event.Type)).Inc()

	violation := rt.classifier.Classify(event)
	if violation == nil {
		metrics.SignalsDroppedTotal.WithLabelValues("duplicate").Inc()
		return
	}
	rt.violations = append(rt.violations, violation)
	metrics.ViolationsTotal.WithLabelValues(string(violation.Severity)).Inc()

	st, err := e.scores.Get(event.SessionID)
	if err != nil {
		e.logger.Error("no score state for session", "session_id", event.SessionID, "error", err)
		return
	}
	score := st.Apply(violation.Severity, violation.Timestamp)

	e.append(ctx, &history.Entry{
		ID:         violation.ID,
		SessionID:  event.SessionID,
		Type:       history.EntryViolation,
		Timestamp:  violation.Timestamp,
		SignalType: violation.Type,
		Severity:   violation.Severity,
		Score:      score,
		Detail:     violation.Description,
	})

	e.logger.Info("violation recorded",
		"session_id", event.SessionID,
		"type", violation.Type,
		"severity", violation.Severity,
		"score", score,
	)

	if e.hub != nil {
		e.hub.Broadcast(&realtime.Event{
			Type:      realtime.EventViolation,
			SessionID: event.SessionID,
			ExamID:    st.ExamID,
			Severity:  string(violation.Severity),
			Timestamp: violation.Timestamp,
			Data:      violation,
		})
	}

	e.evaluateAlert(ctx, rt, st, violation.Timestamp)
	e.broadcastScore(st)
}

// evaluateAlert runs the edge-triggered alert check. Caller holds the
// session lock.
func (e *Engine) evaluateAlert(ctx context.Context, rt *sessionRuntime, st *scoring.State, at time.Time) {
	if rt.tracker == nil {
		return
	}
	transition := rt.tracker.Update(st.Score(), at)
	if transition == nil {
		return
	}

	metrics.AlertTransitionsTotal.WithLabelValues(string(transition.To)).Inc()
	e.append(ctx, &history.Entry{
		ID:        idgen.WithPrefix("evt_"),
		SessionID: st.SessionID,
		Type:      history.EntryAlert,
		Timestamp: at,
		Score:     st.Score(),
		Detail:    string(transition.From) + "->" + string(transition.To),
	})

	e.logger.Info("alert level changed",
		"session_id", st.SessionID,
		"from", transition.From,
		"to", transition.To,
		"resolved", transition.Resolved,
	)

	if e.hub != nil {
		e.hub.Broadcast(&realtime.Event{
			Type:      realtime.EventAlert,
			SessionID: st.SessionID,
			ExamID:    st.ExamID,
			Timestamp: at,
			Data:      transition,
		})
	}
}

// RunRecovery applies passive recovery ticks to all live sessions until ctx
// ends. Call in a goroutine.
func (e *Engine) RunRecovery(ctx context.Context) {
	ticker := time.NewTicker(e.appCfg.RecoveryTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.recoveryTick(ctx)
		}
	}
}

func (e *Engine) recoveryTick(ctx context.Context) {
	now := e.now()
	for _, st := range e.scores.Live() {
		unlock := e.locks.Lock(st.SessionID)

		if st.Tick(now) {
			metrics.TrustScore.Observe(st.Score())
			e.append(ctx, &history.Entry{
				ID:        idgen.WithPrefix("evt_"),
				SessionID: st.SessionID,
				Type:      history.EntryScore,
				Timestamp: now,
				Score:     st.Score(),
			})
			if rt, err := e.runtime(st.SessionID); err == nil {
				e.evaluateAlert(ctx, rt, st, now)
			}
			e.broadcastScore(st)
		}

		unlock()
	}
}

// AcknowledgeViolation marks a violation as reviewed by a proctor. The
// record itself is append-only; only this flag mutates.
func (e *Engine) AcknowledgeViolation(sessionID, violationID string) error {
	unlock := e.locks.Lock(sessionID)
	defer unlock()

	rt, err := e.runtime(sessionID)
	if err != nil {
		return err
	}
	for _, v := range rt.violations {
		if v.ID == violationID {
			v.Acknowledged = true
			return nil
		}
	}
	return ErrViolationUnknown
}

// -----------------------------------------------------------------------------
// Internal helpers
// -----------------------------------------------------------------------------

func (e *Engine) runtime(sessionID string) (*sessionRuntime, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rt, ok := e.runtimes[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return rt, nil
}

func (e *Engine) append(ctx context.Context, entry *history.Entry) {
	if err := e.store.Append(ctx, entry); err != nil {
		e.logger.Error("failed to append history entry",
			"session_id", entry.SessionID,
			"type", entry.Type,
			"error", err,
		)
	}
}

func (e *Engine) broadcastScore(st *scoring.State) {
	if e.hub == nil {
		return
	}
	e.hub.Broadcast(&realtime.Event{
		Type:      realtime.EventScoreUpdate,
		SessionID: st.SessionID,
		ExamID:    st.ExamID,
		Timestamp: st.LastUpdated(),
		Data: map[string]any{
			"score":    st.Score(),
			"category": scoring.Categorize(st.Score()),
		},
	})
}

func (e *Engine) broadcastStatus(sess *session.Session) {
	if e.hub == nil {
		return
	}
	e.hub.Broadcast(&realtime.Event{
		Type:      realtime.EventSessionStatus,
		SessionID: sess.ID,
		ExamID:    sess.ExamID,
		Timestamp: sess.UpdatedAt,
		Data:      sess,
	})
}

func scoringParams(cfg config.SessionConfig) scoring.Params {
	return scoring.Params{
		DecayWeights:      cfg.DecayWeights,
		GraceWindow:       cfg.GraceWindow,
		RecoveryPerSecond: cfg.RecoveryPerSecond,
	}
}
