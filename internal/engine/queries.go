package engine

import (
	"context"
	"errors"
	"time"

	"github.com/proctorgrid/engine/internal/alerts"
	"github.com/proctorgrid/engine/internal/classifier"
	"github.com/proctorgrid/engine/internal/history"
	"github.com/proctorgrid/engine/internal/scoring"
	"github.com/proctorgrid/engine/internal/session"
	"github.com/proctorgrid/engine/internal/signal"
)

// ScoreView is the read model for a session's current trust score.
type ScoreView struct {
	SessionID      string           `json:"sessionId"`
	StudentID      string           `json:"studentId"`
	ExamID         string           `json:"examId"`
	Score          float64          `json:"score"`
	Category       scoring.Category `json:"category"`
	ViolationCount int              `json:"violationCount"`
	Frozen         bool             `json:"frozen"`
	LastUpdated    time.Time        `json:"lastUpdated"`
}

// GetScore returns the current score view for a session.
func (e *Engine) GetScore(sessionID string) (*ScoreView, error) {
	st, err := e.scores.Get(sessionID)
	if err != nil {
		if errors.Is(err, scoring.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &ScoreView{
		SessionID:      st.SessionID,
		StudentID:      st.StudentID,
		ExamID:         st.ExamID,
		Score:          st.Score(),
		Category:       scoring.Categorize(st.Score()),
		ViolationCount: st.ViolationCount(),
		Frozen:         st.Frozen(),
		LastUpdated:    st.LastUpdated(),
	}, nil
}

// GetScoreHistory returns the score trajectory recorded so far.
func (e *Engine) GetScoreHistory(sessionID string) ([]scoring.Sample, error) {
	st, err := e.scores.Get(sessionID)
	if err != nil {
		if errors.Is(err, scoring.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return st.History(), nil
}

// GetAlertState returns the session's current alert level.
func (e *Engine) GetAlertState(sessionID string) (*alerts.State, error) {
	rt, err := e.runtime(sessionID)
	if err != nil {
		return nil, err
	}
	if rt.tracker == nil {
		return nil, ErrSessionNotFound
	}
	state := rt.tracker.State()
	return &state, nil
}

// GetViolations returns the violations recorded for a session, oldest first.
func (e *Engine) GetViolations(sessionID string) ([]*classifier.Violation, error) {
	rt, err := e.runtime(sessionID)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(sessionID)
	defer unlock()

	out := make([]*classifier.Violation, len(rt.violations))
	copy(out, rt.violations)
	return out, nil
}

// GetSession returns the lifecycle record for a session.
func (e *Engine) GetSession(sessionID string) (*session.Session, error) {
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return sess, nil
}

// GetExamAggregate computes on-demand exam-level statistics. Nothing here
// is cached; the numbers always reflect the registry at call time.
func (e *Engine) GetExamAggregate(ctx context.Context, examID string) (*session.Aggregate, error) {
	return e.sessions.Aggregate(ctx, examID, e, e)
}

// GetHistory returns the retained log for a session, oldest first.
func (e *Engine) GetHistory(ctx context.Context, sessionID string, limit int) ([]*history.Entry, error) {
	entries, err := e.store.List(ctx, sessionID, limit)
	if err != nil {
		if errors.Is(err, history.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return entries, nil
}

// ExportSession produces the compliance-export envelope for a session.
func (e *Engine) ExportSession(ctx context.Context, sessionID string) (*history.Export, error) {
	entries, err := e.GetHistory(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	return &history.Export{
		SessionID:  sessionID,
		ExportedAt: e.now(),
		Entries:    entries,
	}, nil
}

// CurrentScore implements session.ScoreReader.
func (e *Engine) CurrentScore(sessionID string) (float64, bool) {
	st, err := e.scores.Get(sessionID)
	if err != nil {
		return 0, false
	}
	return st.Score(), true
}

// ViolationsByType implements session.ViolationCounter over the history store.
func (e *Engine) ViolationsByType(ctx context.Context, sessionID string) (map[signal.Type]int, error) {
	return e.store.CountViolationsByType(ctx, sessionID)
}
