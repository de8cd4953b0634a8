// Package alerts derives alert levels from trust scores.
//
// Level changes are edge-triggered: a transition fires once when the score
// crosses a threshold and never again while the score stays on the same
// side, in either direction. This is what keeps a session sitting at 45
// from paging a proctor every tick.
package alerts

import (
	"time"
)

// Level is the derived monitoring state for a session.
type Level string

const (
	LevelNone     Level = "none"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// rank orders levels for escalation comparisons.
func (l Level) rank() int {
	switch l {
	case LevelCritical:
		return 2
	case LevelWarning:
		return 1
	default:
		return 0
	}
}

// Thresholds are the per-exam alert boundaries.
type Thresholds struct {
	WarningBelow  float64 `json:"warningBelow"`
	CriticalBelow float64 `json:"criticalBelow"`
}

// DefaultThresholds returns the standard boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{WarningBelow: 80, CriticalBelow: 50}
}

// Evaluate is the pure score → level mapping. A score strictly below a
// boundary is at that level; sitting exactly on the boundary is not.
func Evaluate(score float64, t Thresholds) Level {
	switch {
	case score < t.CriticalBelow:
		return LevelCritical
	case score < t.WarningBelow:
		return LevelWarning
	default:
		return LevelNone
	}
}

// State is the current alert state for a session.
type State struct {
	StudentID string    `json:"studentId"`
	ExamID    string    `json:"examId"`
	Level     Level     `json:"level"`
	EnteredAt time.Time `json:"enteredAt"`
}

// Transition describes a single edge-triggered level change.
type Transition struct {
	From     Level     `json:"from"`
	To       Level     `json:"to"`
	At       time.Time `json:"at"`
	Resolved bool      `json:"resolved"` // true on de-escalation
}

// Tracker holds the alert state for one session and emits transitions only
// on threshold crossings.
type Tracker struct {
	thresholds     Thresholds
	notifyResolved bool
	state          State
}

// NewTracker creates a tracker starting at LevelNone.
func NewTracker(studentID, examID string, t Thresholds, notifyResolved bool, startAt time.Time) *Tracker {
	return &Tracker{
		thresholds:     t,
		notifyResolved: notifyResolved,
		state: State{
			StudentID: studentID,
			ExamID:    examID,
			Level:     LevelNone,
			EnteredAt: startAt,
		},
	}
}

// State returns the current alert state.
func (tr *Tracker) State() State { return tr.state }

// Update evaluates the score at the given time. It returns a non-nil
// Transition only when the level changed and the change should be surfaced:
// escalations always, de-escalations only when resolved notifications are
// enabled. The internal level updates regardless.
func (tr *Tracker) Update(score float64, at time.Time) *Transition {
	next := Evaluate(score, tr.thresholds)
	if next == tr.state.Level {
		return nil
	}

	t := &Transition{
		From:     tr.state.Level,
		To:       next,
		At:       at,
		Resolved: next.rank() < tr.state.Level.rank(),
	}

	tr.state.Level = next
	tr.state.EnteredAt = at

	if t.Resolved && !tr.notifyResolved {
		return nil
	}
	return t
}
