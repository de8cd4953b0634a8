// Package scoring maintains per-session trust scores.
//
// The state machine is deliberately free of wall-clock reads: every
// operation takes the relevant time as an argument. Given the same ordered
// sequence of violations, recovery ticks, and freeze/resume points, the
// score trajectory is identical on every run. That property is what makes
// audit replay from the history log exact rather than approximate.
package scoring

import (
	"errors"
	"math"
	"time"

	"github.com/proctorgrid/engine/internal/signal"
)

const (
	// MaxScore is the starting and ceiling score for every session.
	MaxScore = 100.0
	// MinScore is the floor; decay clamps here.
	MinScore = 0.0
)

var (
	ErrFrozen    = errors.New("scoring: state is frozen (session disconnected)")
	ErrNotFrozen = errors.New("scoring: state is not frozen")
)

// Category bands a score for presentation, mirroring proctor dashboards.
type Category string

const (
	CategoryExcellent Category = "excellent" // 90-100
	CategoryGood      Category = "good"      // 75-89
	CategoryFair      Category = "fair"      // 60-74
	CategoryPoor      Category = "poor"      // 40-59
	CategoryCritical  Category = "critical"  // 0-39
)

// Categorize returns the presentation band for a score.
func Categorize(score float64) Category {
	switch {
	case score >= 90:
		return CategoryExcellent
	case score >= 75:
		return CategoryGood
	case score >= 60:
		return CategoryFair
	case score >= 40:
		return CategoryPoor
	default:
		return CategoryCritical
	}
}

// Sample is one point on the score trajectory.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"`
}

// Params are the frozen scoring parameters for one session.
type Params struct {
	DecayWeights      map[signal.Severity]float64
	GraceWindow       time.Duration
	RecoveryPerSecond float64
}

// State is the trust score state for one (student, exam) session.
// All mutation must go through Apply, Tick, Freeze, and Resume, serialized
// by the caller (one logical writer per session key).
type State struct {
	SessionID string
	StudentID string
	ExamID    string

	params Params

	score          float64
	lastUpdated    time.Time
	violationCount int

	// recoveryAnchor marks the start of the current violation-free interval.
	// lastRecovery marks how far recovery credit has been applied.
	recoveryAnchor time.Time
	lastRecovery   time.Time

	frozen   bool
	frozenAt time.Time

	history []Sample
}

// NewState creates the score state for a session starting at startAt.
func NewState(sessionID, studentID, examID string, params Params, startAt time.Time) *State {
	s := &State{
		SessionID:      sessionID,
		StudentID:      studentID,
		ExamID:         examID,
		params:         params,
		score:          MaxScore,
		lastUpdated:    startAt,
		recoveryAnchor: startAt,
		lastRecovery:   startAt,
	}
	s.record(startAt)
	return s
}

// Score returns the current score.
func (s *State) Score() float64 { return s.score }

// LastUpdated returns the time of the last score change.
func (s *State) LastUpdated() time.Time { return s.lastUpdated }

// ViolationCount returns the number of violations applied. Recovery never
// decrements this; the numeric score recovering does not erase history.
func (s *State) ViolationCount() int { return s.violationCount }

// Frozen reports whether the state is frozen due to a disconnect.
func (s *State) Frozen() bool { return s.frozen }

// History returns the ordered score trajectory. The returned slice is a copy.
func (s *State) History() []Sample {
	out := make([]Sample, len(s.history))
	copy(out, s.history)
	return out
}

// Apply decrements the score for a violation of the given severity observed
// at the given time, and resets the recovery window. Violations are applied
// even while frozen: a disconnect freezes passive recovery, not evidence.
func (s *State) Apply(severity signal.Severity, at time.Time) float64 {
	weight, ok := s.params.DecayWeights[severity]
	if !ok {
		weight = s.params.DecayWeights[signal.SeverityLow]
	}

	s.score = clamp(s.score - weight)
	s.violationCount++
	s.recoveryAnchor = at
	s.lastRecovery = at
	s.record(at)
	return s.score
}

// Tick applies passive recovery up to now. No-op while frozen, before the
// grace window has elapsed, or when the score is already at the ceiling.
// Returns true if the score changed.
func (s *State) Tick(now time.Time) bool {
	if s.frozen || s.score >= MaxScore {
		return false
	}

	eligibleFrom := s.recoveryAnchor.Add(s.params.GraceWindow)
	if !now.After(eligibleFrom) {
		return false
	}

	from := s.lastRecovery
	if from.Before(eligibleFrom) {
		from = eligibleFrom
	}
	elapsed := now.Sub(from).Seconds()
	if elapsed <= 0 {
		return false
	}

	s.score = clamp(s.score + elapsed*s.params.RecoveryPerSecond)
	s.lastRecovery = now
	s.record(now)
	return true
}

// Freeze suspends recovery accounting at the given time (transport lost).
func (s *State) Freeze(at time.Time) error {
	if s.frozen {
		return ErrFrozen
	}
	// Credit any recovery earned up to the disconnect before freezing.
	s.Tick(at)
	s.frozen = true
	s.frozenAt = at
	return nil
}

// Resume ends a freeze at the given time. The disconnected interval is
// excised from recovery accounting: quiet time earned before the gap still
// counts, the gap itself never does.
func (s *State) Resume(at time.Time) error {
	if !s.frozen {
		return ErrNotFrozen
	}
	gap := at.Sub(s.frozenAt)
	if gap > 0 {
		s.recoveryAnchor = s.recoveryAnchor.Add(gap)
		s.lastRecovery = s.lastRecovery.Add(gap)
	}
	s.frozen = false
	s.frozenAt = time.Time{}
	return nil
}

func (s *State) record(at time.Time) {
	s.lastUpdated = at
	s.history = append(s.history, Sample{Timestamp: at, Score: round1(s.score)})
}

func clamp(v float64) float64 {
	return math.Max(MinScore, math.Min(MaxScore, v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
