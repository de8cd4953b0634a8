// Package session tracks concurrently active exam sessions and computes
// exam-wide statistics on demand.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/proctorgrid/engine/internal/signal"
)

var (
	ErrNotFound         = errors.New("session: not found")
	ErrAlreadyExists    = errors.New("session: already exists")
	ErrInvalidTransition = errors.New("session: invalid status transition")
)

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusNotStarted   Status = "not_started"
	StatusActive       Status = "active"
	StatusCompleted    Status = "completed"
	StatusDisconnected Status = "disconnected"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool { return s == StatusCompleted }

// Session is one exam-taking instance by one student.
type Session struct {
	ID             string     `json:"id"`
	StudentID      string     `json:"studentId"`
	ExamID         string     `json:"examId"`
	Status         Status     `json:"status"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	DisconnectedAt *time.Time `json:"disconnectedAt,omitempty"`
	CompleteReason string     `json:"completeReason,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Registry holds all sessions known to the engine, keyed by session ID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers a new session in the not_started state.
func (r *Registry) Create(id, studentID, examID string, at time.Time) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, ErrAlreadyExists
	}
	s := &Session{
		ID:        id,
		StudentID: studentID,
		ExamID:    examID,
		Status:    StatusNotStarted,
		CreatedAt: at,
		UpdatedAt: at,
	}
	r.sessions[id] = s
	cp := *s
	return &cp, nil
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// Start moves a session to active. Valid from not_started (first event or
// explicit start) and from disconnected (reconnect).
func (r *Registry) Start(id string, at time.Time) (*Session, error) {
	return r.transition(id, at, func(s *Session) error {
		switch s.Status {
		case StatusNotStarted:
			s.StartedAt = &at
		case StatusDisconnected:
			s.DisconnectedAt = nil
		case StatusActive:
			return nil // idempotent
		default:
			return ErrInvalidTransition
		}
		s.Status = StatusActive
		return nil
	})
}

// Disconnect marks an active session as disconnected (gateway loss).
func (r *Registry) Disconnect(id string, at time.Time) (*Session, error) {
	return r.transition(id, at, func(s *Session) error {
		if s.Status != StatusActive {
			return ErrInvalidTransition
		}
		s.Status = StatusDisconnected
		s.DisconnectedAt = &at
		return nil
	})
}

// Complete moves a session to its terminal state with the given reason.
// Valid from active and disconnected.
func (r *Registry) Complete(id, reason string, at time.Time) (*Session, error) {
	return r.transition(id, at, func(s *Session) error {
		switch s.Status {
		case StatusActive, StatusDisconnected, StatusNotStarted:
			s.Status = StatusCompleted
			s.CompletedAt = &at
			s.CompleteReason = reason
			return nil
		default:
			return ErrInvalidTransition
		}
	})
}

func (r *Registry) transition(id string, at time.Time, fn func(*Session) error) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	s.UpdatedAt = at
	cp := *s
	return &cp, nil
}

// ListByExam returns copies of all sessions for an exam, oldest first.
func (r *Registry) ListByExam(examID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, s := range r.sessions {
		if s.ExamID == examID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListByStatus returns copies of an exam's sessions filtered by status.
func (r *Registry) ListByStatus(examID string, status Status) []*Session {
	var out []*Session
	for _, s := range r.ListByExam(examID) {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out
}

// ListDisconnectedBefore returns sessions that have been disconnected since
// before the cutoff. Used by the sweep loop to time out dead sessions.
func (r *Registry) ListDisconnectedBefore(cutoff time.Time) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, s := range r.sessions {
		if s.Status == StatusDisconnected && s.DisconnectedAt != nil && s.DisconnectedAt.Before(cutoff) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Exam aggregates
// -----------------------------------------------------------------------------

// ScoreReader exposes current scores to the aggregator, read-only.
type ScoreReader interface {
	CurrentScore(sessionID string) (float64, bool)
}

// ViolationCounter exposes per-session violation histograms, read-only.
type ViolationCounter interface {
	ViolationsByType(ctx context.Context, sessionID string) (map[signal.Type]int, error)
}

// Aggregate is the exam-wide view computed on demand from per-session state.
// It is never maintained separately, so it cannot drift from its sources.
type Aggregate struct {
	ExamID           string              `json:"examId"`
	Total            int                 `json:"total"`
	ByStatus         map[Status]int      `json:"byStatus"`
	AverageScore     float64             `json:"averageScore"`
	ViolationsByType map[signal.Type]int `json:"violationsByType"`
	ComputedAt       time.Time           `json:"computedAt"`
}

// Aggregate computes exam statistics from the registry plus the score and
// violation sources.
func (r *Registry) Aggregate(ctx context.Context, examID string, scores ScoreReader, violations ViolationCounter) (*Aggregate, error) {
	sessions := r.ListByExam(examID)

	agg := &Aggregate{
		ExamID:           examID,
		Total:            len(sessions),
		ByStatus:         make(map[Status]int),
		ViolationsByType: make(map[signal.Type]int),
		ComputedAt:       time.Now(),
	}

	var scoreSum float64
	var scored int
	for _, s := range sessions {
		agg.ByStatus[s.Status]++

		if v, ok := scores.CurrentScore(s.ID); ok {
			scoreSum += v
			scored++
		}
		counts, err := violations.ViolationsByType(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		for t, n := range counts {
			agg.ViolationsByType[t] += n
		}
	}
	if scored > 0 {
		agg.AverageScore = scoreSum / float64(scored)
	}
	return agg, nil
}
