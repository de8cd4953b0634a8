package scoring

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrSessionExists   = errors.New("scoring: session already has a score state")
	ErrSessionNotFound = errors.New("scoring: no score state for session")
)

// Calculator holds the score state for every session the engine has seen.
// States are archived, never deleted, when a session ends, so completed
// sessions remain queryable.
//
// Calculator guards only its own map; callers must serialize mutation of an
// individual State (the engine holds a per-session-key lock around every
// Apply/Tick/Freeze/Resume).
type Calculator struct {
	mu       sync.RWMutex
	states   map[string]*State // sessionID → state
	archived map[string]bool
}

// NewCalculator creates an empty calculator.
func NewCalculator() *Calculator {
	return &Calculator{
		states:   make(map[string]*State),
		archived: make(map[string]bool),
	}
}

// Create initializes score state for a session. Fails if one already exists.
func (c *Calculator) Create(sessionID, studentID, examID string, params Params, startAt time.Time) (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.states[sessionID]; exists {
		return nil, ErrSessionExists
	}
	st := NewState(sessionID, studentID, examID, params, startAt)
	c.states[sessionID] = st
	return st, nil
}

// Get returns the score state for a session, archived or not.
func (c *Calculator) Get(sessionID string) (*State, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.states[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return st, nil
}

// Archive marks a session's state as terminal. The state stays queryable.
func (c *Calculator) Archive(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.states[sessionID]; !ok {
		return ErrSessionNotFound
	}
	c.archived[sessionID] = true
	return nil
}

// Archived reports whether a session's state has been archived.
func (c *Calculator) Archived(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.archived[sessionID]
}

// Live returns the states of all non-archived sessions. The slice is a copy;
// the states are the live pointers (callers take the per-key lock to mutate).
func (c *Calculator) Live() []*State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*State, 0, len(c.states))
	for id, st := range c.states {
		if !c.archived[id] {
			out = append(out, st)
		}
	}
	return out
}
