// Package history keeps the append-only per-session log of violations,
// score snapshots, alert transitions, and status changes.
//
// The log is the audit trail: replaying it through the scoring rules must
// reproduce the live-computed trajectory exactly. Retention is bounded
// while a session is active (oldest entries pruned past the cap); once a
// session completes its log is frozen and kept whole.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/proctorgrid/engine/internal/signal"
)

var (
	ErrSessionNotFound = errors.New("history: no log for session")
)

// EntryType discriminates log records.
type EntryType string

const (
	EntryViolation EntryType = "violation"
	EntryScore     EntryType = "score"
	EntryAlert     EntryType = "alert"
	EntryStatus    EntryType = "status"
)

// Status entry details.
const (
	StatusStarted      = "started"
	StatusDisconnected = "disconnected"
	StatusReconnected  = "reconnected"
	StatusCompleted    = "completed"
)

// Entry is one record in a session's log. The schema {type, timestamp,
// severity, score} is stable and suitable for compliance export.
type Entry struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"sessionId"`
	Type       EntryType       `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	SignalType signal.Type     `json:"signalType,omitempty"`
	Severity   signal.Severity `json:"severity,omitempty"`
	Score      float64         `json:"score"`
	Detail     string          `json:"detail,omitempty"`
}

// Store persists session logs.
type Store interface {
	// Append adds an entry to a session's log. Active sessions are pruned
	// to the retention cap; completed sessions are never pruned.
	Append(ctx context.Context, entry *Entry) error
	// List returns a session's log in timestamp order, up to limit entries
	// (0 = all retained).
	List(ctx context.Context, sessionID string, limit int) ([]*Entry, error)
	// Count returns the number of retained entries for a session.
	Count(ctx context.Context, sessionID string) (int, error)
	// MarkCompleted freezes a session's log against further pruning.
	MarkCompleted(ctx context.Context, sessionID string) error
	// CountViolationsByType returns the violation-type histogram for a session.
	CountViolationsByType(ctx context.Context, sessionID string) (map[signal.Type]int, error)
}

// Export is the stable compliance-export envelope for one session.
type Export struct {
	SessionID  string    `json:"sessionId"`
	ExportedAt time.Time `json:"exportedAt"`
	Entries    []*Entry  `json:"entries"`
}
