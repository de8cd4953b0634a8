// Package signal defines the detection event vocabulary shared by the
// ingestion gateway, classifier, and scoring engine.
//
// Events are produced externally (browser instrumentation, CV/audio
// detectors) and arrive as timestamped frames. The engine only requires
// that events carry a session scope and a timestamp; how a signal was
// detected is the producer's concern.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type identifies the kind of behavioral signal detected.
type Type string

// Signal types emitted by the standard detector set.
const (
	TypeFaceNotDetected    Type = "face_not_detected"
	TypeMultipleFaces      Type = "multiple_faces"
	TypeLookingAway        Type = "looking_away"
	TypeTabSwitch          Type = "tab_switch"
	TypeWindowBlur         Type = "window_blur"
	TypeAudioDetected      Type = "audio_detected"
	TypePhoneDetected      Type = "phone_detected"
	TypeSuspiciousMovement Type = "suspicious_movement"
	TypeCopyPaste          Type = "copy_paste"
	TypeFullscreenExit     Type = "fullscreen_exit"

	// TypeUnknown is assigned to events whose type is not in the
	// configured severity table. They are still processed, at low severity.
	TypeUnknown Type = "unknown"
)

// Severity is the ordinal tier weighting a violation's score impact.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank returns the severity as an ordinal for comparisons (low < medium < high).
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

// Valid reports whether s is one of the known severity tiers.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// Event is a single timestamped detection signal. Immutable once created.
type Event struct {
	SessionID  string            `json:"sessionId"`
	StudentID  string            `json:"studentId"`
	ExamID     string            `json:"examId"`
	Type       Type              `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	Confidence float64           `json:"confidence,omitempty"` // 0-1, 0 when the producer reports none
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Key returns the idempotency key for this event. Two events with the same
// key are the same observation and must never produce two violations.
func (e *Event) Key() string {
	return e.SessionID + "|" + e.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + string(e.Type)
}

var (
	ErrMissingSession   = errors.New("signal: event has no session id")
	ErrMissingType      = errors.New("signal: event has no type")
	ErrMissingTimestamp = errors.New("signal: event has no timestamp")
	ErrBadConfidence    = errors.New("signal: confidence outside [0,1]")
)

// Validate checks the structural invariants of an event.
func (e *Event) Validate() error {
	if e.SessionID == "" {
		return ErrMissingSession
	}
	if e.Type == "" {
		return ErrMissingType
	}
	if e.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return ErrBadConfidence
	}
	return nil
}

// ParseFrame decodes a wire frame into an Event and validates it.
// A frame that fails here is malformed and should be logged and dropped,
// never terminate the stream.
func ParseFrame(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("signal: malformed frame: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
