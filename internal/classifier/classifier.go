// Package classifier maps raw detection signals to severity-tagged violations.
//
// Classification is idempotent: the same (session, timestamp, type) tuple
// never produces two violation records, no matter how often the transport
// redelivers it. Unrecognized signal types degrade to low severity instead
// of failing the stream.
package classifier

import (
	"log/slog"
	"sync"
	"time"

	"github.com/proctorgrid/engine/internal/idgen"
	"github.com/proctorgrid/engine/internal/signal"
)

// Violation is a classified occurrence of a suspicious signal.
// Append-only after creation; only the Acknowledged flag may be set later.
type Violation struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"sessionId"`
	Type         signal.Type     `json:"type"`
	Severity     signal.Severity `json:"severity"`
	Timestamp    time.Time       `json:"timestamp"`
	Description  string          `json:"description"`
	Confidence   float64         `json:"confidence,omitempty"`
	Acknowledged bool            `json:"acknowledged"`
}

// maxSeenPerSession bounds the per-session dedup set. Old keys are evicted
// in insertion order once the cap is reached; redelivery windows in practice
// are far shorter than this.
const maxSeenPerSession = 4096

// Classifier turns signal events into violations using a severity table.
type Classifier struct {
	table  map[signal.Type]signal.Severity
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]*sessionSeen // sessionID → dedup set
}

type sessionSeen struct {
	keys  map[string]struct{}
	order []string
}

// New creates a classifier with the given severity table.
func New(table map[signal.Type]signal.Severity, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	// Copy the table so later config mutation can't change classification
	// mid-session.
	frozen := make(map[signal.Type]signal.Severity, len(table))
	for t, s := range table {
		frozen[t] = s
	}
	return &Classifier{
		table:  frozen,
		logger: logger,
		seen:   make(map[string]*sessionSeen),
	}
}

// Classify maps an event to a violation. It returns nil if the event is a
// duplicate of one already classified.
func (c *Classifier) Classify(event *signal.Event) *Violation {
	if !c.markSeen(event) {
		return nil
	}

	sev, known := c.table[event.Type]
	vtype := event.Type
	if !known {
		sev = signal.SeverityLow
		vtype = signal.TypeUnknown
		c.logger.Warn("unrecognized signal type, classifying low severity",
			"type", event.Type,
			"session_id", event.SessionID,
		)
	}

	return &Violation{
		ID:          idgen.WithPrefix("vio_"),
		SessionID:   event.SessionID,
		Type:        vtype,
		Severity:    sev,
		Timestamp:   event.Timestamp,
		Description: describe(vtype),
		Confidence:  event.Confidence,
	}
}

// Severity returns the severity the table assigns to t, or low for
// unrecognized types. The gateway uses this for its drop policy without
// creating violation records.
func (c *Classifier) Severity(t signal.Type) signal.Severity {
	if sev, ok := c.table[t]; ok {
		return sev
	}
	return signal.SeverityLow
}

// Forget releases the dedup state for a session. Called when the session
// reaches a terminal state.
func (c *Classifier) Forget(sessionID string) {
	c.mu.Lock()
	delete(c.seen, sessionID)
	c.mu.Unlock()
}

// markSeen records the event's idempotency key, returning false if it was
// already present.
func (c *Classifier) markSeen(event *signal.Event) bool {
	key := event.Key()

	c.mu.Lock()
	defer c.mu.Unlock()

	ss, ok := c.seen[event.SessionID]
	if !ok {
		ss = &sessionSeen{keys: make(map[string]struct{})}
		c.seen[event.SessionID] = ss
	}
	if _, dup := ss.keys[key]; dup {
		return false
	}
	ss.keys[key] = struct{}{}
	ss.order = append(ss.order, key)

	if len(ss.order) > maxSeenPerSession {
		oldest := ss.order[0]
		ss.order = ss.order[1:]
		delete(ss.keys, oldest)
	}
	return true
}

func describe(t signal.Type) string {
	switch t {
	case signal.TypeFaceNotDetected:
		return "No face detected in camera frame"
	case signal.TypeMultipleFaces:
		return "Multiple faces detected in camera frame"
	case signal.TypeLookingAway:
		return "Candidate looking away from screen"
	case signal.TypeTabSwitch:
		return "Browser tab switched during exam"
	case signal.TypeWindowBlur:
		return "Exam window lost focus"
	case signal.TypeAudioDetected:
		return "Unexpected audio detected"
	case signal.TypePhoneDetected:
		return "Phone detected in camera frame"
	case signal.TypeSuspiciousMovement:
		return "Suspicious movement detected"
	case signal.TypeCopyPaste:
		return "Copy/paste activity detected"
	case signal.TypeFullscreenExit:
		return "Exited fullscreen mode"
	default:
		return "Unrecognized signal"
	}
}
