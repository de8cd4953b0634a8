package history

import (
	"errors"
	"fmt"

	"github.com/proctorgrid/engine/internal/scoring"
)

var ErrNoStartEntry = errors.New("history: log has no session start entry")

// Replay reconstructs the score trajectory from a session's log by feeding
// the recorded violations, recovery ticks, and connection changes through a
// fresh score state in order. Because the scoring state machine reads no
// clocks of its own, the result matches the live trajectory exactly — this
// is the audit contract between the calculator and the store.
//
// Entries must be in timestamp order, as returned by Store.List.
func Replay(entries []*Entry, params scoring.Params) ([]scoring.Sample, error) {
	if len(entries) == 0 {
		return nil, ErrNoStartEntry
	}
	first := entries[0]
	if first.Type != EntryStatus || first.Detail != StatusStarted {
		return nil, ErrNoStartEntry
	}

	st := scoring.NewState(first.SessionID, "", "", params, first.Timestamp)

	for _, e := range entries[1:] {
		switch e.Type {
		case EntryViolation:
			st.Apply(e.Severity, e.Timestamp)
		case EntryScore:
			// A score entry marks a recovery tick (violation snapshots are
			// covered by the violation entry itself). Tick is a no-op when
			// no recovery was due, so replaying both is safe.
			st.Tick(e.Timestamp)
		case EntryStatus:
			switch e.Detail {
			case StatusDisconnected:
				if err := st.Freeze(e.Timestamp); err != nil {
					return nil, fmt.Errorf("history: replay freeze at %s: %w", e.Timestamp, err)
				}
			case StatusReconnected:
				if err := st.Resume(e.Timestamp); err != nil {
					return nil, fmt.Errorf("history: replay resume at %s: %w", e.Timestamp, err)
				}
			case StatusCompleted:
				// Completion freezes live state too; skip when the session
				// was already frozen by a disconnect.
				if !st.Frozen() {
					_ = st.Freeze(e.Timestamp)
				}
			}
		case EntryAlert:
			// Alert transitions are derived state; they do not affect the score.
		}
	}

	return st.History(), nil
}
