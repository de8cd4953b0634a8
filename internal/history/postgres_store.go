package history

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/proctorgrid/engine/internal/signal"
)

// PostgresStore persists session logs in PostgreSQL.
type PostgresStore struct {
	db        *sql.DB
	retention int
}

// NewPostgresStore creates a Postgres-backed history store.
func NewPostgresStore(db *sql.DB, retention int) *PostgresStore {
	if retention < 1 {
		retention = 500
	}
	return &PostgresStore{db: db, retention: retention}
}

func (p *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO history_entries (id, session_id, entry_type, ts, signal_type, severity, score, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.SessionID, string(entry.Type), entry.Timestamp,
		nullable(string(entry.SignalType)), nullable(string(entry.Severity)),
		entry.Score, nullable(entry.Detail),
	)
	if err != nil {
		return fmt.Errorf("history: insert entry: %w", err)
	}

	// Prune past the retention cap unless the session's log is frozen.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM history_entries
		WHERE session_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM history_completed WHERE session_id = $1
		  )
		  AND id NOT IN (
			SELECT id FROM history_entries
			WHERE session_id = $1
			ORDER BY ts DESC, id DESC
			LIMIT $2
		  )`,
		entry.SessionID, p.retention,
	)
	if err != nil {
		return fmt.Errorf("history: prune: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit append: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, sessionID string, limit int) ([]*Entry, error) {
	query := `
		SELECT id, session_id, entry_type, ts, signal_type, severity, score, detail
		FROM history_entries
		WHERE session_id = $1
		ORDER BY ts ASC, id ASC`
	args := []any{sessionID}
	if limit > 0 {
		// Most recent N, still returned oldest-first.
		query = `
			SELECT id, session_id, entry_type, ts, signal_type, severity, score, detail
			FROM (
				SELECT id, session_id, entry_type, ts, signal_type, severity, score, detail
				FROM history_entries
				WHERE session_id = $1
				ORDER BY ts DESC, id DESC
				LIMIT $2
			) recent
			ORDER BY ts ASC, id ASC`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list rows: %w", err)
	}
	if entries == nil {
		return nil, ErrSessionNotFound
	}
	return entries, nil
}

func (p *PostgresStore) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM history_entries WHERE session_id = $1`, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("history: count: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) MarkCompleted(ctx context.Context, sessionID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO history_completed (session_id) VALUES ($1)
		ON CONFLICT (session_id) DO NOTHING`, sessionID)
	if err != nil {
		return fmt.Errorf("history: mark completed: %w", err)
	}
	return nil
}

func (p *PostgresStore) CountViolationsByType(ctx context.Context, sessionID string) (map[signal.Type]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT signal_type, COUNT(*)
		FROM history_entries
		WHERE session_id = $1 AND entry_type = 'violation'
		GROUP BY signal_type`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history: violation histogram: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[signal.Type]int)
	for rows.Next() {
		var t sql.NullString
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("history: scan histogram: %w", err)
		}
		counts[signal.Type(t.String)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: histogram rows: %w", err)
	}
	return counts, nil
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var entryType string
	var signalType, severity, detail sql.NullString
	if err := rows.Scan(&e.ID, &e.SessionID, &entryType, &e.Timestamp,
		&signalType, &severity, &e.Score, &detail); err != nil {
		return nil, fmt.Errorf("history: scan entry: %w", err)
	}
	e.Type = EntryType(entryType)
	e.SignalType = signal.Type(signalType.String)
	e.Severity = signal.Severity(severity.String)
	e.Detail = detail.String
	return &e, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
