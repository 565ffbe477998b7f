package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentcoord/agentcoord/internal/common/apperr"
	"github.com/agentcoord/agentcoord/internal/session/models"
)

type eventRow struct {
	models.SessionEvent
	PayloadRaw string `db:"payload"`
}

func (r *eventRow) toModel() (*models.SessionEvent, error) {
	ev := r.SessionEvent
	if r.PayloadRaw != "" && r.PayloadRaw != "{}" {
		if err := json.Unmarshal([]byte(r.PayloadRaw), &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode event payload: %w", err)
		}
	}
	return &ev, nil
}

// AppendEvent appends an event to a session's history, assigning the next
// sequence number. The sequence and timestamp are written back into ev.
func (s *Store) AppendEvent(ctx context.Context, ev *models.SessionEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload := "{}"
	if len(ev.Payload) > 0 {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode event payload: %w", err)
		}
		payload = string(raw)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	check := tx.Rebind(`SELECT COUNT(*) FROM sessions WHERE id = ?`)
	if err := tx.GetContext(ctx, &exists, check, ev.SessionID); err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return apperr.Newf(apperr.KindNotFound, "session %s not found", ev.SessionID)
	}

	// The aggregate-select insert assigns the next sequence atomically.
	insert := tx.Rebind(`
		INSERT INTO session_events (session_id, sequence, run_id, event_type, payload, created_at)
		SELECT ?, COALESCE(MAX(sequence), 0) + 1, ?, ?, ?, ?
		FROM session_events WHERE session_id = ?
		RETURNING sequence`)
	row := tx.QueryRowxContext(ctx, insert,
		ev.SessionID, ev.RunID, ev.EventType, payload, ev.Timestamp, ev.SessionID)
	if err := row.Scan(&ev.Sequence); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}
	return nil
}

// ListEvents returns a session's events with sequence greater than
// afterSeq, in sequence order. limit <= 0 means no limit.
func (s *Store) ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*models.SessionEvent, error) {
	var exists int
	check := s.ro.Rebind(`SELECT COUNT(*) FROM sessions WHERE id = ?`)
	if err := s.ro.GetContext(ctx, &exists, check, sessionID); err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return nil, apperr.Newf(apperr.KindNotFound, "session %s not found", sessionID)
	}

	query := `
		SELECT * FROM session_events
		WHERE session_id = ? AND sequence > ?
		ORDER BY sequence ASC`
	args := []any{sessionID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []eventRow
	if err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	events := make([]*models.SessionEvent, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// LatestSequence returns the highest event sequence for a session, or 0
// when the session has no events.
func (s *Store) LatestSequence(ctx context.Context, sessionID string) (int64, error) {
	var seq sql.NullInt64
	query := s.ro.Rebind(`SELECT MAX(sequence) FROM session_events WHERE session_id = ?`)
	if err := s.ro.GetContext(ctx, &seq, query, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read latest sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
