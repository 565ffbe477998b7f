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

// sessionRow carries the raw result_data column alongside the model.
type sessionRow struct {
	models.Session
	ResultDataRaw string `db:"result_data"`
}

func (r *sessionRow) toModel() (*models.Session, error) {
	sess := r.Session
	if r.ResultDataRaw != "" {
		if err := json.Unmarshal([]byte(r.ResultDataRaw), &sess.ResultData); err != nil {
			return nil, fmt.Errorf("failed to decode result_data for session %s: %w", sess.ID, err)
		}
	}
	return &sess, nil
}

func encodeResultData(data map[string]any) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode result_data: %w", err)
	}
	return string(raw), nil
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.Status == "" {
		sess.Status = models.SessionStatusPending
	}
	resultData, err := encodeResultData(sess.ResultData)
	if err != nil {
		return err
	}

	query := s.db.Rebind(`
		INSERT INTO sessions (
			id, agent_name, parent_session_id, execution_mode, created_by,
			executor_session_id, executor_type, hostname, project_dir,
			status, result_text, result_data, created_at, last_resumed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		sess.ID, sess.AgentName, sess.ParentSessionID, sess.ExecutionMode, sess.CreatedBy,
		sess.ExecutorSessionID, sess.ExecutorType, sess.Hostname, sess.ProjectDir,
		sess.Status, sess.ResultText, resultData, sess.CreatedAt, sess.LastResumedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var row sessionRow
	query := s.ro.Rebind(`SELECT * FROM sessions WHERE id = ?`)
	if err := s.ro.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Newf(apperr.KindNotFound, "session %s not found", id)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return row.toModel()
}

// ListSessions returns sessions filtered by creator and/or parent, newest
// first. Empty filter values match everything.
func (s *Store) ListSessions(ctx context.Context, createdBy, parentID string) ([]*models.Session, error) {
	query := `SELECT * FROM sessions WHERE 1=1`
	args := []any{}
	if createdBy != "" {
		query += ` AND created_by = ?`
		args = append(args, createdBy)
	}
	if parentID != "" {
		query += ` AND parent_session_id = ?`
		args = append(args, parentID)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	var rows []sessionRow
	if err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sessions := make([]*models.Session, 0, len(rows))
	for i := range rows {
		sess, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// GetChildren returns the direct children of a session.
func (s *Store) GetChildren(ctx context.Context, parentID string) ([]*models.Session, error) {
	return s.ListSessions(ctx, "", parentID)
}

// BindExecutor records the executor's own session id and the affinity
// tuple. The binding is write-once: a second bind with any different value
// fails with AlreadyBound even if some fields match.
func (s *Store) BindExecutor(ctx context.Context, id, executorSessionID, executorType, hostname, projectDir string) error {
	query := s.db.Rebind(`
		UPDATE sessions
		SET executor_session_id = ?, executor_type = ?, hostname = ?, project_dir = ?
		WHERE id = ? AND executor_session_id = ''`)
	res, err := s.db.ExecContext(ctx, query, executorSessionID, executorType, hostname, projectDir, id)
	if err != nil {
		return fmt.Errorf("failed to bind executor: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read bind result: %w", err)
	}
	if affected > 0 {
		return nil
	}

	existing, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if existing.ExecutorSessionID == executorSessionID &&
		existing.ExecutorType == executorType &&
		existing.Hostname == hostname &&
		existing.ProjectDir == projectDir {
		// Idempotent re-bind with identical values.
		return nil
	}
	return apperr.Newf(apperr.KindAlreadyBound, "session %s is already bound to executor session %s", id, existing.ExecutorSessionID).
		WithDetails(map[string]any{
			"session_id":          id,
			"executor_session_id": existing.ExecutorSessionID,
		})
}

// UpdateSessionStatus sets the session status and, for terminal states, the
// result payload.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus, resultText string, resultData map[string]any) error {
	encoded, err := encodeResultData(resultData)
	if err != nil {
		return err
	}
	query := s.db.Rebind(`
		UPDATE sessions SET status = ?, result_text = ?, result_data = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, status, resultText, encoded, id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return apperr.Newf(apperr.KindNotFound, "session %s not found", id)
	}
	return nil
}

// TouchResumed records a resume: the effective execution mode for the new
// run and the resume timestamp.
func (s *Store) TouchResumed(ctx context.Context, id string, mode models.ExecutionMode, at time.Time) error {
	query := s.db.Rebind(`
		UPDATE sessions SET execution_mode = ?, last_resumed_at = ?, status = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, mode, at.UTC(), models.SessionStatusPending, id)
	if err != nil {
		return fmt.Errorf("failed to record resume: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read resume result: %w", err)
	}
	if affected == 0 {
		return apperr.Newf(apperr.KindNotFound, "session %s not found", id)
	}
	return nil
}

// CascadeDelete deletes a session, every descendant reachable through
// parent links, their events, and every relation row touching a deleted
// session. Peer sessions linked by non-cascading relations survive; only
// the relation rows are removed. Returns the ids of the deleted sessions.
func (s *Store) CascadeDelete(ctx context.Context, id string) ([]string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var ids []string
	collect := tx.Rebind(`
		WITH RECURSIVE descendants(id) AS (
			SELECT id FROM sessions WHERE id = ?
			UNION ALL
			SELECT s.id FROM sessions s
			JOIN descendants d ON s.parent_session_id = d.id
		)
		SELECT id FROM descendants`)
	if err := tx.SelectContext(ctx, &ids, collect, id); err != nil {
		return nil, fmt.Errorf("failed to collect descendants: %w", err)
	}
	if len(ids) == 0 {
		return nil, apperr.Newf(apperr.KindNotFound, "session %s not found", id)
	}

	query, args, err := sqlxIn(`DELETE FROM session_events WHERE session_id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to delete session events: %w", err)
	}

	query, args, err = sqlxIn(`DELETE FROM session_relations WHERE from_session_id IN (?) OR to_session_id IN (?)`, ids, ids)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to delete session relations: %w", err)
	}

	query, args, err = sqlxIn(`DELETE FROM sessions WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to delete sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit delete: %w", err)
	}
	return ids, nil
}
