package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentcoord/agentcoord/internal/common/apperr"
	"github.com/agentcoord/agentcoord/internal/session/models"
)

// CreateRelationPair records a bidirectional relation between two sessions
// as two rows sharing a pair id, one per direction. note annotates the
// from->to row, reverseNote the to->from row.
func (s *Store) CreateRelationPair(ctx context.Context, def models.RelationType, fromID, toID, note, reverseNote string) (*models.Relation, *models.Relation, error) {
	if !def.Valid() {
		return nil, nil, apperr.Newf(apperr.KindValidation, "unknown relation definition %q", def)
	}
	if fromID == toID {
		return nil, nil, apperr.New(apperr.KindValidation, "a session cannot relate to itself")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin relation transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	check := tx.Rebind(`SELECT COUNT(*) FROM sessions WHERE id IN (?, ?)`)
	if err := tx.GetContext(ctx, &count, check, fromID, toID); err != nil {
		return nil, nil, fmt.Errorf("failed to check relation endpoints: %w", err)
	}
	if count != 2 {
		return nil, nil, apperr.Newf(apperr.KindNotFound, "relation endpoints %s, %s not both found", fromID, toID)
	}

	dup := tx.Rebind(`
		SELECT COUNT(*) FROM session_relations
		WHERE definition = ? AND from_session_id = ? AND to_session_id = ?`)
	if err := tx.GetContext(ctx, &count, dup, def, fromID, toID); err != nil {
		return nil, nil, fmt.Errorf("failed to check duplicate relation: %w", err)
	}
	if count > 0 {
		return nil, nil, apperr.Newf(apperr.KindConflict, "relation %s from %s to %s already exists", def, fromID, toID)
	}

	now := time.Now().UTC()
	pairID := uuid.NewString()
	forward := &models.Relation{
		ID:         uuid.NewString(),
		PairID:     pairID,
		Definition: def,
		FromID:     fromID,
		ToID:       toID,
		Note:       note,
		CreatedAt:  now,
	}
	reverse := &models.Relation{
		ID:         uuid.NewString(),
		PairID:     pairID,
		Definition: def,
		FromID:     toID,
		ToID:       fromID,
		Note:       reverseNote,
		CreatedAt:  now,
	}

	insert := tx.Rebind(`
		INSERT INTO session_relations (id, pair_id, definition, from_session_id, to_session_id, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for _, rel := range []*models.Relation{forward, reverse} {
		if _, err := tx.ExecContext(ctx, insert,
			rel.ID, rel.PairID, rel.Definition, rel.FromID, rel.ToID, rel.Note, rel.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("failed to insert relation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit relation: %w", err)
	}
	return forward, reverse, nil
}

// GetRelation returns one relation row by id.
func (s *Store) GetRelation(ctx context.Context, id string) (*models.Relation, error) {
	var rel models.Relation
	query := s.ro.Rebind(`SELECT * FROM session_relations WHERE id = ?`)
	if err := s.ro.GetContext(ctx, &rel, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Newf(apperr.KindNotFound, "relation %s not found", id)
		}
		return nil, fmt.Errorf("failed to get relation: %w", err)
	}
	return &rel, nil
}

// ListRelationsFrom returns every relation row whose from endpoint is the
// given session, ordered by creation time.
func (s *Store) ListRelationsFrom(ctx context.Context, sessionID string) ([]*models.Relation, error) {
	var rels []*models.Relation
	query := s.ro.Rebind(`
		SELECT * FROM session_relations
		WHERE from_session_id = ?
		ORDER BY created_at ASC, id ASC`)
	if err := s.ro.SelectContext(ctx, &rels, query, sessionID); err != nil {
		return nil, fmt.Errorf("failed to list relations: %w", err)
	}
	return rels, nil
}

// UpdateRelationNote updates the note on a single relation row. Notes are
// per-direction; the paired row keeps its own note.
func (s *Store) UpdateRelationNote(ctx context.Context, id, note string) error {
	query := s.db.Rebind(`UPDATE session_relations SET note = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, note, id)
	if err != nil {
		return fmt.Errorf("failed to update relation note: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read note update result: %w", err)
	}
	if affected == 0 {
		return apperr.Newf(apperr.KindNotFound, "relation %s not found", id)
	}
	return nil
}

// DeleteRelationPair removes both rows of the relation containing the given
// row id.
func (s *Store) DeleteRelationPair(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin relation delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var pairID string
	lookup := tx.Rebind(`SELECT pair_id FROM session_relations WHERE id = ?`)
	if err := tx.GetContext(ctx, &pairID, lookup, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.Newf(apperr.KindNotFound, "relation %s not found", id)
		}
		return fmt.Errorf("failed to look up relation: %w", err)
	}

	del := tx.Rebind(`DELETE FROM session_relations WHERE pair_id = ?`)
	if _, err := tx.ExecContext(ctx, del, pairID); err != nil {
		return fmt.Errorf("failed to delete relation pair: %w", err)
	}
	return tx.Commit()
}
