package store

import (
	"fmt"
	"time"

	"github.com/avaldes/ohmtutor/internal/model"
)

// CreateInteraction creates an empty-history interaction and returns its id.
func (s *Store) CreateInteraction(userID, exerciseID string) (string, error) {
	if !ValidID(userID) || !ValidID(exerciseID) {
		return "", fmt.Errorf("%w: malformed user or exercise id", ErrValidation)
	}
	id := newID()
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO interactions (id, user_id, exercise_id, started_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, userID, exerciseID, now, now,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// AppendTurns atomically appends turns to the end of an interaction's
// history and refreshes its update time. The stored sequence is append-only;
// existing turns are never touched.
func (s *Store) AppendTurns(interactionID string, turns []model.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.Exec(`UPDATE interactions SET updated_at = ? WHERE id = ?`, now, interactionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: interaction %s", ErrNotFound, interactionID)
	}

	for _, t := range turns {
		created := t.CreatedAt
		if created.IsZero() {
			created = now
		}
		_, err := tx.Exec(
			`INSERT INTO turns (interaction_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			interactionID, t.Role, t.Content, created,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ReadTail returns at most the last maxTurns turns of an interaction,
// oldest first. maxTurns <= 0 means the full history.
func (s *Store) ReadTail(interactionID string, maxTurns int) ([]model.Turn, error) {
	if exists, err := s.interactionExists(interactionID); err != nil {
		return nil, err
	} else if !exists {
		return nil, fmt.Errorf("%w: interaction %s", ErrNotFound, interactionID)
	}

	query := `SELECT role, content, created_at FROM (
		SELECT id, role, content, created_at FROM turns
		WHERE interaction_id = ? ORDER BY id DESC`
	args := []any{interactionID}
	if maxTurns > 0 {
		query += ` LIMIT ?`
		args = append(args, maxTurns)
	}
	query += `) ORDER BY id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []model.Turn
	for rows.Next() {
		var t model.Turn
		if err := rows.Scan(&t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Finalize closes out one orchestrated exchange. A non-empty assistant text
// is appended as one tutor turn; an empty text only refreshes the update
// timestamp, so the record still reflects the exchange's end even when the
// model produced nothing usable.
func (s *Store) Finalize(interactionID string, assistantText string) error {
	if assistantText != "" {
		return s.AppendTurns(interactionID, []model.Turn{
			{Role: model.RoleTutor, Content: assistantText},
		})
	}
	res, err := s.db.Exec(`UPDATE interactions SET updated_at = ? WHERE id = ?`, time.Now(), interactionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: interaction %s", ErrNotFound, interactionID)
	}
	return nil
}

// GetInteraction returns an interaction with its full turn history, or nil
// if it does not exist.
func (s *Store) GetInteraction(id string) (*model.Interaction, error) {
	in, err := s.getInteractionHeader(id)
	if err != nil || in == nil {
		return in, err
	}
	in.Turns, err = s.ReadTail(id, 0)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// ListInteractionsByUser returns a user's interaction headers, newest first.
// Turn histories are not loaded.
func (s *Store) ListInteractionsByUser(userID string) ([]model.Interaction, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, exercise_id, started_at, updated_at
		 FROM interactions WHERE user_id = ? ORDER BY started_at DESC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Interaction
	for rows.Next() {
		var in model.Interaction
		if err := rows.Scan(&in.ID, &in.UserID, &in.ExerciseID, &in.StartedAt, &in.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// LatestInteraction returns the most recently updated interaction for a
// user-exercise pair, or nil if none exists.
func (s *Store) LatestInteraction(userID, exerciseID string) (*model.Interaction, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT id FROM interactions WHERE user_id = ? AND exercise_id = ?
		 ORDER BY updated_at DESC LIMIT 1`, userID, exerciseID,
	).Scan(&id)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.GetInteraction(id)
}

// DeleteInteraction removes an interaction and its turns.
func (s *Store) DeleteInteraction(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM turns WHERE interaction_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM interactions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: interaction %s", ErrNotFound, id)
	}
	return tx.Commit()
}

// TurnCount returns how many turns an interaction holds.
func (s *Store) TurnCount(interactionID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM turns WHERE interaction_id = ?`, interactionID).Scan(&count)
	return count, err
}

func (s *Store) getInteractionHeader(id string) (*model.Interaction, error) {
	var in model.Interaction
	err := s.db.QueryRow(
		`SELECT id, user_id, exercise_id, started_at, updated_at FROM interactions WHERE id = ?`, id,
	).Scan(&in.ID, &in.UserID, &in.ExerciseID, &in.StartedAt, &in.UpdatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (s *Store) interactionExists(id string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM interactions WHERE id = ?`, id).Scan(&one)
	if isNoRows(err) {
		return false, nil
	}
	return err == nil, err
}
