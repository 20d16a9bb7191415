package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/avaldes/ohmtutor/internal/model"
)

// CreateExercise stores a new exercise and returns its id. The tutor context
// is normalized once here; everything downstream reads the typed struct.
func (s *Store) CreateExercise(ex model.Exercise) (string, error) {
	if strings.TrimSpace(ex.Title) == "" {
		return "", fmt.Errorf("%w: exercise title required", ErrValidation)
	}
	ex.TutorContext.Normalize()

	tc, err := json.Marshal(ex.TutorContext)
	if err != nil {
		return "", fmt.Errorf("marshal tutor context: %w", err)
	}

	id := ex.ID
	if id == "" {
		id = newID()
	} else if !ValidID(id) {
		return "", fmt.Errorf("%w: malformed exercise id", ErrValidation)
	}

	_, err = s.db.Exec(
		`INSERT INTO exercises (id, title, statement, subject, topic, level, image, tutor_context, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, ex.Title, ex.Statement, ex.Subject, ex.Topic, ex.Level, ex.Image, string(tc), time.Now(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetExercise returns an exercise by id, or nil if it does not exist.
func (s *Store) GetExercise(id string) (*model.Exercise, error) {
	row := s.db.QueryRow(
		`SELECT id, title, statement, subject, topic, level, image, tutor_context, created_at
		 FROM exercises WHERE id = ?`, id,
	)
	return scanExercise(row)
}

// ListExercises returns all exercises, newest first.
func (s *Store) ListExercises() ([]model.Exercise, error) {
	rows, err := s.db.Query(
		`SELECT id, title, statement, subject, topic, level, image, tutor_context, created_at
		 FROM exercises ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Exercise
	for rows.Next() {
		ex, err := scanExercise(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ex)
	}
	return out, rows.Err()
}

// UpdateExercise replaces an exercise's content.
func (s *Store) UpdateExercise(ex model.Exercise) error {
	if strings.TrimSpace(ex.Title) == "" {
		return fmt.Errorf("%w: exercise title required", ErrValidation)
	}
	ex.TutorContext.Normalize()

	tc, err := json.Marshal(ex.TutorContext)
	if err != nil {
		return fmt.Errorf("marshal tutor context: %w", err)
	}

	res, err := s.db.Exec(
		`UPDATE exercises SET title = ?, statement = ?, subject = ?, topic = ?, level = ?, image = ?, tutor_context = ?
		 WHERE id = ?`,
		ex.Title, ex.Statement, ex.Subject, ex.Topic, ex.Level, ex.Image, string(tc), ex.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: exercise %s", ErrNotFound, ex.ID)
	}
	return nil
}

// DeleteExercise removes an exercise.
func (s *Store) DeleteExercise(id string) error {
	res, err := s.db.Exec(`DELETE FROM exercises WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: exercise %s", ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExercise(row rowScanner) (*model.Exercise, error) {
	var ex model.Exercise
	var tc string
	err := row.Scan(&ex.ID, &ex.Title, &ex.Statement, &ex.Subject, &ex.Topic, &ex.Level, &ex.Image, &tc, &ex.CreatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tc), &ex.TutorContext); err != nil {
		return nil, fmt.Errorf("parse tutor context for exercise %s: %w", ex.ID, err)
	}
	ex.TutorContext.Normalize()
	return &ex, nil
}
