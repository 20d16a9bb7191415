package store

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avaldes/ohmtutor/internal/model"
)

// CreateUser inserts a new user and returns its id.
func (s *Store) CreateUser(u model.User) (string, error) {
	if strings.TrimSpace(u.Login) == "" {
		return "", fmt.Errorf("%w: login required", ErrValidation)
	}
	id := u.ID
	if id == "" {
		id = newID()
	} else if !ValidID(id) {
		return "", fmt.Errorf("%w: malformed user id", ErrValidation)
	}
	_, err := s.db.Exec(
		`INSERT INTO users (id, login, name, surname, email, password_hash, role, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, u.Login, u.Name, u.Surname, u.Email, u.PasswordHash, u.Role, u.Active, time.Now(),
	)
	if err != nil {
		slog.Error("failed to create user", "login", u.Login, "error", err)
		return "", err
	}
	slog.Info("created user", "id", id, "login", u.Login, "role", u.Role)
	return id, nil
}

// GetUserByLogin returns a user by login, or nil if not found.
func (s *Store) GetUserByLogin(login string) (*model.User, error) {
	return s.getUser(`SELECT id, login, name, surname, email, password_hash, role, active, last_login_at, created_at
		 FROM users WHERE login = ?`, login)
}

// GetUserByID returns a user by id, or nil if not found.
func (s *Store) GetUserByID(id string) (*model.User, error) {
	return s.getUser(`SELECT id, login, name, surname, email, password_hash, role, active, last_login_at, created_at
		 FROM users WHERE id = ?`, id)
}

func (s *Store) getUser(query string, arg any) (*model.User, error) {
	var u model.User
	err := s.db.QueryRow(query, arg).Scan(
		&u.ID, &u.Login, &u.Name, &u.Surname, &u.Email, &u.PasswordHash,
		&u.Role, &u.Active, &u.LastLoginAt, &u.CreatedAt,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns all users ordered by login.
func (s *Store) ListUsers() ([]model.User, error) {
	rows, err := s.db.Query(
		`SELECT id, login, name, surname, email, password_hash, role, active, last_login_at, created_at
		 FROM users ORDER BY login`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Login, &u.Name, &u.Surname, &u.Email, &u.PasswordHash,
			&u.Role, &u.Active, &u.LastLoginAt, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// TouchLastLogin records a successful login.
func (s *Store) TouchLastLogin(id string) error {
	_, err := s.db.Exec(`UPDATE users SET last_login_at = ? WHERE id = ?`, time.Now(), id)
	return err
}

// ToggleUserActive flips the active flag on a user.
func (s *Store) ToggleUserActive(id string) error {
	_, err := s.db.Exec(`UPDATE users SET active = NOT active WHERE id = ?`, id)
	return err
}

// UserCount returns the total number of users.
func (s *Store) UserCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}
