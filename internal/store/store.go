// Package store persists users, exercises, interactions and results in
// SQLite. It owns the transcript lifecycle: interactions are append-only and
// closed through Finalize exactly once.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound means the referenced document does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrValidation means the caller supplied a malformed identifier or
	// an otherwise invalid document.
	ErrValidation = errors.New("store: validation failed")
)

// idRe accepts UUIDs and other url-safe identifiers (SSO subject ids).
var idRe = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

// ValidID reports whether s is a well-formed document identifier.
func ValidID(s string) bool {
	return idRe.MatchString(s)
}

func newID() string {
	return uuid.NewString()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		login TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		surname TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'student',
		active INTEGER NOT NULL DEFAULT 1,
		last_login_at DATETIME,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS exercises (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		statement TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		level INTEGER NOT NULL DEFAULT 0,
		image TEXT NOT NULL DEFAULT '',
		tutor_context TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		exercise_id TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id),
		FOREIGN KEY (exercise_id) REFERENCES exercises(id)
	);

	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		interaction_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (interaction_id) REFERENCES interactions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_turns_interaction ON turns(interaction_id);

	CREATE TABLE IF NOT EXISTS results (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		exercise_id TEXT NOT NULL,
		interaction_id TEXT NOT NULL,
		solved_first_try INTEGER NOT NULL DEFAULT 0,
		turn_count INTEGER NOT NULL DEFAULT 0,
		analysis TEXT NOT NULL DEFAULT '',
		advice TEXT NOT NULL DEFAULT '',
		acs TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id),
		FOREIGN KEY (exercise_id) REFERENCES exercises(id),
		FOREIGN KEY (interaction_id) REFERENCES interactions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_results_user ON results(user_id);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		imported_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}
