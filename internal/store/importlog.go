package store

import (
	"database/sql"
	"time"
)

// GetImportedFileHash returns the recorded hash for a seed file, or "" when
// the file was never imported.
func (s *Store) GetImportedFileHash(path string) (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT hash FROM imported_files WHERE path = ?`, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

// SetImportedFileHash records that a seed file with the given hash was
// imported, replacing any previous record for the path.
func (s *Store) SetImportedFileHash(path, hash string) error {
	_, err := s.db.Exec(`
		INSERT INTO imported_files (path, hash, imported_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET hash = excluded.hash, imported_at = excluded.imported_at`,
		path, hash, time.Now())
	return err
}
