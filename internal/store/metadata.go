package store

import (
	"database/sql"
	"errors"
)

// SetMetadata records a server setting, such as the active prompt variant.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO exam_metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// GetMetadata returns a server setting, or "" when it was never set.
func (s *Store) GetMetadata(key string) (string, error) {
	return s.scalar(`SELECT value FROM exam_metadata WHERE key = ?`, key)
}

// SetImportedFileHash remembers the content hash of an imported exams file.
func (s *Store) SetImportedFileHash(path, hash string) error {
	_, err := s.db.Exec(`INSERT INTO imported_files (path, hash) VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET hash = excluded.hash`, path, hash)
	return err
}

// GetImportedFileHash returns the hash recorded for path, or "" if it was never imported.
func (s *Store) GetImportedFileHash(path string) (string, error) {
	return s.scalar(`SELECT hash FROM imported_files WHERE path = ?`, path)
}

// scalar runs a single-column lookup where a missing row means "".
func (s *Store) scalar(query string, args ...any) (string, error) {
	var v string
	err := s.db.QueryRow(query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}
