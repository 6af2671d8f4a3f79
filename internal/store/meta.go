package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// GetMeta returns the value stored under key, nil if unset.
func (s *Store) GetMeta(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetMeta(key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}
