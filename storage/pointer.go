package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"flashtransfer/models"
)

// DefaultPointerMaxAge is how long a saved session pointer stays usable.
const DefaultPointerMaxAge = 30 * time.Minute

// SaveSessionPointer replaces the single saved session pointer.
func (s *Store) SaveSessionPointer(ptr models.SessionPointer) error {
	if err := validateRole(ptr.Role); err != nil {
		return err
	}
	if ptr.Code == "" {
		return errors.New("code is required")
	}
	if ptr.SavedAt == 0 {
		ptr.SavedAt = nowUnixMilli()
	}

	if _, err := s.db.Exec(
		`INSERT INTO session_pointer (slot, role, code, session_id, saved_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			role = excluded.role,
			code = excluded.code,
			session_id = excluded.session_id,
			saved_at = excluded.saved_at`,
		ptr.Role,
		ptr.Code,
		ptr.SessionID,
		ptr.SavedAt,
	); err != nil {
		return fmt.Errorf("save session pointer: %w", err)
	}
	return nil
}

// LoadSessionPointer returns the saved pointer if it is younger than maxAge.
// Stale pointers are removed and reported as ErrNotFound.
func (s *Store) LoadSessionPointer(now time.Time, maxAge time.Duration) (*models.SessionPointer, error) {
	if maxAge <= 0 {
		maxAge = DefaultPointerMaxAge
	}

	var ptr models.SessionPointer
	if err := s.db.QueryRow(
		`SELECT role, code, session_id, saved_at FROM session_pointer WHERE slot = 1`,
	).Scan(&ptr.Role, &ptr.Code, &ptr.SessionID, &ptr.SavedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session pointer: %w", err)
	}

	if now.Sub(time.UnixMilli(ptr.SavedAt)) > maxAge {
		if err := s.ClearSessionPointer(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return &ptr, nil
}

// ClearSessionPointer removes the saved pointer. Clearing an absent pointer is not an error.
func (s *Store) ClearSessionPointer() error {
	if _, err := s.db.Exec(`DELETE FROM session_pointer`); err != nil {
		return fmt.Errorf("clear session pointer: %w", err)
	}
	return nil
}
