package storage

import (
	"errors"
	"fmt"
	"time"

	"flashtransfer/models"
)

// SaveConnection records a connection under its code, replacing any earlier
// entry for the same code, and keeps only the limit most recent entries.
func (s *Store) SaveConnection(conn models.StoredConnection, limit int) error {
	if conn.Code == "" {
		return errors.New("code is required")
	}
	if conn.ID == "" {
		conn.ID = conn.Code
	}
	if conn.Name == "" {
		return errors.New("name is required")
	}
	if conn.LastActive == 0 {
		conn.LastActive = nowUnixMilli()
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin history transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(
		`INSERT INTO connection_history (code, id, name, peer_label, last_active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			id = excluded.id,
			name = excluded.name,
			peer_label = excluded.peer_label,
			last_active = excluded.last_active`,
		conn.Code,
		conn.ID,
		conn.Name,
		conn.PeerLabel,
		conn.LastActive,
	); err != nil {
		return fmt.Errorf("save connection %q: %w", conn.Code, err)
	}

	if _, err := tx.Exec(
		`DELETE FROM connection_history
		WHERE code NOT IN (
			SELECT code FROM connection_history
			ORDER BY last_active DESC, code
			LIMIT ?
		)`,
		limit,
	); err != nil {
		return fmt.Errorf("trim connection history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history transaction: %w", err)
	}
	return nil
}

// ListConnections drops entries older than maxAge and returns the rest newest first.
func (s *Store) ListConnections(now time.Time, maxAge time.Duration) ([]models.StoredConnection, error) {
	if maxAge <= 0 {
		maxAge = DefaultHistoryMaxAge
	}
	cutoff := now.Add(-maxAge).UnixMilli()

	if _, err := s.db.Exec(`DELETE FROM connection_history WHERE last_active < ?`, cutoff); err != nil {
		return nil, fmt.Errorf("prune connection history: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT code, id, name, peer_label, last_active
		FROM connection_history
		ORDER BY last_active DESC, code`,
	)
	if err != nil {
		return nil, fmt.Errorf("list connection history: %w", err)
	}
	defer rows.Close()

	conns := make([]models.StoredConnection, 0)
	for rows.Next() {
		var conn models.StoredConnection
		if err := rows.Scan(&conn.Code, &conn.ID, &conn.Name, &conn.PeerLabel, &conn.LastActive); err != nil {
			return nil, fmt.Errorf("scan connection history row: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connection history rows: %w", err)
	}

	return conns, nil
}

// RemoveConnection forgets one connection and its transcript.
func (s *Store) RemoveConnection(code string) error {
	if code == "" {
		return errors.New("code is required")
	}

	res, err := s.db.Exec(`DELETE FROM connection_history WHERE code = ?`, code)
	if err != nil {
		return fmt.Errorf("remove connection %q: %w", code, err)
	}
	if err := requireOneRow(res, "remove connection", code); err != nil {
		return err
	}
	if err := s.DeleteTranscript(code); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// ClearHistory forgets every connection and transcript.
func (s *Store) ClearHistory() error {
	if _, err := s.db.Exec(`DELETE FROM connection_history`); err != nil {
		return fmt.Errorf("clear connection history: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM chat_transcripts`); err != nil {
		return fmt.Errorf("clear chat transcripts: %w", err)
	}
	return nil
}
