package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"flashtransfer/models"
)

// SaveTranscript replaces the stored transcript for code with the persistable
// form of messages.
func (s *Store) SaveTranscript(code string, messages []models.ChatMessage) error {
	if code == "" {
		return errors.New("code is required")
	}

	persisted := make([]models.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		persisted = append(persisted, msg.Persistable())
	}
	payload, err := json.Marshal(persisted)
	if err != nil {
		return fmt.Errorf("marshal transcript %q: %w", code, err)
	}

	if _, err := s.db.Exec(
		`INSERT INTO chat_transcripts (code, messages, last_active)
		VALUES (?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			messages = excluded.messages,
			last_active = excluded.last_active`,
		code,
		string(payload),
		nowUnixMilli(),
	); err != nil {
		return fmt.Errorf("save transcript %q: %w", code, err)
	}
	return nil
}

// LoadTranscript returns the stored transcript for code.
func (s *Store) LoadTranscript(code string) ([]models.ChatMessage, error) {
	if code == "" {
		return nil, errors.New("code is required")
	}

	var payload string
	if err := s.db.QueryRow(
		`SELECT messages FROM chat_transcripts WHERE code = ?`,
		code,
	).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load transcript %q: %w", code, err)
	}

	messages := make([]models.ChatMessage, 0)
	if err := json.Unmarshal([]byte(payload), &messages); err != nil {
		return nil, fmt.Errorf("decode transcript %q: %w", code, err)
	}
	return messages, nil
}

// DeleteTranscript removes the stored transcript for code.
func (s *Store) DeleteTranscript(code string) error {
	if code == "" {
		return errors.New("code is required")
	}

	res, err := s.db.Exec(`DELETE FROM chat_transcripts WHERE code = ?`, code)
	if err != nil {
		return fmt.Errorf("delete transcript %q: %w", code, err)
	}
	return requireOneRow(res, "delete transcript", code)
}
