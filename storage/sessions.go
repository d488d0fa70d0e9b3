package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"flashtransfer/models"
)

const sessionColumns = `
			id,
			short_code,
			offer,
			answer,
			transfer_mode,
			created_at,
			expires_at,
			last_activity_at,
			initiator_device_id,
			joiner_device_id,
			locked_at,
			reusable_until`

// InsertSession stores a new share session. The insert only happens when no
// unexpired session holds the same short code at session.CreatedAt, checked in
// the same statement so a concurrent reader never sees a half-written row.
func (s *Store) InsertSession(session models.ShareSession) error {
	if session.ID == "" {
		return errors.New("session id is required")
	}
	if session.ShortCode == "" {
		return errors.New("short code is required")
	}
	if session.Offer == "" {
		return errors.New("offer is required")
	}
	if session.TransferMode == "" {
		session.TransferMode = models.TransferModeBidirectional
	}
	if err := validateTransferMode(session.TransferMode); err != nil {
		return err
	}
	if session.CreatedAt == 0 {
		session.CreatedAt = nowUnixMilli()
	}
	if session.LastActivityAt == 0 {
		session.LastActivityAt = session.CreatedAt
	}
	if session.ExpiresAt <= session.CreatedAt {
		return errors.New("expires_at must be after created_at")
	}

	res, err := s.db.Exec(
		`INSERT INTO share_sessions (`+sessionColumns+`
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM share_sessions
			WHERE short_code = ?
			  AND MAX(expires_at, COALESCE(reusable_until, 0)) > ?
		)`,
		session.ID,
		session.ShortCode,
		session.Offer,
		nullString(session.Answer),
		session.TransferMode,
		session.CreatedAt,
		session.ExpiresAt,
		session.LastActivityAt,
		nullString(session.InitiatorDeviceID),
		nullString(session.JoinerDeviceID),
		nullInt64(session.LockedAt),
		nullInt64(session.ReusableUntil),
		session.ShortCode,
		session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session %q: %w", session.ID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for insert session %q: %w", session.ID, err)
	}
	if rowsAffected == 0 {
		return ErrCodeCollision
	}

	return nil
}

// GetSession fetches one session by id.
func (s *Store) GetSession(id string) (*models.ShareSession, error) {
	if id == "" {
		return nil, errors.New("session id is required")
	}

	row := s.db.QueryRow(
		`SELECT`+sessionColumns+`
		FROM share_sessions
		WHERE id = ?`,
		id,
	)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session %q: %w", id, err)
	}
	return session, nil
}

// GetSessionByCode fetches the newest session created under a short code.
func (s *Store) GetSessionByCode(code string) (*models.ShareSession, error) {
	if code == "" {
		return nil, errors.New("short code is required")
	}

	row := s.db.QueryRow(
		`SELECT`+sessionColumns+`
		FROM share_sessions
		WHERE short_code = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		code,
	)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session by code %q: %w", code, err)
	}
	return session, nil
}

// UpdateOffer replaces the offer of a resumed session, drops the answer that
// belonged to the previous offer, and moves expires_at forward.
func (s *Store) UpdateOffer(id, offer string, expiresAt, now int64) error {
	if id == "" {
		return errors.New("session id is required")
	}
	if offer == "" {
		return errors.New("offer is required")
	}

	res, err := s.db.Exec(
		`UPDATE share_sessions
		SET offer = ?, answer = NULL, expires_at = ?, last_activity_at = ?
		WHERE id = ?`,
		offer,
		expiresAt,
		now,
		id,
	)
	if err != nil {
		return fmt.Errorf("update offer for session %q: %w", id, err)
	}
	return requireOneRow(res, "update offer", id)
}

// SetAnswer stores the joiner's answer. Later writes win.
func (s *Store) SetAnswer(id, answer string, now int64) error {
	if id == "" {
		return errors.New("session id is required")
	}
	if answer == "" {
		return errors.New("answer is required")
	}

	res, err := s.db.Exec(
		`UPDATE share_sessions
		SET answer = ?, last_activity_at = ?
		WHERE id = ?`,
		answer,
		now,
		id,
	)
	if err != nil {
		return fmt.Errorf("set answer for session %q: %w", id, err)
	}
	return requireOneRow(res, "set answer", id)
}

// LockJoiner binds the joiner identity if none is bound yet. It reports
// whether this call performed the lock.
func (s *Store) LockJoiner(id, deviceID string, lockedAt, reusableUntil int64) (bool, error) {
	if id == "" {
		return false, errors.New("session id is required")
	}
	if deviceID == "" {
		return false, errors.New("device id is required")
	}

	res, err := s.db.Exec(
		`UPDATE share_sessions
		SET joiner_device_id = ?, locked_at = ?, reusable_until = ?, last_activity_at = ?
		WHERE id = ? AND joiner_device_id IS NULL`,
		deviceID,
		lockedAt,
		reusableUntil,
		lockedAt,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("lock joiner for session %q: %w", id, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for lock joiner %q: %w", id, err)
	}
	return rowsAffected == 1, nil
}

// DeleteExpiredSessions removes every session whose deadline is at or before now.
func (s *Store) DeleteExpiredSessions(now int64) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM share_sessions
		WHERE MAX(expires_at, COALESCE(reusable_until, 0)) <= ?`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for expired session delete: %w", err)
	}
	return rowsAffected, nil
}

func requireOneRow(res sql.Result, op, id string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %s %q: %w", op, id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSession(row scanner) (*models.ShareSession, error) {
	var (
		session       models.ShareSession
		answer        sql.NullString
		initiatorID   sql.NullString
		joinerID      sql.NullString
		lockedAt      sql.NullInt64
		reusableUntil sql.NullInt64
	)

	if err := row.Scan(
		&session.ID,
		&session.ShortCode,
		&session.Offer,
		&answer,
		&session.TransferMode,
		&session.CreatedAt,
		&session.ExpiresAt,
		&session.LastActivityAt,
		&initiatorID,
		&joinerID,
		&lockedAt,
		&reusableUntil,
	); err != nil {
		return nil, err
	}

	session.Answer = answer.String
	session.InitiatorDeviceID = initiatorID.String
	session.JoinerDeviceID = joinerID.String
	session.LockedAt = lockedAt.Int64
	session.ReusableUntil = reusableUntil.Int64

	return &session, nil
}
