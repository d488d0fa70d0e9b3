package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"flashtransfer/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrCodeCollision indicates an unexpired session already holds the short code.
	ErrCodeCollision = errors.New("storage: short code already active")
)

const (
	// DefaultHistoryLimit bounds the number of remembered connections.
	DefaultHistoryLimit = 10
	// DefaultHistoryMaxAge drops remembered connections after this long.
	DefaultHistoryMaxAge = 15 * 24 * time.Hour
)

type scanner interface {
	Scan(dest ...any) error
}

func validateTransferMode(mode string) error {
	switch mode {
	case models.TransferModeBidirectional, models.TransferModeBroadcast:
		return nil
	default:
		return fmt.Errorf("invalid transfer mode %q", mode)
	}
}

func validateRole(role string) error {
	switch role {
	case models.RoleInitiator, models.RoleJoiner:
		return nil
	default:
		return fmt.Errorf("invalid role %q", role)
	}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
