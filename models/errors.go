package models

import "errors"

// Failure categories shared by the relay, its client, and the connection layer.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("session not found")
	ErrExpired           = errors.New("session expired")
	ErrForbidden         = errors.New("connection locked to a different device")
	ErrRateLimited       = errors.New("rate limited")
	ErrCodeCollision     = errors.New("code already in use")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrUnavailable       = errors.New("server error")
	ErrTransport         = errors.New("transport error")
	ErrProtocolViolation = errors.New("protocol violation")
)

// Retryable reports whether err is transient and safe to retry after backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}
