package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/andres-erbsen/clock"
	"golang.org/x/crypto/hkdf"
)

// DefaultTokenWindow is how far a token timestamp may drift from the server clock.
const DefaultTokenWindow = 2 * time.Minute

var (
	// ErrTokenMissing indicates an absent token or timestamp.
	ErrTokenMissing = errors.New("crypto: token or timestamp missing")
	// ErrTokenExpired indicates a timestamp outside the accepted window.
	ErrTokenExpired = errors.New("crypto: token outside time window")
	// ErrTokenInvalid indicates a token that does not match its timestamp.
	ErrTokenInvalid = errors.New("crypto: token signature mismatch")
)

var tokenKeyInfo = []byte("flashtransfer analytics token v1")

// Token is a short-lived credential bound to the timestamp it was issued at.
type Token struct {
	Value     string
	Timestamp int64
	ExpiresIn time.Duration
}

// TokenIssuer issues and verifies time-window tokens signed with a key
// derived from the server secret.
type TokenIssuer struct {
	key    []byte
	window time.Duration
	clock  clock.Clock
}

// NewTokenIssuer derives the signing key from secret.
func NewTokenIssuer(secret []byte, window time.Duration, clk clock.Clock) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	if window <= 0 {
		window = DefaultTokenWindow
	}
	if clk == nil {
		clk = clock.New()
	}

	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, tokenKeyInfo), key); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}

	return &TokenIssuer{key: key, window: window, clock: clk}, nil
}

// Issue returns a token for the current time.
func (i *TokenIssuer) Issue() Token {
	ts := i.clock.Now().UnixMilli()
	return Token{
		Value:     i.sign(ts),
		Timestamp: ts,
		ExpiresIn: i.window,
	}
}

// Verify checks token against the timestamp header value.
func (i *TokenIssuer) Verify(token, timestamp string) error {
	if token == "" || timestamp == "" {
		return ErrTokenMissing
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrTokenInvalid)
	}

	drift := i.clock.Now().Sub(time.UnixMilli(ts))
	if drift < 0 {
		drift = -drift
	}
	if drift > i.window {
		return ErrTokenExpired
	}

	expected := i.sign(ts)
	if !hmac.Equal([]byte(expected), []byte(token)) {
		return ErrTokenInvalid
	}
	return nil
}

func (i *TokenIssuer) sign(ts int64) string {
	mac := hmac.New(sha256.New, i.key)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
