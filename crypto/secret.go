package crypto

import (
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	secretPEMType = "FLASHTRANSFER TOKEN SECRET"
	// SecretSize is the length of a generated server secret in bytes.
	SecretSize = 32
)

// EnsureSecret loads the server secret from disk, generating it on first run.
func EnsureSecret(path string) ([]byte, error) {
	secret, err := LoadSecret(path)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	secret = make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	if err := SaveSecret(path, secret); err != nil {
		return nil, err
	}

	return secret, nil
}

// LoadSecret reads a PEM-encoded server secret.
func LoadSecret(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token secret: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode token secret PEM: no PEM block")
	}
	if block.Type != secretPEMType {
		return nil, fmt.Errorf("decode token secret PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) < 16 {
		return nil, fmt.Errorf("decode token secret PEM: secret too short (%d bytes)", len(block.Bytes))
	}

	return block.Bytes, nil
}

// SaveSecret writes the server secret as PEM with 0600 permissions.
func SaveSecret(path string, secret []byte) error {
	if len(secret) < 16 {
		return fmt.Errorf("save token secret: secret too short (%d bytes)", len(secret))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create secret directory: %w", err)
	}

	block := &pem.Block{
		Type:  secretPEMType,
		Bytes: secret,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write token secret: %w", err)
	}

	return nil
}
