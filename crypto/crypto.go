// Package crypto encrypts bot credentials at rest. It implements AES-256-GCM
// with the owning credential's provider key bound in as additional data, so a
// ciphertext copied onto another provider's row fails to open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNoKey is returned by FromEnv when ENCRYPTION_KEY is unset.
var ErrNoKey = errors.New("encryption key not configured")

// Sealer encrypts and decrypts short secrets for a named owner.
type Sealer interface {
	Seal(owner, plaintext string) (string, error)
	Open(owner, sealed string) (string, error)
	KeyID() string
}

// AESSealer implements Sealer using AES-256-GCM.
type AESSealer struct {
	aead  cipher.AEAD
	keyID string
}

// NewAESSealer creates a sealer from a base64-encoded 32-byte key
// (generate one with `openssl rand -base64 32`).
func NewAESSealer(base64Key string) (*AESSealer, error) {
	if base64Key == "" {
		return nil, ErrNoKey
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	sum := sha256.Sum256(key)
	return &AESSealer{aead: aead, keyID: hex.EncodeToString(sum[:4])}, nil
}

// FromEnv builds a sealer from ENCRYPTION_KEY. It returns ErrNoKey when the
// variable is empty so callers can fall back to plaintext storage.
func FromEnv() (*AESSealer, error) {
	return NewAESSealer(os.Getenv("ENCRYPTION_KEY"))
}

// KeyID is a short fingerprint of the key, stored next to sealed values.
func (s *AESSealer) KeyID() string { return s.keyID }

// Seal returns base64(nonce || ciphertext || tag). Empty input stays empty.
func (s *AESSealer) Seal(owner, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(owner))
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Tampered input, a different key or a different owner all fail.
func (s *AESSealer) Open(owner, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n+s.aead.Overhead() {
		return "", fmt.Errorf("ciphertext too short: %d bytes", len(raw))
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], []byte(owner))
	if err != nil {
		return "", errors.New("decryption failed: authentication or integrity check failed")
	}
	return string(plain), nil
}
