// Package auth derives and verifies password digests. Digests are
// PBKDF2-SHA256 over the password with a per-user random salt and a
// process-wide pepper, hex encoded for storage.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	digestSize = 32
	iterations = 100_000
)

// Hasher derives digests with a fixed pepper.
type Hasher struct {
	pepper []byte
}

// NewHasher returns a Hasher using pepper. The pepper is required: running
// without one silently weakens every stored digest.
func NewHasher(pepper []byte) (*Hasher, error) {
	if len(pepper) == 0 {
		return nil, fmt.Errorf("empty pepper")
	}
	return &Hasher{pepper: append([]byte(nil), pepper...)}, nil
}

// GenerateSalt returns a fresh per-user salt.
func (h *Hasher) GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// Digest derives the hex digest of password under salt and the pepper.
func (h *Hasher) Digest(password string, salt []byte) string {
	seasoned := make([]byte, 0, len(salt)+len(h.pepper))
	seasoned = append(seasoned, salt...)
	seasoned = append(seasoned, h.pepper...)
	key := pbkdf2.Key([]byte(password), seasoned, iterations, digestSize, sha256.New)
	return hex.EncodeToString(key)
}

// Verify reports whether password matches the stored digest in constant time.
func (h *Hasher) Verify(password string, salt []byte, digest string) bool {
	computed := h.Digest(password, salt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(digest)) == 1
}
