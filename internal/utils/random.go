package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// NewOpaqueToken returns a random hex token for one-time links (email
// verification, password reset). 32 bytes -> 64 hex chars.
func NewOpaqueToken() (string, error) {
	return randomHex(32)
}

// Fingerprint returns the SHA-256 hex digest of raw. Only fingerprints of
// one-time tokens are persisted, so a leaked table cannot be replayed.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
