// Package secure holds the small crypto helpers shared across the
// service: constant-time comparison, URL-safe random tokens, and the
// SHA-256 fingerprints used wherever raw tokens must not be persisted.
package secure

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// SecureCompare performs a constant-time comparison of two strings.
// Apply to refresh token fingerprints, magic-link hashes and HMAC
// signatures; never use == for those.
func SecureCompare(provided, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// GenerateSecureToken creates a URL-safe random string from length bytes
// of OS entropy. Used for refresh reference tokens and magic links.
func GenerateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Fingerprint hashes a token with SHA-256 for deterministic lookup.
// Only fingerprints are persisted; raw tokens go to the client.
func Fingerprint(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
