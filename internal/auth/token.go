// Package auth implements the Authenticator (spec.md §4.4): opaque bearer
// key validation, session binding, permission checks and revocation.
//
// Token generation and hashing are grounded on the teacher's internal/auth
// package contract (recovered from its test suite, since only tests were
// retrieved for that package in the example pack): a high-entropy hex token
// from crypto/rand, hashed with a per-key salt through SHA3-256, compared
// with crypto/subtle in constant time.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// randRead is a seam for error-path testing, mirroring the teacher's own
// randRead indirection in internal/auth/coverage_test.go.
var randRead = rand.Read

const (
	tokenBytes = 32
	saltBytes  = 16
)

// GenerateAPIToken returns a new high-entropy opaque bearer token, hex
// encoded (64 characters for 32 bytes).
func GenerateAPIToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := randRead(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// generateSalt returns a new random salt for hashing a token.
func generateSalt() (string, error) {
	buf := make([]byte, saltBytes)
	if _, err := randRead(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashToken hashes a plaintext token with the given hex-encoded salt,
// returning the hex-encoded SHA3-256 digest of salt||token. The plaintext
// token is never persisted; only salt+hash are stored on the ApiKey
// (spec.md §3 invariant: "hash is never logged; plaintext never persisted").
func HashToken(salt, token string) string {
	h := sha3.New256()
	h.Write([]byte(salt))
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

// NewCredential generates a fresh salt and returns (plaintext, salt, hash)
// for a newly issued api key. The plaintext is returned exactly once, by
// the genkey CLI command -- never stored.
func NewCredential() (plaintext, salt, hash string, err error) {
	plaintext, err = GenerateAPIToken()
	if err != nil {
		return "", "", "", err
	}
	salt, err = generateSalt()
	if err != nil {
		return "", "", "", err
	}
	hash = HashToken(salt, plaintext)
	return plaintext, salt, hash, nil
}

// CompareToken reports whether token hashes (with salt) to the expected
// hash, using a constant-time comparison so a timing side channel cannot
// leak how many leading bytes matched.
func CompareToken(token, salt, expectedHash string) bool {
	if token == "" || expectedHash == "" {
		return false
	}
	computed := HashToken(salt, token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(expectedHash)) == 1
}
