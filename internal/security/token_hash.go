package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashToken returns the hex SHA-256 of a bearer token. Sessions store this for
// the current refresh token so the raw token is never persisted.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// TokenHashEqual compares the hash of providedToken with storedHash in constant
// time. An empty storedHash never matches.
func TokenHashEqual(providedToken, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	providedHash := HashToken(providedToken)
	return subtle.ConstantTimeCompare([]byte(providedHash), []byte(storedHash)) == 1
}
