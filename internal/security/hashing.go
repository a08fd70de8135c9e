package security

import (
	"crypto/rand"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Hasher hashes and verifies passwords using bcrypt. Callers must not log or
// persist plaintext passwords.
type Hasher struct {
	Cost int

	dummyOnce sync.Once
	dummy     []byte
}

// NewHasher returns a Hasher with the given bcrypt cost, clamped to 4–31.
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &Hasher{Cost: cost}
}

// Hash produces a bcrypt hash of password suitable for storage.
func (h *Hasher) Hash(password []byte) (string, error) {
	b, err := bcrypt.GenerateFromPassword(password, h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare verifies password against the stored hash. Returns nil on match;
// bcrypt.ErrMismatchedHashAndPassword or a parse error otherwise.
func (h *Hasher) Compare(hash string, password []byte) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), password)
}

// CompareDummy burns the same bcrypt work as Compare against a hash nobody
// knows the password for. Call it when the login does not exist so the
// response time matches a wrong password. Always returns a mismatch error.
func (h *Hasher) CompareDummy(password []byte) error {
	h.dummyOnce.Do(func() {
		secret := make([]byte, 32)
		_, _ = rand.Read(secret)
		h.dummy, _ = bcrypt.GenerateFromPassword(secret, h.Cost)
	})
	if err := bcrypt.CompareHashAndPassword(h.dummy, password); err != nil {
		return err
	}
	return bcrypt.ErrMismatchedHashAndPassword
}
