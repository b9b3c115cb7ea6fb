package security

import (
	"golang.org/x/crypto/bcrypt"
)

// Hasher derives and verifies bcrypt hashes for account passwords in the
// embedded identity store. Plaintext passwords must never be logged or
// written to the cache.
type Hasher struct {
	Cost int
}

// NewHasher returns a Hasher with cost clamped to bcrypt's valid range.
// A non-positive cost falls back to bcrypt.DefaultCost; the BCRYPT_COST
// config key feeds this directly.
func NewHasher(cost int) *Hasher {
	switch {
	case cost <= 0:
		cost = bcrypt.DefaultCost
	case cost < bcrypt.MinCost:
		cost = bcrypt.MinCost
	case cost > bcrypt.MaxCost:
		cost = bcrypt.MaxCost
	}
	return &Hasher{Cost: cost}
}

// Hash returns the bcrypt hash of password in the form stored on the
// accounts row.
func (h *Hasher) Hash(password []byte) (string, error) {
	b, err := bcrypt.GenerateFromPassword(password, h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare checks password against a stored hash. A mismatch surfaces as
// bcrypt.ErrMismatchedHashAndPassword, which sign-in maps to
// remote.ErrInvalidCredentials.
func (h *Hasher) Compare(hash string, password []byte) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), password)
}
