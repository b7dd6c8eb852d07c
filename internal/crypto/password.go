// Package crypto provides the credential primitives used across the bridge:
// password hashing, authenticated symmetric encryption for hub tokens, JWT
// signing, and opaque API token generation. It holds no state beyond derived
// key material and is safe for concurrent use.
package crypto

import (
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/hubmcp/hubbridge/internal/errx"
)

// ErrPasswordMismatch is returned by VerifyPassword when the password does
// not match the stored hash.
var ErrPasswordMismatch = errors.New("password mismatch")

// MaxPasswordLength caps password input. bcrypt silently truncates at 72
// bytes, so longer inputs are rejected instead of partially hashed.
const MaxPasswordLength = 72

// HashPassword derives a salted hash suitable for storage.
func HashPassword(password string) (string, error) {
	if len(password) > MaxPasswordLength {
		return "", errx.New(errx.KindInvalidArgument, "password exceeds maximum length")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errx.Wrap(err, errx.KindCrypto, "password hashing failed")
	}
	return string(hash), nil
}

// VerifyPassword compares a candidate password against a stored hash in
// constant time. Returns ErrPasswordMismatch on mismatch so callers can
// distinguish a wrong password from a corrupted hash.
func VerifyPassword(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err == nil {
		return nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrPasswordMismatch
	}
	return errx.Wrap(err, errx.KindCrypto, "password hash unreadable")
}
