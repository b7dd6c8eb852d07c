package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"io"
	"strings"

	"github.com/hubmcp/hubbridge/internal/errx"
)

// APITokenPrefix marks bridge API tokens so they are recognizable in a
// bearer header without a store lookup.
const APITokenPrefix = "hb_"

// tokenEntropy is the random payload size of opaque tokens. 32 bytes encode
// to 43 base64url characters, comfortably above the 32-char floor.
const tokenEntropy = 32

// displayPrefixLen is how much of the random part is kept in plaintext for
// listing tokens ("hb_yJx9kPmQ…").
const displayPrefixLen = 8

// APIToken is a freshly generated opaque token. Plaintext exists only here;
// callers store Hash and DisplayPrefix and show Plaintext exactly once.
type APIToken struct {
	Plaintext     string
	DisplayPrefix string
	Hash          string
}

// NewAPIToken generates an opaque API token.
func NewAPIToken() (*APIToken, error) {
	random, err := randomToken()
	if err != nil {
		return nil, err
	}
	plain := APITokenPrefix + random
	return &APIToken{
		Plaintext:     plain,
		DisplayPrefix: APITokenPrefix + random[:displayPrefixLen],
		Hash:          HashToken(plain),
	}, nil
}

// NewRefreshToken generates an opaque refresh token. Refresh tokens carry no
// prefix; they are only ever presented to the refresh endpoint.
func NewRefreshToken() (plaintext, hash string, err error) {
	random, err := randomToken()
	if err != nil {
		return "", "", err
	}
	return random, HashToken(random), nil
}

// HashToken returns the storage form of an opaque token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyTokenHash compares a presented token against a stored hash in
// constant time.
func VerifyTokenHash(storedHash, token string) bool {
	candidate := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(candidate)) == 1
}

// LooksLikeAPIToken reports whether a bearer credential should be resolved
// as an opaque API token rather than a JWT.
func LooksLikeAPIToken(bearer string) bool {
	return strings.HasPrefix(bearer, APITokenPrefix)
}

func randomToken() (string, error) {
	buf := make([]byte, tokenEntropy)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", errx.Wrap(err, errx.KindCrypto, "token generation failed")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
