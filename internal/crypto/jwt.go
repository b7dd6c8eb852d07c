package crypto

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hubmcp/hubbridge/internal/errx"
)

// AccessClaims is the claim set carried by bridge access tokens.
type AccessClaims struct {
	IsAdmin bool `json:"is_admin"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HMAC access tokens against the active
// jwt_signing system key. A rotated key invalidates all outstanding tokens,
// which is the intended effect.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer builds an issuer from raw signing key material.
func NewTokenIssuer(secret []byte, issuer string, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errx.New(errx.KindCrypto, "empty jwt signing key")
	}
	if ttl <= 0 || ttl > 24*time.Hour {
		return nil, errx.New(errx.KindInvalidArgument, "access token ttl must be in (0, 24h]")
	}
	return &TokenIssuer{secret: secret, issuer: issuer, ttl: ttl}, nil
}

// Sign mints an access token for the given user. The jti is unique per token
// so individual tokens can be revoked via the session store.
func (ti *TokenIssuer) Sign(userID string, isAdmin bool, now time.Time) (token, jti string, expiresAt time.Time, err error) {
	jti = uuid.NewString()
	expiresAt = now.Add(ti.ttl)
	claims := AccessClaims{
		IsAdmin: isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        jti,
			Issuer:    ti.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", "", time.Time{}, errx.Wrap(err, errx.KindCrypto, "token signing failed")
	}
	return signed, jti, expiresAt, nil
}

// Verify parses and validates an access token. Expired tokens map to
// TOKEN_EXPIRED so the HTTP layer can hint the client to refresh; every
// other failure is a generic UNAUTHORIZED.
func (ti *TokenIssuer) Verify(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return ti.secret, nil
	}, jwt.WithIssuer(ti.issuer), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errx.Wrap(err, errx.KindTokenExpired, "access token expired")
		}
		return nil, errx.Wrap(err, errx.KindUnauthorized, "access token invalid")
	}
	if !parsed.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, errx.New(errx.KindUnauthorized, "access token invalid")
	}
	return claims, nil
}
