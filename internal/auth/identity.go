// Package auth resolves bearer credentials to identities, enforces login
// lockout, and answers per-tool permission checks. It owns the /auth and
// /tokens HTTP surfaces; the bridge mounts them and runs Middleware in
// front of everything else.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/hubmcp/hubbridge/internal/store"
)

// Method says which credential kind authenticated a request.
type Method string

const (
	MethodSession  Method = "session"
	MethodAPIToken Method = "api_token"
)

// Identity is the resolved caller of one request.
type Identity struct {
	UserID   int64
	Username string
	IsAdmin  bool
	Method   Method

	// SessionID is set for MethodSession; TokenID for MethodAPIToken.
	SessionID string
	TokenID   string

	// MustChangePassword mirrors the account flag so the middleware can
	// enforce or report rotation.
	MustChangePassword bool

	// TokenScopes narrows an API token to an explicit tool set. Nil means
	// the token inherits the user's full permission matrix.
	TokenScopes map[string]store.Permission
}

type ctxKey string

const identityKey ctxKey = "identity"

// WithIdentity stores the resolved identity on the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the request identity, or nil before Middleware ran.
func IdentityFrom(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityKey).(*Identity); ok {
		return id
	}
	return nil
}

// BearerToken extracts the bearer credential from the Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return ""
}
