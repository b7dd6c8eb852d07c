package auth

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hubmcp/hubbridge/internal/errx"
	"github.com/hubmcp/hubbridge/internal/httpx"
)

// Middleware authenticates every request and stores the resolved identity in
// the request context. With rotation enforcement on, accounts still carrying
// must_change_password can only reach /auth/ endpoints.
func Middleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := svc.Authenticate(r.Context(), BearerToken(r))
			if err != nil {
				httpx.WriteError(w, r, err)
				return
			}
			if svc.EnforcesRotation() && id.MustChangePassword && !strings.HasPrefix(r.URL.Path, "/auth/") {
				httpx.WriteError(w, r, errx.New(errx.KindForbidden, "password rotation required"))
				return
			}
			ctx := WithIdentity(r.Context(), id)
			// Grow the request-scoped logger so downstream lines carry the
			// caller alongside the correlation id.
			logger := zerolog.Ctx(ctx).With().Int64("user_id", id.UserID).Logger()
			ctx = logger.WithContext(ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin gates a subtree to admin accounts. Must run inside
// Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFrom(r.Context())
		if id == nil || !id.IsAdmin {
			httpx.WriteError(w, r, errx.New(errx.KindForbidden, "admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
