package auth

import (
	"context"

	"github.com/hubmcp/hubbridge/internal/errx"
	"github.com/hubmcp/hubbridge/internal/store"
	"github.com/hubmcp/hubbridge/internal/tools"
)

// Authorize decides whether an identity may invoke a tool. The tool's kind
// picks the required bit: read tools need can_read, write tools can_write,
// meta tools can_execute. A disabled tool denies regardless of bits, and
// token scopes only ever narrow what the user's own matrix allows. Denials
// are logged at WARN so they land in the persisted audit trail.
func (s *Service) Authorize(ctx context.Context, id *Identity, def tools.Definition) error {
	return s.authorize(ctx, id, def, true)
}

// CanInvoke is Authorize without the audit entry. tools/list uses it to
// filter the catalogue down to what the caller could actually call.
func (s *Service) CanInvoke(ctx context.Context, id *Identity, def tools.Definition) bool {
	return s.authorize(ctx, id, def, false) == nil
}

func (s *Service) authorize(ctx context.Context, id *Identity, def tools.Definition, audit bool) error {
	perm, err := s.store.EffectivePermission(ctx, id.UserID, def.Name)
	if err != nil {
		return err
	}
	var reason string
	if id.TokenScopes != nil {
		scope, ok := id.TokenScopes[def.Name]
		if !ok {
			reason = "outside token scope"
		} else {
			perm = intersect(perm, scope)
		}
	}
	if reason == "" && !perm.Enabled {
		reason = "tool disabled"
	}
	if reason == "" && !kindAllowed(def.Kind, perm) {
		reason = "missing permission"
	}
	if reason == "" {
		return nil
	}
	if audit {
		authFailure("forbidden")
		s.log.Warn().
			Int64("user_id", id.UserID).
			Str("username", id.Username).
			Str("method", string(id.Method)).
			Str("tool", def.Name).
			Str("reason", reason).
			Msg("tool call denied")
	}
	return errx.Newf(errx.KindForbidden, "access to tool %q denied", def.Name)
}

func kindAllowed(k tools.Kind, p store.Permission) bool {
	switch k {
	case tools.KindRead:
		return p.CanRead
	case tools.KindWrite:
		return p.CanWrite
	case tools.KindMeta:
		return p.CanExecute
	}
	return false
}

func intersect(user, scope store.Permission) store.Permission {
	return store.Permission{
		CanRead:    user.CanRead && scope.CanRead,
		CanWrite:   user.CanWrite && scope.CanWrite,
		CanExecute: user.CanExecute && scope.CanExecute,
		Enabled:    user.Enabled && scope.Enabled,
	}
}
