package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hubmcp/hubbridge/internal/crypto"
	"github.com/hubmcp/hubbridge/internal/errx"
	"github.com/hubmcp/hubbridge/internal/store"
)

const maxTokenNameLength = 100

// ScopeGrant is the per-tool grant inside a token's permission narrowing.
// Listing a tool is what enables it under the token; tools absent from the
// map are denied outright.
type ScopeGrant struct {
	CanRead    bool `json:"can_read"`
	CanWrite   bool `json:"can_write"`
	CanExecute bool `json:"can_execute"`
}

// CreateTokenInput is the POST /tokens request body. A nil Scopes map means
// the token inherits the owner's full permission matrix; an empty map grants
// nothing.
type CreateTokenInput struct {
	Name      string                `json:"name"`
	ExpiresAt *time.Time            `json:"expires_at,omitempty"`
	Scopes    map[string]ScopeGrant `json:"scopes,omitempty"`
}

// TokenView lists a stored token. The plaintext is never recoverable; the
// display prefix is all that remains visible.
type TokenView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Revoked    bool       `json:"revoked,omitempty"`
	Scoped     bool       `json:"scoped,omitempty"`
}

// CreatedToken carries the one-time plaintext next to the stored view.
type CreatedToken struct {
	TokenView
	Token string `json:"token"`
}

func newTokenView(t *store.APIToken) TokenView {
	return TokenView{
		ID:         t.ID,
		Name:       t.Name,
		Prefix:     t.Prefix,
		CreatedAt:  t.CreatedAt,
		ExpiresAt:  t.ExpiresAt,
		LastUsedAt: t.LastUsedAt,
		Revoked:    t.Revoked,
		Scoped:     t.PermissionsJSON != nil,
	}
}

// CreateToken mints an opaque API token for the user. The response is the
// only place the plaintext ever appears.
func (s *Service) CreateToken(ctx context.Context, userID int64, in CreateTokenInput) (*CreatedToken, error) {
	if in.Name == "" || len(in.Name) > maxTokenNameLength {
		return nil, errx.Newf(errx.KindInvalidArgument, "token name must be 1-%d characters", maxTokenNameLength)
	}
	now := s.now().UTC()
	var expiresAt *time.Time
	if in.ExpiresAt != nil {
		t := in.ExpiresAt.UTC()
		if !t.After(now) {
			return nil, errx.New(errx.KindInvalidArgument, "token expiry must be in the future")
		}
		expiresAt = &t
	}
	var permsJSON *string
	if in.Scopes != nil {
		raw, err := json.Marshal(in.Scopes)
		if err != nil {
			return nil, errx.Wrap(err, errx.KindInvalidArgument, "invalid token scopes")
		}
		str := string(raw)
		permsJSON = &str
	}
	gen, err := crypto.NewAPIToken()
	if err != nil {
		return nil, err
	}
	tok := &store.APIToken{
		ID:              uuid.NewString(),
		UserID:          userID,
		Name:            in.Name,
		TokenHash:       gen.Hash,
		Prefix:          gen.DisplayPrefix,
		PermissionsJSON: permsJSON,
		CreatedAt:       now,
		ExpiresAt:       expiresAt,
	}
	if err := s.store.InsertAPIToken(ctx, tok); err != nil {
		return nil, err
	}
	s.log.Info().Int64("user_id", userID).Str("token_id", tok.ID).
		Str("name", tok.Name).Bool("scoped", permsJSON != nil).Msg("api token created")
	return &CreatedToken{TokenView: newTokenView(tok), Token: gen.Plaintext}, nil
}

// ListTokens returns the user's tokens newest first.
func (s *Service) ListTokens(ctx context.Context, userID int64) ([]TokenView, error) {
	tokens, err := s.store.ListAPITokensForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]TokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, newTokenView(t))
	}
	return views, nil
}

// RevokeToken revokes one of the caller's tokens.
func (s *Service) RevokeToken(ctx context.Context, userID int64, tokenID string) error {
	if err := s.store.RevokeAPIToken(ctx, userID, tokenID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errx.New(errx.KindNotFound, "token not found")
		}
		return err
	}
	s.log.Info().Int64("user_id", userID).Str("token_id", tokenID).Msg("api token revoked")
	return nil
}

func parseScopes(raw *string) (map[string]store.Permission, error) {
	if raw == nil {
		return nil, nil
	}
	var grants map[string]ScopeGrant
	if err := json.Unmarshal([]byte(*raw), &grants); err != nil {
		return nil, err
	}
	if grants == nil {
		return nil, nil
	}
	scopes := make(map[string]store.Permission, len(grants))
	for tool, g := range grants {
		scopes[tool] = store.Permission{
			CanRead:    g.CanRead,
			CanWrite:   g.CanWrite,
			CanExecute: g.CanExecute,
			Enabled:    true,
		}
	}
	return scopes, nil
}
