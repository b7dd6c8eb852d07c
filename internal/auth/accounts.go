package auth

import (
	"context"
	"errors"
	"net/mail"
	"regexp"
	"time"

	"github.com/hubmcp/hubbridge/internal/crypto"
	"github.com/hubmcp/hubbridge/internal/errx"
	"github.com/hubmcp/hubbridge/internal/store"
)

var usernameRE = regexp.MustCompile(`^[A-Za-z0-9._-]{3,50}$`)

const minPasswordLength = 8

// UserView is the externally visible shape of an account.
type UserView struct {
	ID                 int64      `json:"id"`
	Username           string     `json:"username"`
	Email              string     `json:"email"`
	IsAdmin            bool       `json:"is_admin"`
	Disabled           bool       `json:"disabled,omitempty"`
	MustChangePassword bool       `json:"must_change_password,omitempty"`
	LastLoginAt        *time.Time `json:"last_login_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// NewUserView strips an account down to its advertised fields.
func NewUserView(u *store.User) UserView {
	return UserView{
		ID:                 u.ID,
		Username:           u.Username,
		Email:              u.Email,
		IsAdmin:            u.IsAdmin,
		Disabled:           u.Disabled,
		MustChangePassword: u.MustChangePassword,
		LastLoginAt:        u.LastLoginAt,
		CreatedAt:          u.CreatedAt,
	}
}

// MeView is the GET /auth/me body.
type MeView struct {
	UserView
	AuthMethod Method `json:"auth_method"`
	SessionID  string `json:"session_id,omitempty"`
	TokenID    string `json:"token_id,omitempty"`
}

// CurrentUser re-reads the authenticated account so /auth/me reflects the
// row, not a possibly stale token.
func (s *Service) CurrentUser(ctx context.Context, id *Identity) (*MeView, error) {
	user, err := s.store.UserByID(ctx, id.UserID)
	if err != nil {
		return nil, err
	}
	return &MeView{
		UserView:   NewUserView(user),
		AuthMethod: id.Method,
		SessionID:  id.SessionID,
		TokenID:    id.TokenID,
	}, nil
}

// RegisterInput is the POST /auth/register request body.
type RegisterInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"is_admin"`
}

func (in *RegisterInput) validate() error {
	if !usernameRE.MatchString(in.Username) {
		return errx.New(errx.KindInvalidArgument,
			"username must be 3-50 characters of letters, digits, dot, dash, or underscore")
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return errx.New(errx.KindInvalidArgument, "invalid email address")
	}
	return validatePassword(in.Password)
}

func validatePassword(pw string) error {
	if len(pw) < minPasswordLength {
		return errx.Newf(errx.KindInvalidArgument, "password must be at least %d characters", minPasswordLength)
	}
	if len(pw) > crypto.MaxPasswordLength {
		return errx.Newf(errx.KindInvalidArgument, "password must be at most %d bytes", crypto.MaxPasswordLength)
	}
	return nil
}

// Register creates an account. The HTTP layer restricts this to admins.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*UserView, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	hash, err := crypto.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	user := &store.User{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		IsAdmin:      in.IsAdmin,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, errx.New(errx.KindConflict, "username or email already in use")
		}
		return nil, err
	}
	s.log.Info().Str("username", user.Username).Int64("user_id", user.ID).
		Bool("is_admin", user.IsAdmin).Msg("user registered")
	v := NewUserView(user)
	return &v, nil
}

// ChangePassword verifies the current password, swaps in the new one, clears
// the rotation flag, and revokes every session so tokens minted under the
// old password die with it. The caller logs in again afterwards.
func (s *Service) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	if err := validatePassword(next); err != nil {
		return err
	}
	user, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := crypto.VerifyPassword(user.PasswordHash, current); err != nil {
		if errors.Is(err, crypto.ErrPasswordMismatch) {
			authFailure("invalid_credentials")
			s.log.Warn().Str("username", user.Username).Msg("password change with wrong current password")
			return errx.New(errx.KindUnauthorized, "current password incorrect")
		}
		return err
	}
	hash, err := crypto.HashPassword(next)
	if err != nil {
		return err
	}
	if err := s.store.SetPassword(ctx, userID, hash, false); err != nil {
		return err
	}
	if err := s.store.RevokeSessionsForUser(ctx, userID); err != nil {
		return err
	}
	s.log.Info().Str("username", user.Username).Int64("user_id", userID).
		Msg("password changed, sessions revoked")
	return nil
}

// SessionView lists a login session without its secrets.
type SessionView struct {
	ID               string    `json:"id"`
	IssuedAt         time.Time `json:"issued_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	UserAgent        string    `json:"user_agent,omitempty"`
	RemoteAddr       string    `json:"remote_addr,omitempty"`
	Current          bool      `json:"current,omitempty"`
	Revoked          bool      `json:"revoked,omitempty"`
}

// ListSessions returns the user's sessions newest first, marking the one the
// request authenticated with.
func (s *Service) ListSessions(ctx context.Context, userID int64, currentSessionID string) ([]SessionView, error) {
	sessions, err := s.store.ListSessionsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, SessionView{
			ID:               sess.ID,
			IssuedAt:         sess.IssuedAt,
			ExpiresAt:        sess.ExpiresAt,
			RefreshExpiresAt: sess.RefreshExpiresAt,
			UserAgent:        sess.UserAgent,
			RemoteAddr:       sess.RemoteAddr,
			Current:          sess.ID == currentSessionID,
			Revoked:          sess.Revoked,
		})
	}
	return views, nil
}

// RevokeSessionByID revokes one of the caller's sessions, including the
// current one.
func (s *Service) RevokeSessionByID(ctx context.Context, userID int64, sessionID string) error {
	if err := s.store.RevokeSession(ctx, userID, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errx.New(errx.KindNotFound, "session not found")
		}
		return err
	}
	s.log.Info().Int64("user_id", userID).Str("session_id", sessionID).Msg("session revoked")
	return nil
}
