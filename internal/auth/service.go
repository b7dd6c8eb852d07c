package auth

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hubmcp/hubbridge/internal/config"
	"github.com/hubmcp/hubbridge/internal/crypto"
	"github.com/hubmcp/hubbridge/internal/errx"
	"github.com/hubmcp/hubbridge/internal/logging"
	"github.com/hubmcp/hubbridge/internal/metrics"
	"github.com/hubmcp/hubbridge/internal/store"
)

// Service implements the authentication pipeline: password logins with
// lockout accounting, JWT sessions with refresh rotation, opaque API tokens
// with optional scope narrowing, and per-tool permission checks.
type Service struct {
	store  *store.Store
	rec    *store.Recorder
	issuer *crypto.TokenIssuer

	refreshTTL      time.Duration
	lockout         store.LockoutPolicy
	enforceRotation bool

	log zerolog.Logger
	now func() time.Time
}

// NewService wires the auth pipeline. The recorder is optional; without it
// API token last-use stamps are skipped.
func NewService(st *store.Store, rec *store.Recorder, issuer *crypto.TokenIssuer, authCfg config.AuthConfig, jwtCfg config.JWTConfig) *Service {
	return &Service{
		store:      st,
		rec:        rec,
		issuer:     issuer,
		refreshTTL: time.Duration(jwtCfg.RefreshTTL),
		lockout: store.LockoutPolicy{
			Threshold: authCfg.LockoutThreshold,
			Window:    time.Duration(authCfg.LockoutWindow),
			Base:      time.Duration(authCfg.LockoutBase),
			Max:       time.Duration(authCfg.LockoutMax),
		},
		enforceRotation: authCfg.EnforceRotation,
		log:             logging.For(logging.CategoryAuth),
		now:             time.Now,
	}
}

// EnforcesRotation reports whether accounts still carrying
// must_change_password are hard-blocked outside /auth/.
func (s *Service) EnforcesRotation() bool { return s.enforceRotation }

// LoginResult is the /auth/login and /auth/refresh response body. The
// refresh token appears in plaintext here and nowhere else.
type LoginResult struct {
	AccessToken        string    `json:"access_token"`
	RefreshToken       string    `json:"refresh_token"`
	TokenType          string    `json:"token_type"`
	ExpiresAt          time.Time `json:"expires_at"`
	SessionID          string    `json:"session_id"`
	MustChangePassword bool      `json:"must_change_password,omitempty"`
	User               UserView  `json:"user"`
}

// Login verifies a username/password pair and opens a session. Failures are
// a uniform 401 so the response does not reveal whether the account exists;
// crossing the lockout threshold answers 423 with the unlock time.
func (s *Service) Login(ctx context.Context, username, password, userAgent, remoteAddr string) (*LoginResult, error) {
	now := s.now().UTC()
	user, err := s.store.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			verifyDummy(password)
			authFailure("invalid_credentials")
			s.log.Warn().Str("username", username).Str("remote_addr", remoteAddr).Msg("login failed")
			return nil, errInvalidCredentials()
		}
		return nil, err
	}
	if err := s.checkAccount(user, now); err != nil {
		return nil, err
	}
	if err := crypto.VerifyPassword(user.PasswordHash, password); err != nil {
		if !errors.Is(err, crypto.ErrPasswordMismatch) {
			return nil, err
		}
		updated, ferr := s.store.RecordLoginFailure(ctx, user.ID, now, s.lockout)
		if ferr != nil {
			s.log.Error().Err(ferr).Int64("user_id", user.ID).Msg("login failure accounting failed")
		}
		authFailure("invalid_credentials")
		if updated != nil && updated.LockedUntil != nil && updated.LockedUntil.After(now) {
			s.log.Warn().Str("username", username).Str("remote_addr", remoteAddr).
				Time("locked_until", *updated.LockedUntil).Msg("account locked after repeated login failures")
			return nil, lockedErr(*updated.LockedUntil, now)
		}
		s.log.Warn().Str("username", username).Str("remote_addr", remoteAddr).Msg("login failed")
		return nil, errInvalidCredentials()
	}
	if err := s.store.ResetLoginState(ctx, user.ID, now); err != nil {
		return nil, err
	}
	res, err := s.issueSession(ctx, user, userAgent, remoteAddr, now)
	if err != nil {
		return nil, err
	}
	ev := s.log.Info()
	if user.MustChangePassword {
		ev = s.log.Warn().Bool("must_change_password", true)
	}
	ev.Str("username", user.Username).Int64("user_id", user.ID).
		Str("session_id", res.SessionID).Msg("login succeeded")
	return res, nil
}

// Refresh swaps a refresh token for a fresh access/refresh pair on the same
// session. The old access token stops resolving immediately and the refresh
// window slides forward.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	now := s.now().UTC()
	sess, err := s.store.SessionByRefreshHash(ctx, crypto.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			authFailure("invalid_refresh")
			return nil, errx.New(errx.KindUnauthorized, "refresh token invalid")
		}
		return nil, err
	}
	if sess.Revoked {
		authFailure("token_revoked")
		return nil, errx.New(errx.KindTokenRevoked, "session revoked")
	}
	if now.After(sess.RefreshExpiresAt) {
		authFailure("token_expired")
		return nil, errx.New(errx.KindTokenExpired, "refresh token expired")
	}
	user, err := s.store.UserByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			authFailure("unknown_user")
			return nil, errx.New(errx.KindUnauthorized, "refresh token invalid")
		}
		return nil, err
	}
	if err := s.checkAccount(user, now); err != nil {
		return nil, err
	}
	access, jti, expiresAt, err := s.issuer.Sign(strconv.FormatInt(user.ID, 10), user.IsAdmin, now)
	if err != nil {
		return nil, err
	}
	refreshPlain, refreshHash, err := crypto.NewRefreshToken()
	if err != nil {
		return nil, err
	}
	err = s.store.RotateSessionTokens(ctx, sess.ID, jti, refreshHash, now, expiresAt, now.Add(s.refreshTTL))
	if err != nil {
		// Rotation races with revocation; the guard in the update loses.
		if errors.Is(err, store.ErrNotFound) {
			authFailure("token_revoked")
			return nil, errx.New(errx.KindTokenRevoked, "session revoked")
		}
		return nil, err
	}
	s.log.Info().Int64("user_id", user.ID).Str("session_id", sess.ID).Msg("session refreshed")
	return &LoginResult{
		AccessToken:        access,
		RefreshToken:       refreshPlain,
		TokenType:          "Bearer",
		ExpiresAt:          expiresAt,
		SessionID:          sess.ID,
		MustChangePassword: user.MustChangePassword,
		User:               NewUserView(user),
	}, nil
}

// Logout revokes the calling session. Revoking an already-dead session is
// not an error.
func (s *Service) Logout(ctx context.Context, userID int64, sessionID string) error {
	err := s.store.RevokeSession(ctx, userID, sessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	s.log.Info().Int64("user_id", userID).Str("session_id", sessionID).Msg("logged out")
	return nil
}

// Authenticate resolves a bearer credential to an identity. Credentials with
// the API token prefix resolve by hash lookup; everything else is parsed as
// a JWT and resolved through the session store so revocation takes effect
// before the token expires.
func (s *Service) Authenticate(ctx context.Context, bearer string) (*Identity, error) {
	if bearer == "" {
		authFailure("missing_credentials")
		return nil, errx.New(errx.KindUnauthorized, "missing credentials")
	}
	if crypto.LooksLikeAPIToken(bearer) {
		return s.authenticateAPIToken(ctx, bearer)
	}
	return s.authenticateJWT(ctx, bearer)
}

func (s *Service) authenticateJWT(ctx context.Context, token string) (*Identity, error) {
	now := s.now().UTC()
	claims, err := s.issuer.Verify(token)
	if err != nil {
		if errx.KindOf(err) == errx.KindTokenExpired {
			authFailure("token_expired")
		} else {
			authFailure("invalid_token")
		}
		return nil, err
	}
	sess, err := s.store.SessionByJTI(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			authFailure("unknown_session")
			return nil, errx.New(errx.KindUnauthorized, "access token invalid")
		}
		return nil, err
	}
	if sess.Revoked {
		authFailure("token_revoked")
		return nil, errx.New(errx.KindTokenRevoked, "session revoked")
	}
	user, err := s.store.UserByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			authFailure("unknown_user")
			return nil, errx.New(errx.KindUnauthorized, "access token invalid")
		}
		return nil, err
	}
	if claims.Subject != strconv.FormatInt(user.ID, 10) {
		authFailure("invalid_token")
		return nil, errx.New(errx.KindUnauthorized, "access token invalid")
	}
	if err := s.checkAccount(user, now); err != nil {
		return nil, err
	}
	// is_admin comes from the user row, not the claims, so a demotion takes
	// effect without waiting out the token TTL.
	return &Identity{
		UserID:             user.ID,
		Username:           user.Username,
		IsAdmin:            user.IsAdmin,
		Method:             MethodSession,
		SessionID:          sess.ID,
		MustChangePassword: user.MustChangePassword,
	}, nil
}

func (s *Service) authenticateAPIToken(ctx context.Context, token string) (*Identity, error) {
	now := s.now().UTC()
	tok, err := s.store.APITokenByHash(ctx, crypto.HashToken(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			authFailure("invalid_token")
			return nil, errx.New(errx.KindUnauthorized, "invalid credentials")
		}
		return nil, err
	}
	if tok.Revoked {
		authFailure("token_revoked")
		return nil, errx.New(errx.KindTokenRevoked, "token revoked")
	}
	if tok.ExpiresAt != nil && now.After(*tok.ExpiresAt) {
		authFailure("token_expired")
		return nil, errx.New(errx.KindTokenExpired, "token expired")
	}
	user, err := s.store.UserByID(ctx, tok.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			authFailure("unknown_user")
			return nil, errx.New(errx.KindUnauthorized, "invalid credentials")
		}
		return nil, err
	}
	if err := s.checkAccount(user, now); err != nil {
		return nil, err
	}
	scopes, err := parseScopes(tok.PermissionsJSON)
	if err != nil {
		s.log.Error().Err(err).Str("token_id", tok.ID).Msg("stored token scopes unreadable")
		return nil, errx.New(errx.KindInternal, "token permissions unreadable")
	}
	if s.rec != nil {
		s.rec.RecordTokenUse(tok.ID, now)
	}
	return &Identity{
		UserID:             user.ID,
		Username:           user.Username,
		IsAdmin:            user.IsAdmin,
		Method:             MethodAPIToken,
		TokenID:            tok.ID,
		MustChangePassword: user.MustChangePassword,
		TokenScopes:        scopes,
	}, nil
}

func (s *Service) checkAccount(u *store.User, now time.Time) error {
	if u.Disabled {
		authFailure("disabled")
		s.log.Warn().Str("username", u.Username).Msg("auth attempt on disabled account")
		return errInvalidCredentials()
	}
	if u.LockedUntil != nil && u.LockedUntil.After(now) {
		authFailure("locked")
		return lockedErr(*u.LockedUntil, now)
	}
	return nil
}

func (s *Service) issueSession(ctx context.Context, user *store.User, userAgent, remoteAddr string, now time.Time) (*LoginResult, error) {
	access, jti, expiresAt, err := s.issuer.Sign(strconv.FormatInt(user.ID, 10), user.IsAdmin, now)
	if err != nil {
		return nil, err
	}
	refreshPlain, refreshHash, err := crypto.NewRefreshToken()
	if err != nil {
		return nil, err
	}
	sess := &store.Session{
		ID:               uuid.NewString(),
		UserID:           user.ID,
		AccessTokenJTI:   jti,
		RefreshTokenHash: refreshHash,
		IssuedAt:         now,
		ExpiresAt:        expiresAt,
		RefreshExpiresAt: now.Add(s.refreshTTL),
		UserAgent:        userAgent,
		RemoteAddr:       remoteAddr,
	}
	if err := s.store.InsertSession(ctx, sess); err != nil {
		return nil, err
	}
	return &LoginResult{
		AccessToken:        access,
		RefreshToken:       refreshPlain,
		TokenType:          "Bearer",
		ExpiresAt:          expiresAt,
		SessionID:          sess.ID,
		MustChangePassword: user.MustChangePassword,
		User:               NewUserView(user),
	}, nil
}

func errInvalidCredentials() error {
	return errx.New(errx.KindUnauthorized, "invalid credentials")
}

func lockedErr(until, now time.Time) error {
	return errx.New(errx.KindAccountLocked, "account temporarily locked").
		With("locked_until", until.UTC().Format(time.RFC3339)).
		With("retry_after_ms", until.Sub(now).Milliseconds())
}

func authFailure(reason string) {
	metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
}

// Verifying against a fixed hash keeps the unknown-username path as slow as
// the wrong-password path.
var dummyHash = sync.OnceValue(func() string {
	h, err := crypto.HashPassword(uuid.NewString())
	if err != nil {
		return ""
	}
	return h
})

func verifyDummy(password string) {
	if h := dummyHash(); h != "" {
		_ = crypto.VerifyPassword(h, password)
	}
}
