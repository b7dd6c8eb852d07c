package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sessionColumns = `id, user_id, access_token_jti, refresh_token_hash,
	issued_at, expires_at, refresh_expires_at, user_agent, remote_addr, revoked`

// InsertSession persists a new login session.
func (s *Store) InsertSession(ctx context.Context, sess *Session) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, access_token_jti, refresh_token_hash,
				issued_at, expires_at, refresh_expires_at, user_agent, remote_addr, revoked)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			sess.ID, sess.UserID, sess.AccessTokenJTI, sess.RefreshTokenHash,
			fmtTime(sess.IssuedAt), fmtTime(sess.ExpiresAt), fmtTime(sess.RefreshExpiresAt),
			sess.UserAgent, sess.RemoteAddr,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("inserting session: %w", err)
		}
		return nil
	})
}

// SessionByJTI resolves the session that issued a given access token.
func (s *Store) SessionByJTI(ctx context.Context, jti string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE access_token_jti = ?`, jti)
	return scanSession(row)
}

// SessionByRefreshHash resolves a session from a presented refresh token's
// hash.
func (s *Store) SessionByRefreshHash(ctx context.Context, hash string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE refresh_token_hash = ?`, hash)
	return scanSession(row)
}

// RotateSessionTokens swaps in a fresh jti and refresh hash on refresh. The
// old access token becomes unresolvable immediately.
func (s *Store) RotateSessionTokens(ctx context.Context, sessionID, jti, refreshHash string, issuedAt, expiresAt, refreshExpiresAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET access_token_jti = ?, refresh_token_hash = ?,
				issued_at = ?, expires_at = ?, refresh_expires_at = ?
			WHERE id = ? AND revoked = 0`,
			jti, refreshHash, fmtTime(issuedAt), fmtTime(expiresAt), fmtTime(refreshExpiresAt),
			sessionID,
		)
		if err != nil {
			return fmt.Errorf("rotating session tokens: %w", err)
		}
		return requireAffected(res)
	})
}

// RevokeSession marks one session revoked. Scoped to a user so a caller can
// only revoke their own sessions.
func (s *Store) RevokeSession(ctx context.Context, userID int64, sessionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET revoked = 1 WHERE id = ? AND user_id = ?`,
			sessionID, userID)
		if err != nil {
			return fmt.Errorf("revoking session: %w", err)
		}
		return requireAffected(res)
	})
}

// RevokeSessionsForUser revokes every session of a user (password change,
// admin reset).
func (s *Store) RevokeSessionsForUser(ctx context.Context, userID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE sessions SET revoked = 1 WHERE user_id = ? AND revoked = 0`, userID)
		if err != nil {
			return fmt.Errorf("revoking user sessions: %w", err)
		}
		return nil
	})
}

// ListSessionsForUser returns a user's sessions, newest first.
func (s *Store) ListSessionsForUser(ctx context.Context, userID int64) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY issued_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

func scanSession(sc scanner) (*Session, error) {
	var sess Session
	var issued, expires, refreshExpires string
	err := sc.Scan(
		&sess.ID, &sess.UserID, &sess.AccessTokenJTI, &sess.RefreshTokenHash,
		&issued, &expires, &refreshExpires, &sess.UserAgent, &sess.RemoteAddr,
		&sess.Revoked,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning session row: %w", err)
	}
	if sess.IssuedAt, err = parseTime(issued); err != nil {
		return nil, err
	}
	if sess.ExpiresAt, err = parseTime(expires); err != nil {
		return nil, err
	}
	if sess.RefreshExpiresAt, err = parseTime(refreshExpires); err != nil {
		return nil, err
	}
	return &sess, nil
}
