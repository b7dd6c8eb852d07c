package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const tokenColumns = `id, user_id, name, token_hash, prefix, permissions_json,
	created_at, expires_at, last_used_at, revoked`

// InsertAPIToken persists a freshly generated token's hash and display
// prefix. The plaintext never reaches the store.
func (s *Store) InsertAPIToken(ctx context.Context, t *APIToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var perms any
		if t.PermissionsJSON != nil {
			perms = *t.PermissionsJSON
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO api_tokens (id, user_id, name, token_hash, prefix,
				permissions_json, created_at, expires_at, revoked)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			t.ID, t.UserID, t.Name, t.TokenHash, t.Prefix,
			perms, fmtTime(t.CreatedAt), nullTime(t.ExpiresAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("inserting api token: %w", err)
		}
		return nil
	})
}

// APITokenByHash resolves a presented token by its hash. The auth layer
// checks expiry and revocation on the returned row.
func (s *Store) APITokenByHash(ctx context.Context, hash string) (*APIToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM api_tokens WHERE token_hash = ?`, hash)
	return scanAPIToken(row)
}

// ListAPITokensForUser returns a user's tokens, newest first.
func (s *Store) ListAPITokensForUser(ctx context.Context, userID int64) ([]*APIToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM api_tokens WHERE user_id = ? ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("querying api tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*APIToken
	for rows.Next() {
		t, err := scanAPIToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating api token rows: %w", err)
	}
	return tokens, nil
}

// RevokeAPIToken revokes one token, scoped to its owner.
func (s *Store) RevokeAPIToken(ctx context.Context, userID int64, tokenID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE api_tokens SET revoked = 1 WHERE id = ? AND user_id = ?`,
			tokenID, userID)
		if err != nil {
			return fmt.Errorf("revoking api token: %w", err)
		}
		return requireAffected(res)
	})
}

// TouchAPIToken stamps last_used_at. Called off the hot path by the
// recorder, so a lost update is acceptable.
func (s *Store) TouchAPIToken(ctx context.Context, tokenID string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE api_tokens SET last_used_at = ? WHERE id = ?`,
			fmtTime(now), tokenID)
		if err != nil {
			return fmt.Errorf("touching api token: %w", err)
		}
		return nil
	})
}

func scanAPIToken(sc scanner) (*APIToken, error) {
	var t APIToken
	var perms, expires, lastUsed sql.NullString
	var created string
	err := sc.Scan(
		&t.ID, &t.UserID, &t.Name, &t.TokenHash, &t.Prefix, &perms,
		&created, &expires, &lastUsed, &t.Revoked,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning api token row: %w", err)
	}
	if perms.Valid {
		t.PermissionsJSON = &perms.String
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if t.ExpiresAt, err = scanTime(expires); err != nil {
		return nil, err
	}
	if t.LastUsedAt, err = scanTime(lastUsed); err != nil {
		return nil, err
	}
	return &t, nil
}
