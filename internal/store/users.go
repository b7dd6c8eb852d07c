package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const userColumns = `id, username, email, password_hash, is_admin, disabled,
	must_change_password, failed_logins, first_failed_at, locked_until,
	lockouts, last_login_at, created_at`

// CreateUser inserts a new account. Username and email collisions map to
// ErrAlreadyExists.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	u.CreatedAt = u.CreatedAt.UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO users (username, email, password_hash, is_admin, must_change_password, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			u.Username, u.Email, u.PasswordHash, u.IsAdmin, u.MustChangePassword, fmtTime(u.CreatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("inserting user: %w", err)
		}
		u.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("getting user id: %w", err)
		}
		return nil
	})
}

// UserByUsername looks up an account by exact username.
func (s *Store) UserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// UserByID looks up an account by id.
func (s *Store) UserByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// ListUsers returns all accounts ordered by username.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return users, nil
}

// SetPassword replaces the password hash, clears lockout state, and sets the
// rotation flag as requested (true after an admin reset, false after the
// user changes their own password).
func (s *Store) SetPassword(ctx context.Context, userID int64, hash string, mustChange bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE users SET password_hash = ?, must_change_password = ?,
				failed_logins = 0, first_failed_at = NULL, locked_until = NULL, lockouts = 0
			WHERE id = ?`,
			hash, mustChange, userID,
		)
		if err != nil {
			return fmt.Errorf("updating password: %w", err)
		}
		return requireAffected(res)
	})
}

// SetDisabled soft-disables or re-enables an account.
func (s *Store) SetDisabled(ctx context.Context, userID int64, disabled bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE users SET disabled = ? WHERE id = ?`, disabled, userID)
		if err != nil {
			return fmt.Errorf("updating disabled flag: %w", err)
		}
		return requireAffected(res)
	})
}

// DeleteUser hard-deletes an account. Sessions, tokens, hub configs, and
// permissions cascade; request records keep their user_id as a weak
// reference.
func (s *Store) DeleteUser(ctx context.Context, userID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
		if err != nil {
			return fmt.Errorf("deleting user: %w", err)
		}
		return requireAffected(res)
	})
}

// RecordLoginFailure applies one failed login attempt under the lockout
// policy and returns the updated user. The window restarts when the previous
// failure streak is stale; hitting the threshold locks the account for
// base * 2^(lockouts) capped at policy.Max and resets the streak.
func (s *Store) RecordLoginFailure(ctx context.Context, userID int64, now time.Time, policy LockoutPolicy) (*User, error) {
	now = now.UTC()
	var updated *User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
		u, err := scanUser(row)
		if err != nil {
			return err
		}

		failed := u.FailedLogins + 1
		first := u.FirstFailedAt
		if first == nil || now.Sub(*first) > policy.Window {
			failed = 1
			first = &now
		}

		lockedUntil := u.LockedUntil
		lockouts := u.Lockouts
		if failed >= policy.Threshold {
			backoff := policy.Base << uint(lockouts)
			if backoff > policy.Max || backoff <= 0 {
				backoff = policy.Max
			}
			until := now.Add(backoff)
			lockedUntil = &until
			lockouts++
			failed = 0
			first = nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET failed_logins = ?, first_failed_at = ?, locked_until = ?, lockouts = ?
			WHERE id = ?`,
			failed, nullTime(first), nullTime(lockedUntil), lockouts, userID,
		); err != nil {
			return fmt.Errorf("recording login failure: %w", err)
		}

		u.FailedLogins = failed
		u.FirstFailedAt = first
		u.LockedUntil = lockedUntil
		u.Lockouts = lockouts
		updated = u
		return nil
	})
	return updated, err
}

// ResetLoginState clears failure counters after a successful login and
// stamps last_login_at.
func (s *Store) ResetLoginState(ctx context.Context, userID int64, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE users SET failed_logins = 0, first_failed_at = NULL,
				locked_until = NULL, lockouts = 0, last_login_at = ?
			WHERE id = ?`,
			fmtTime(now), userID,
		)
		if err != nil {
			return fmt.Errorf("resetting login state: %w", err)
		}
		return requireAffected(res)
	})
}

// AdminCount returns how many enabled admin accounts exist.
func (s *Store) AdminCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE is_admin = 1 AND disabled = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting admins: %w", err)
	}
	return n, nil
}

func scanUser(sc scanner) (*User, error) {
	var u User
	var firstFailed, locked, lastLogin sql.NullString
	var createdAt string
	err := sc.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.Disabled,
		&u.MustChangePassword, &u.FailedLogins, &firstFailed, &locked,
		&u.Lockouts, &lastLogin, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning user row: %w", err)
	}
	if u.FirstFailedAt, err = scanTime(firstFailed); err != nil {
		return nil, err
	}
	if u.LockedUntil, err = scanTime(locked); err != nil {
		return nil, err
	}
	if u.LastLoginAt, err = scanTime(lastLogin); err != nil {
		return nil, err
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

// requireAffected maps zero-row updates to ErrNotFound.
func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
