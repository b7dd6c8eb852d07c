package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const keyColumns = `key_id, purpose, value, active, created_at, rotated_at`

// ActiveSystemKey returns the single active key for a purpose.
func (s *Store) ActiveSystemKey(ctx context.Context, purpose string) (*SystemKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM system_keys WHERE purpose = ? AND active = 1`,
		purpose)
	k, err := scanSystemKey(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoActiveKey
	}
	return k, err
}

// EnsureSystemKey returns the active key for a purpose, generating one via
// gen when none exists yet. The generate-and-insert runs in one transaction
// so two bootstrapping processes cannot both win.
func (s *Store) EnsureSystemKey(ctx context.Context, purpose string, gen func() (string, error)) (*SystemKey, bool, error) {
	k, err := s.ActiveSystemKey(ctx, purpose)
	if err == nil {
		return k, false, nil
	}
	if !errors.Is(err, ErrNoActiveKey) {
		return nil, false, err
	}

	value, err := gen()
	if err != nil {
		return nil, false, err
	}
	fresh := &SystemKey{
		KeyID:     uuid.NewString(),
		Purpose:   purpose,
		Value:     value,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO system_keys (key_id, purpose, value, active, created_at)
			VALUES (?, ?, ?, 1, ?)`,
			fresh.KeyID, fresh.Purpose, fresh.Value, fmtTime(fresh.CreatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				// Lost the race; the winner's key is the active one.
				return nil
			}
			return fmt.Errorf("inserting system key: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	k, err = s.ActiveSystemKey(ctx, purpose)
	if err != nil {
		return nil, false, err
	}
	return k, k.KeyID == fresh.KeyID, nil
}

// RotateSystemKey deactivates the current key for a purpose and installs a
// new value, all in one transaction. Callers re-encrypt dependent ciphers
// before calling this (hub tokens) or accept invalidation (JWTs).
func (s *Store) RotateSystemKey(ctx context.Context, purpose, newValue string) (*SystemKey, error) {
	fresh := &SystemKey{
		KeyID:     uuid.NewString(),
		Purpose:   purpose,
		Value:     newValue,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE system_keys SET active = 0, rotated_at = ?
			WHERE purpose = ? AND active = 1`,
			fmtTime(fresh.CreatedAt), purpose,
		); err != nil {
			return fmt.Errorf("deactivating system key: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO system_keys (key_id, purpose, value, active, created_at)
			VALUES (?, ?, ?, 1, ?)`,
			fresh.KeyID, fresh.Purpose, fresh.Value, fmtTime(fresh.CreatedAt),
		); err != nil {
			return fmt.Errorf("inserting rotated system key: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

// MetaValue reads one system_meta entry.
func (s *Store) MetaValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM system_meta WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("querying system meta: %w", err)
	}
	return value, nil
}

// EnsureMeta returns the stored value for key, generating and storing one
// when absent.
func (s *Store) EnsureMeta(ctx context.Context, key string, gen func() (string, error)) (string, error) {
	value, err := s.MetaValue(ctx, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	value, err = gen()
	if err != nil {
		return "", err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO system_meta (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO NOTHING`,
			key, value)
		if err != nil {
			return fmt.Errorf("inserting system meta: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	// Re-read in case a concurrent bootstrap inserted first.
	return s.MetaValue(ctx, key)
}

// MetaInstallSalt is the system_meta key holding the per-install KDF salt.
const MetaInstallSalt = "install_salt"

func scanSystemKey(sc scanner) (*SystemKey, error) {
	var k SystemKey
	var created string
	var rotated sql.NullString
	err := sc.Scan(&k.KeyID, &k.Purpose, &k.Value, &k.Active, &created, &rotated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning system key row: %w", err)
	}
	if k.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if k.RotatedAt, err = scanTime(rotated); err != nil {
		return nil, err
	}
	return &k, nil
}
