package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const hubColumns = `id, user_id, name, url, token_cipher, last_probe_at,
	last_probe_status, last_probe_latency_ms, last_probe_version,
	last_probe_entities, is_default, created_at, updated_at`

// UpsertHubConfig inserts a hub config, or updates name/url/token of an
// existing one by id. Setting is_default goes through SetDefaultHubConfig so
// the one-default invariant holds.
func (s *Store) UpsertHubConfig(ctx context.Context, h *HubConfig) error {
	now := time.Now().UTC()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	h.UpdatedAt = now
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE hub_configs SET name = ?, url = ?, token_cipher = ?, updated_at = ?
			WHERE id = ? AND user_id = ?`,
			h.Name, h.URL, h.TokenCipher, fmtTime(h.UpdatedAt), h.ID, h.UserID,
		)
		if err != nil {
			return fmt.Errorf("updating hub config: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n > 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO hub_configs (id, user_id, name, url, token_cipher, is_default, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			h.ID, h.UserID, h.Name, h.URL, h.TokenCipher,
			fmtTime(h.CreatedAt), fmtTime(h.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("inserting hub config: %w", err)
		}
		return nil
	})
}

// HubConfigByID fetches one hub config scoped to its owner.
func (s *Store) HubConfigByID(ctx context.Context, userID int64, id string) (*HubConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+hubColumns+` FROM hub_configs WHERE id = ? AND user_id = ?`,
		id, userID)
	return scanHubConfig(row)
}

// HubConfigForDial fetches a hub config by id alone. The session pool dials
// on behalf of whichever user owns the hub; ownership was checked when the
// call was routed to this hub id.
func (s *Store) HubConfigForDial(ctx context.Context, id string) (*HubConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+hubColumns+` FROM hub_configs WHERE id = ?`, id)
	return scanHubConfig(row)
}

// ListHubConfigs returns a user's hub configs, default first, then by name.
func (s *Store) ListHubConfigs(ctx context.Context, userID int64) ([]*HubConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hubColumns+` FROM hub_configs WHERE user_id = ?
		 ORDER BY is_default DESC, name`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("querying hub configs: %w", err)
	}
	defer rows.Close()

	var configs []*HubConfig
	for rows.Next() {
		h, err := scanHubConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating hub config rows: %w", err)
	}
	return configs, nil
}

// DeleteHubConfig removes one hub config scoped to its owner.
func (s *Store) DeleteHubConfig(ctx context.Context, userID int64, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM hub_configs WHERE id = ? AND user_id = ?`, id, userID)
		if err != nil {
			return fmt.Errorf("deleting hub config: %w", err)
		}
		return requireAffected(res)
	})
}

// SetDefaultHubConfig atomically clears the previous default and marks the
// given config. The partial unique index backs the invariant; the clear
// comes first so the transaction cannot trip it.
func (s *Store) SetDefaultHubConfig(ctx context.Context, userID int64, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE hub_configs SET is_default = 0 WHERE user_id = ? AND is_default = 1`,
			userID); err != nil {
			return fmt.Errorf("clearing previous default: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE hub_configs SET is_default = 1 WHERE id = ? AND user_id = ?`,
			id, userID)
		if err != nil {
			return fmt.Errorf("setting default hub config: %w", err)
		}
		return requireAffected(res)
	})
}

// ClearDefaultHubConfig unmarks the given config. ErrNotFound when the
// config does not exist or belongs to another user.
func (s *Store) ClearDefaultHubConfig(ctx context.Context, userID int64, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE hub_configs SET is_default = 0 WHERE id = ? AND user_id = ?`,
			id, userID)
		if err != nil {
			return fmt.Errorf("clearing default hub config: %w", err)
		}
		return requireAffected(res)
	})
}

// RecordProbe stores the outcome of an upstream probe.
func (s *Store) RecordProbe(ctx context.Context, userID int64, id string, at time.Time, status string, latencyMS int64, version string, entities *int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var ent any
		if entities != nil {
			ent = *entities
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE hub_configs SET last_probe_at = ?, last_probe_status = ?,
				last_probe_latency_ms = ?, last_probe_version = ?, last_probe_entities = ?
			WHERE id = ? AND user_id = ?`,
			fmtTime(at), status, latencyMS, version, ent, id, userID,
		)
		if err != nil {
			return fmt.Errorf("recording probe: %w", err)
		}
		return requireAffected(res)
	})
}

// ActiveHubConfig picks the config tool calls should use: the default if one
// is set, otherwise the most recently probed healthy config. ErrNotFound
// when neither exists.
func (s *Store) ActiveHubConfig(ctx context.Context, userID int64) (*HubConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+hubColumns+` FROM hub_configs WHERE user_id = ? AND is_default = 1`,
		userID)
	h, err := scanHubConfig(row)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	row = s.db.QueryRowContext(ctx, `
		SELECT `+hubColumns+` FROM hub_configs
		WHERE user_id = ? AND last_probe_status = 'ok'
		ORDER BY last_probe_at DESC LIMIT 1`,
		userID)
	return scanHubConfig(row)
}

// ReencryptHubTokens rewrites every stored token cipher through reenc inside
// one transaction. Used by key rotation; a single failing cipher aborts the
// whole rotation.
func (s *Store) ReencryptHubTokens(ctx context.Context, reenc func(oldCipher string) (string, error)) (int, error) {
	count := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, token_cipher FROM hub_configs`)
		if err != nil {
			return fmt.Errorf("querying hub configs: %w", err)
		}

		type pending struct{ id, cipher string }
		var all []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.id, &p.cipher); err != nil {
				rows.Close()
				return fmt.Errorf("scanning hub config: %w", err)
			}
			all = append(all, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterating hub configs: %w", err)
		}
		rows.Close()

		for _, p := range all {
			fresh, err := reenc(p.cipher)
			if err != nil {
				return fmt.Errorf("re-encrypting hub token %s: %w", p.id, err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE hub_configs SET token_cipher = ? WHERE id = ?`,
				fresh, p.id); err != nil {
				return fmt.Errorf("storing re-encrypted token: %w", err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func scanHubConfig(sc scanner) (*HubConfig, error) {
	var h HubConfig
	var probeAt sql.NullString
	var latency, entities sql.NullInt64
	var created, updated string
	err := sc.Scan(
		&h.ID, &h.UserID, &h.Name, &h.URL, &h.TokenCipher, &probeAt,
		&h.LastProbeStatus, &latency, &h.LastProbeVersion, &entities,
		&h.IsDefault, &created, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning hub config row: %w", err)
	}
	if h.LastProbeAt, err = scanTime(probeAt); err != nil {
		return nil, err
	}
	if latency.Valid {
		h.LastProbeLatencyMS = &latency.Int64
	}
	if entities.Valid {
		h.LastProbeEntities = &entities.Int64
	}
	if h.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if h.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &h, nil
}
