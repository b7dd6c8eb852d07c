package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SetToolPermission writes a per-user permission row, replacing any
// existing row for the pair.
func (s *Store) SetToolPermission(ctx context.Context, userID int64, tool string, p Permission) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tool_permissions (user_id, tool_name, can_read, can_write, can_execute, enabled)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, tool_name) DO UPDATE SET
				can_read = excluded.can_read, can_write = excluded.can_write,
				can_execute = excluded.can_execute, enabled = excluded.enabled`,
			userID, tool, p.CanRead, p.CanWrite, p.CanExecute, p.Enabled,
		)
		if err != nil {
			return fmt.Errorf("setting tool permission: %w", err)
		}
		return nil
	})
}

// ToolPermission returns the explicit per-user row, ErrNotFound if the user
// inherits the default.
func (s *Store) ToolPermission(ctx context.Context, userID int64, tool string) (Permission, error) {
	var p Permission
	err := s.db.QueryRowContext(ctx, `
		SELECT can_read, can_write, can_execute, enabled
		FROM tool_permissions WHERE user_id = ? AND tool_name = ?`,
		userID, tool,
	).Scan(&p.CanRead, &p.CanWrite, &p.CanExecute, &p.Enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Permission{}, ErrNotFound
		}
		return Permission{}, fmt.Errorf("querying tool permission: %w", err)
	}
	return p, nil
}

// DeleteToolPermission removes the per-user row so the default applies
// again.
func (s *Store) DeleteToolPermission(ctx context.Context, userID int64, tool string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM tool_permissions WHERE user_id = ? AND tool_name = ?`,
			userID, tool)
		if err != nil {
			return fmt.Errorf("deleting tool permission: %w", err)
		}
		return requireAffected(res)
	})
}

// SetDefaultToolPermission writes the fallback row for a tool.
func (s *Store) SetDefaultToolPermission(ctx context.Context, tool string, p Permission) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO default_tool_permissions (tool_name, can_read, can_write, can_execute, enabled)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (tool_name) DO UPDATE SET
				can_read = excluded.can_read, can_write = excluded.can_write,
				can_execute = excluded.can_execute, enabled = excluded.enabled`,
			tool, p.CanRead, p.CanWrite, p.CanExecute, p.Enabled,
		)
		if err != nil {
			return fmt.Errorf("setting default tool permission: %w", err)
		}
		return nil
	})
}

// DefaultToolPermission returns the fallback row for a tool.
func (s *Store) DefaultToolPermission(ctx context.Context, tool string) (Permission, error) {
	var p Permission
	err := s.db.QueryRowContext(ctx, `
		SELECT can_read, can_write, can_execute, enabled
		FROM default_tool_permissions WHERE tool_name = ?`,
		tool,
	).Scan(&p.CanRead, &p.CanWrite, &p.CanExecute, &p.Enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Permission{}, ErrNotFound
		}
		return Permission{}, fmt.Errorf("querying default tool permission: %w", err)
	}
	return p, nil
}

// EffectivePermission resolves user row first, default row second. A tool
// with neither resolves to deny-all.
func (s *Store) EffectivePermission(ctx context.Context, userID int64, tool string) (Permission, error) {
	p, err := s.ToolPermission(ctx, userID, tool)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Permission{}, err
	}
	p, err = s.DefaultToolPermission(ctx, tool)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Permission{}, err
	}
	return Permission{}, nil
}

// EnsureDefaultToolPermissions inserts fallback rows for tools that have
// none yet. Existing rows are left alone so operator overrides survive
// restarts.
func (s *Store) EnsureDefaultToolPermissions(ctx context.Context, defaults map[string]Permission) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for tool, p := range defaults {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO default_tool_permissions (tool_name, can_read, can_write, can_execute, enabled)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (tool_name) DO NOTHING`,
				tool, p.CanRead, p.CanWrite, p.CanExecute, p.Enabled,
			)
			if err != nil {
				return fmt.Errorf("seeding default permission for %s: %w", tool, err)
			}
		}
		return nil
	})
}

// ListDefaultToolPermissions returns all fallback rows keyed by tool.
func (s *Store) ListDefaultToolPermissions(ctx context.Context) (map[string]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_name, can_read, can_write, can_execute, enabled
		FROM default_tool_permissions ORDER BY tool_name`)
	if err != nil {
		return nil, fmt.Errorf("querying default tool permissions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Permission)
	for rows.Next() {
		var tool string
		var p Permission
		if err := rows.Scan(&tool, &p.CanRead, &p.CanWrite, &p.CanExecute, &p.Enabled); err != nil {
			return nil, fmt.Errorf("scanning default permission row: %w", err)
		}
		out[tool] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating default permission rows: %w", err)
	}
	return out, nil
}
