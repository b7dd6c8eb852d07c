package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AppendRequest writes one request record. Called once per call at
// completion (or rejection), so the row is complete when it lands.
func (s *Store) AppendRequest(ctx context.Context, r *RequestRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var wait, exec any
		if r.QueueWaitMS != nil {
			wait = *r.QueueWaitMS
		}
		if r.ExecMS != nil {
			exec = *r.ExecMS
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO request_records (id, session_id, user_id, tool_name, priority,
				enqueued_at, started_at, finished_at, queue_wait_ms, exec_ms, status, error_code)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.SessionID, r.UserID, r.ToolName, r.Priority,
			fmtTime(r.EnqueuedAt), nullTime(r.StartedAt), nullTime(r.FinishedAt),
			wait, exec, r.Status, r.ErrorCode,
		)
		if err != nil {
			return fmt.Errorf("inserting request record: %w", err)
		}
		return nil
	})
}

// AppendError writes one error record.
func (s *Store) AppendError(ctx context.Context, e *ErrorRecord) error {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var reqID any
		if e.RequestID != nil {
			reqID = *e.RequestID
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO error_records (request_id, kind, message, stacktrace_digest, ts)
			VALUES (?, ?, ?, ?, ?)`,
			reqID, e.Kind, e.Message, e.StacktraceDigest, fmtTime(e.TS),
		)
		if err != nil {
			return fmt.Errorf("inserting error record: %w", err)
		}
		return nil
	})
}

// AppendLog writes one persisted log entry.
func (s *Store) AppendLog(ctx context.Context, e *LogEntry) error {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	if e.FieldsJSON == "" {
		e.FieldsJSON = "{}"
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO log_entries (level, category, message, fields_json, ts)
			VALUES (?, ?, ?, ?, ?)`,
			e.Level, e.Category, e.Message, e.FieldsJSON, fmtTime(e.TS),
		)
		if err != nil {
			return fmt.Errorf("inserting log entry: %w", err)
		}
		return nil
	})
}

// LogFilter narrows RecentLogs.
type LogFilter struct {
	Level    string
	Category string
	Limit    int
}

// RecentLogs returns persisted entries, newest first.
func (s *Store) RecentLogs(ctx context.Context, f LogFilter) ([]*LogEntry, error) {
	query := `SELECT id, level, category, message, fields_json, ts FROM log_entries`
	var where []string
	var args []any
	if f.Level != "" {
		where = append(where, `level = ?`)
		args = append(args, f.Level)
	}
	if f.Category != "" {
		where = append(where, `category = ?`)
		args = append(args, f.Category)
	}
	for i, cond := range where {
		if i == 0 {
			query += ` WHERE ` + cond
		} else {
			query += ` AND ` + cond
		}
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying log entries: %w", err)
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		var e LogEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.Level, &e.Category, &e.Message, &e.FieldsJSON, &ts); err != nil {
			return nil, fmt.Errorf("scanning log entry: %w", err)
		}
		if e.TS, err = parseTime(ts); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating log entries: %w", err)
	}
	return entries, nil
}

// RecentRequests returns the latest request records, newest first.
func (s *Store) RecentRequests(ctx context.Context, limit int) ([]*RequestRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, tool_name, priority, enqueued_at,
			started_at, finished_at, queue_wait_ms, exec_ms, status, error_code
		FROM request_records ORDER BY enqueued_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying request records: %w", err)
	}
	defer rows.Close()

	var records []*RequestRecord
	for rows.Next() {
		r, err := scanRequestRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating request records: %w", err)
	}
	return records, nil
}

// RequestStats aggregates request records by final status.
func (s *Store) RequestStats(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM request_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("querying request stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning request stats: %w", err)
		}
		stats[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating request stats: %w", err)
	}
	return stats, nil
}

// SweepCounts reports what a retention sweep removed.
type SweepCounts struct {
	Sessions int64 `json:"sessions"`
	Requests int64 `json:"requests"`
	Errors   int64 `json:"errors"`
	Logs     int64 `json:"logs"`
}

// SweepExpired deletes sessions past refresh expiry and records older than
// the horizon, all in one transaction.
func (s *Store) SweepExpired(ctx context.Context, now, horizon time.Time) (SweepCounts, error) {
	var counts SweepCounts
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE refresh_expires_at < ?`, fmtTime(now))
		if err != nil {
			return fmt.Errorf("sweeping sessions: %w", err)
		}
		counts.Sessions, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx,
			`DELETE FROM request_records WHERE enqueued_at < ?`, fmtTime(horizon))
		if err != nil {
			return fmt.Errorf("sweeping request records: %w", err)
		}
		counts.Requests, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx,
			`DELETE FROM error_records WHERE ts < ?`, fmtTime(horizon))
		if err != nil {
			return fmt.Errorf("sweeping error records: %w", err)
		}
		counts.Errors, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx,
			`DELETE FROM log_entries WHERE ts < ?`, fmtTime(horizon))
		if err != nil {
			return fmt.Errorf("sweeping log entries: %w", err)
		}
		counts.Logs, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return SweepCounts{}, err
	}
	return counts, nil
}

// TableCounts returns row counts for the admin stats endpoint.
func (s *Store) TableCounts(ctx context.Context) (map[string]int64, error) {
	tables := []string{
		"users", "sessions", "api_tokens", "hub_configs",
		"request_records", "error_records", "log_entries",
	}
	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("counting %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

func scanRequestRecord(sc scanner) (*RequestRecord, error) {
	var r RequestRecord
	var sessionID sql.NullString
	var userID sql.NullInt64
	var enqueued string
	var started, finished sql.NullString
	var wait, exec sql.NullInt64
	err := sc.Scan(
		&r.ID, &sessionID, &userID, &r.ToolName, &r.Priority, &enqueued,
		&started, &finished, &wait, &exec, &r.Status, &r.ErrorCode,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning request record: %w", err)
	}
	r.SessionID = sessionID.String
	r.UserID = userID.Int64
	if r.EnqueuedAt, err = parseTime(enqueued); err != nil {
		return nil, err
	}
	if r.StartedAt, err = scanTime(started); err != nil {
		return nil, err
	}
	if r.FinishedAt, err = scanTime(finished); err != nil {
		return nil, err
	}
	if wait.Valid {
		r.QueueWaitMS = &wait.Int64
	}
	if exec.Valid {
		r.ExecMS = &exec.Int64
	}
	return &r, nil
}
